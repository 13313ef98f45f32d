// Package procexec is the agent-side half of spec.md §4.3's remote execution
// pipeline: given the expanded argv/env a Host.run call produced, it starts
// the real OS process, captures its stdio, and classifies how it ended into
// the exited/crashed/transcended/timed_out shape internal/graph.SetExitInfo
// expects.
package procexec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/riywo/loginshell"
)

// Spec is what the master hands an agent to start one process.
type Spec struct {
	Argv        []string
	Env         map[string]string
	UseTerminal bool
	Timeout     time.Duration // zero means no deadline

	// Stdin, when non-nil, is copied into the child's standard input (or the
	// pty's input side, with UseTerminal) and closed once exhausted, per
	// spec.md §4.3 step 5's "stdin becomes an input pipe fed from the file."
	Stdin io.Reader
}

// Process is a child process under agent control, from spawn through reap.
type Process struct {
	cmd  *exec.Cmd
	ptyF *os.File

	mu      sync.Mutex
	stdout  bytes.Buffer
	stderr  bytes.Buffer
	exit    map[string]any
	killOne sync.Once

	drainWG sync.WaitGroup
	done    chan struct{}
}

// Start launches spec's command. With UseTerminal set, the child's stdio is
// attached to one end of a pty (github.com/creack/pty) instead of pipes, so
// programs that check isatty() see a real terminal; a bare `["shell"]` argv
// is a convenience that resolves to the invoking user's configured login
// shell (github.com/riywo/loginshell), for ad-hoc interactive debug sessions
// rather than running a named test command.
func Start(ctx context.Context, spec Spec) (*Process, error) {
	argv := spec.Argv
	if spec.UseTerminal && len(argv) == 1 && argv[0] == "shell" {
		sh, err := loginshell.Shell()
		if err != nil {
			sh = "/bin/sh"
		}
		argv = []string{sh}
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("procexec: empty argv")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = flattenEnv(spec.Env)

	p := &Process{cmd: cmd, done: make(chan struct{})}

	if spec.UseTerminal {
		f, err := pty.Start(cmd)
		if err != nil {
			return nil, fmt.Errorf("procexec: starting pty for %s: %w", argv[0], err)
		}
		p.ptyF = f
		p.drainWG.Add(1)
		go p.drainPty()
		if spec.Stdin != nil {
			go io.Copy(f, spec.Stdin)
		}
	} else {
		if spec.Stdin != nil {
			cmd.Stdin = spec.Stdin
		}
		stdoutPipe, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("procexec: stdout pipe: %w", err)
		}
		stderrPipe, err := cmd.StderrPipe()
		if err != nil {
			return nil, fmt.Errorf("procexec: stderr pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("procexec: starting %s: %w", argv[0], err)
		}
		p.drainWG.Add(2)
		go p.drain(stdoutPipe, &p.stdout)
		go p.drain(stderrPipe, &p.stderr)
	}

	go p.reap(ctx, spec.Timeout)
	return p, nil
}

func (p *Process) drain(r io.Reader, into *bytes.Buffer) {
	defer p.drainWG.Done()
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			p.mu.Lock()
			into.Write(buf[:n])
			p.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (p *Process) drainPty() {
	defer p.drainWG.Done()
	buf := make([]byte, 32*1024)
	for {
		n, err := p.ptyF.Read(buf)
		if n > 0 {
			p.mu.Lock()
			p.stdout.Write(buf[:n])
			p.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// reap mirrors dborb/process.c's ni_process_reap ordering: stdio is drained
// to EOF before the exit status is collected and classified, so a
// fast-exiting child's buffered output is never lost.
func (p *Process) reap(ctx context.Context, timeout time.Duration) {
	var timedOut atomic.Bool
	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() {
			timedOut.Store(true)
			p.kill()
		})
	}
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			p.kill()
		case <-stop:
		}
	}()

	p.drainWG.Wait()
	err := p.cmd.Wait()
	if timer != nil {
		timer.Stop()
	}
	if p.ptyF != nil {
		p.ptyF.Close()
	}

	p.mu.Lock()
	p.exit = classify(err, timedOut.Load())
	p.mu.Unlock()
	close(p.done)
}

func (p *Process) kill() {
	p.killOne.Do(func() {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
	})
}

// classify turns a Wait() result into the how/exit-code/exit-signal shape
// dborb/process.c's __ni_process_fill_exit_info produces from WIFEXITED /
// WIFSIGNALED / WCOREDUMP.
func classify(err error, timedOut bool) map[string]any {
	if timedOut {
		return map[string]any{"how": "timed_out"}
	}
	if err == nil {
		return map[string]any{"exit-code": 0}
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return map[string]any{"how": "nonstarter", "error": err.Error()}
	}
	ws, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return map[string]any{"exit-code": exitErr.ExitCode()}
	}
	switch {
	case ws.Exited():
		return map[string]any{"exit-code": ws.ExitStatus()}
	case ws.Signaled():
		return map[string]any{
			"exit-signal": int(ws.Signal()),
			"core-dumped": ws.CoreDump(),
		}
	default:
		return map[string]any{"how": "transcended"}
	}
}

// Done reports when the process has been reaped and ExitInfo is ready.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitInfo returns the classified exit status. Callers must wait on Done
// first.
func (p *Process) ExitInfo() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

// Stdout returns the bytes captured so far (all of it, once Done is closed).
// With UseTerminal, this also carries what would otherwise be Stderr, since
// a pty gives the child a single combined stream.
func (p *Process) Stdout() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.stdout.Bytes()...)
}

// Stderr returns the bytes captured so far on the separate stderr pipe.
// Always empty when UseTerminal was set.
func (p *Process) Stderr() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.stderr.Bytes()...)
}

// Resize applies a new terminal size to the pty, a no-op when the process
// was not started with UseTerminal.
func (p *Process) Resize(rows, cols int) error {
	if p.ptyF == nil {
		return nil
	}
	return pty.Setsize(p.ptyF, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

func flattenEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
