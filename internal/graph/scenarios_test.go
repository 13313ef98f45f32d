package graph

import (
	"context"
	"testing"

	"github.com/banksean/testbus/internal/bus"
	"github.com/banksean/testbus/internal/model"
)

// fakeAgent is a bus.Sender stub standing in for an agent connection: it
// records every envelope the master sends it instead of actually spawning a
// process, which is all internal/graph's own tests need to exercise spec.md
// §8's scenarios (the process pipeline itself is internal/procexec's and
// cmd/testbus-agent's concern).
type fakeAgent struct {
	received []*bus.Envelope
}

func (f *fakeAgent) Send(env *bus.Envelope) error {
	f.received = append(f.received, env)
	return nil
}

func (f *fakeAgent) lastProcessScheduled() (processPath string, spec map[string]any, files []map[string]any, ok bool) {
	for i := len(f.received) - 1; i >= 0; i-- {
		env := f.received[i]
		if env.Interface == "Host" && env.Method == "processScheduled" {
			spec, _ = env.Args["spec"].(map[string]any)
			processPath, _ = spec["object-path"].(string)
			files, _ = env.Args["files"].([]map[string]any)
			return processPath, spec, files, true
		}
	}
	return "", nil, nil, false
}

// newTestGraph builds a graph with a live fake agent already registered
// under busName, mirroring a connected testbus-agent without any real gRPC
// transport.
func newTestGraph(t *testing.T, busName string) (*Graph, *fakeAgent) {
	t.Helper()
	hub := bus.NewHub()
	agent := &fakeAgent{}
	hub.Register(busName, agent)
	return New(hub), agent
}

func TestHelloWorld(t *testing.T) {
	g, agent := newTestGraph(t, "agent1")

	hostPath, err := g.CreateHost("agent1", "testhost1")
	if err != nil {
		t.Fatalf("CreateHost: %v", err)
	}
	testPath, err := g.CreateTest(g.RootPath(), "T")
	if err != nil {
		t.Fatalf("CreateTest: %v", err)
	}
	if err := g.AddHost(testPath, "testhost", hostPath); err != nil {
		t.Fatalf("AddHost: %v", err)
	}

	cmdPath, err := g.CreateCommand(testPath, []string{"/bin/echo", "hello"}, nil)
	if err != nil {
		t.Fatalf("CreateCommand: %v", err)
	}
	stdoutPath, err := g.CreateFile(cmdPath, "stdout", ModeWrite)
	if err != nil {
		t.Fatalf("CreateFile(stdout): %v", err)
	}
	_ = stdoutPath

	processPath, err := g.Run(hostPath, cmdPath)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	scheduledPath, _, files, ok := agent.lastProcessScheduled()
	if !ok || scheduledPath != processPath {
		t.Fatalf("expected processScheduled for %s, got %v (ok=%v)", processPath, scheduledPath, ok)
	}

	// Find the per-process clone of the command's "stdout" file and simulate
	// the agent uploading the child's output to it.
	var clonedStdout string
	for _, fd := range files {
		if fd["name"] == "stdout" {
			clonedStdout, _ = fd["object-path"].(string)
		}
	}
	if clonedStdout == "" {
		t.Fatalf("no stdout file descriptor in processScheduled files")
	}
	if clonedStdout == stdoutPath {
		t.Fatalf("expected a per-process clone, got the command's own file %s", stdoutPath)
	}
	if _, err := g.Append(clonedStdout, []byte("hello\n")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := g.SetExitInfo(processPath, map[string]any{"exit-code": 0}); err != nil {
		t.Fatalf("SetExitInfo: %v", err)
	}

	info, err := g.ProcessSnapshot(processPath)
	if err != nil {
		t.Fatalf("ProcessSnapshot: %v", err)
	}
	if info.State != StateExited {
		t.Fatalf("expected state %q, got %q", StateExited, info.State)
	}
	if code, _ := info.ExitInfo["exit-code"].(int); code != 0 {
		t.Fatalf("expected exit-code 0, got %v", info.ExitInfo["exit-code"])
	}

	content, err := g.Retrieve(clonedStdout, 0, MaxChunkSize)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if string(content) != "hello\n" {
		t.Fatalf("expected stdout %q, got %q", "hello\n", content)
	}
}

func TestEnvPrecedence(t *testing.T) {
	g, _ := newTestGraph(t, "agent1")

	hostPath, err := g.CreateHost("agent1", "testhost1")
	if err != nil {
		t.Fatalf("CreateHost: %v", err)
	}
	if err := g.Setenv(g.RootPath(), "FOO", "global"); err != nil {
		t.Fatalf("Setenv(root): %v", err)
	}
	testPath, err := g.CreateTest(g.RootPath(), "T")
	if err != nil {
		t.Fatalf("CreateTest: %v", err)
	}
	if err := g.Setenv(testPath, "FOO", "test"); err != nil {
		t.Fatalf("Setenv(test): %v", err)
	}
	cmdPath, err := g.CreateCommand(testPath, []string{"sh", "-c", "echo $testbus_FOO"}, nil)
	if err != nil {
		t.Fatalf("CreateCommand: %v", err)
	}
	if err := g.Setenv(cmdPath, "FOO", "cmd"); err != nil {
		t.Fatalf("Setenv(command): %v", err)
	}

	g.mu.Lock()
	env := g.effectiveEnvLocked(cmdPath, hostPath)
	g.mu.Unlock()
	if env["FOO"] != "cmd" {
		t.Fatalf("expected the command's own FOO to win, got %q", env["FOO"])
	}
	rewritten := RewriteReserved(env)
	if rewritten["testbus_FOO"] != "cmd" {
		t.Fatalf("expected testbus_FOO=cmd in rewritten env, got %q", rewritten["testbus_FOO"])
	}
}

func TestConcurrentProcessesShareOneCommand(t *testing.T) {
	g, _ := newTestGraph(t, "agent1")

	hostPath, err := g.CreateHost("agent1", "testhost1")
	if err != nil {
		t.Fatalf("CreateHost: %v", err)
	}
	cmdPath, err := g.CreateCommand(g.RootPath(), []string{"/bin/true"}, nil)
	if err != nil {
		t.Fatalf("CreateCommand: %v", err)
	}
	if _, err := g.CreateFile(cmdPath, "stdout", ModeWrite); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}

	p1, err := g.Run(hostPath, cmdPath)
	if err != nil {
		t.Fatalf("Run (1): %v", err)
	}
	p2, err := g.Run(hostPath, cmdPath)
	if err != nil {
		t.Fatalf("Run (2): %v", err)
	}
	if p1 == p2 {
		t.Fatalf("expected distinct process paths, both were %s", p1)
	}

	if err := g.SetExitInfo(p1, map[string]any{"exit-code": 0}); err != nil {
		t.Fatalf("SetExitInfo(p1): %v", err)
	}
	if err := g.SetExitInfo(p2, map[string]any{"exit-code": 1}); err != nil {
		t.Fatalf("SetExitInfo(p2): %v", err)
	}

	i1, err := g.ProcessSnapshot(p1)
	if err != nil {
		t.Fatalf("ProcessSnapshot(p1): %v", err)
	}
	i2, err := g.ProcessSnapshot(p2)
	if err != nil {
		t.Fatalf("ProcessSnapshot(p2): %v", err)
	}
	if i1.ExitInfo["exit-code"] != 0 || i2.ExitInfo["exit-code"] != 1 {
		t.Fatalf("expected independent exit codes, got %v and %v", i1.ExitInfo, i2.ExitInfo)
	}
}

func TestReconnect(t *testing.T) {
	g, _ := newTestGraph(t, "agent-a1")

	hostPath, err := g.CreateHost("agent-a1", "h")
	if err != nil {
		t.Fatalf("CreateHost: %v", err)
	}
	g.mu.Lock()
	hostUUID := g.hosts[hostPath].UUID
	g.mu.Unlock()

	// A1 disconnects.
	g.hub.Unregister("agent-a1")

	// A2 reconnects with the correct uuid: same host path, now owned by a2.
	hub := g.hub
	hub.Register("agent-a2", &fakeAgent{})
	path, err := g.Reconnect("agent-a2", "h", hostUUID)
	if err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if path != hostPath {
		t.Fatalf("expected reconnect to return the same host path %s, got %s", hostPath, path)
	}

	// A3 tries to reconnect under the same name with the wrong uuid while a2
	// is still live: NAME_EXISTS.
	hub.Register("agent-a3", &fakeAgent{})
	if _, err := g.Reconnect("agent-a3", "h", "not-the-uuid"); model.KindOf(err) != model.NameExists {
		t.Fatalf("expected NameExists for a wrong-uuid reconnect, got %v", err)
	}
}

func TestFileCap(t *testing.T) {
	g, _ := newTestGraph(t, "agent1")
	hostPath, err := g.CreateHost("agent1", "h")
	if err != nil {
		t.Fatalf("CreateHost: %v", err)
	}
	filePath, err := g.CreateFile(hostPath, "blob", ModeWrite)
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}

	chunk := make([]byte, 4<<10)
	for i := 0; i < MaxFileSize/len(chunk); i++ {
		if _, err := g.Append(filePath, chunk); err != nil {
			t.Fatalf("Append #%d: %v", i, err)
		}
	}
	if _, err := g.Append(filePath, []byte{0}); model.KindOf(err) != model.BadSize {
		t.Fatalf("expected BadSize appending past the 1 MiB cap, got %v", err)
	}

	// Retrieve: count over the chunk cap is InvalidArgs, not BadSize
	// (original_source/server/dbus-fileset.c's __ni_Testbus_Tmpfile_retrieve
	// reserves BAD_SIZE for append, not retrieve).
	if _, err := g.Retrieve(filePath, 0, MaxChunkSize+1); model.KindOf(err) != model.InvalidArgs {
		t.Fatalf("expected InvalidArgs for an over-cap retrieve count, got %v", err)
	}

	// offset at or past the end of content is EOF (empty array), not an error.
	out, err := g.Retrieve(filePath, MaxFileSize, MaxChunkSize)
	if err != nil {
		t.Fatalf("Retrieve past EOF: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected an empty array past EOF, got %d bytes", len(out))
	}
}

func TestEventLogPurge(t *testing.T) {
	g, _ := newTestGraph(t, "agent1")
	hostPath, err := g.CreateHost("agent1", "h")
	if err != nil {
		t.Fatalf("CreateHost: %v", err)
	}

	g.mu.Lock()
	hd := g.hosts[hostPath]
	eventLogPath := hd.EventLogPath
	g.mu.Unlock()

	for i := 0; i < 5; i++ {
		if _, err := g.AddEvent(eventLogPath, "test", "tick", map[string]any{"i": i}); err != nil {
			t.Fatalf("AddEvent #%d: %v", i, err)
		}
	}

	assertGetEvents := func(wantCount int, wantLastSeq uint64) {
		t.Helper()
		handler := g.NewHandler()
		reply, err := handler(context.Background(), "client1", eventLogPath, "Eventlog", "getEvents", map[string]any{"since": uint64(0)})
		if err != nil {
			t.Fatalf("Eventlog.getEvents: %v", err)
		}
		events, _ := reply["events"].([]map[string]any)
		if len(events) != wantCount {
			t.Fatalf("expected %d events, got %d", wantCount, len(events))
		}
		lastSeq, _ := reply["last-seq"].(uint64)
		if lastSeq != wantLastSeq {
			t.Fatalf("expected last-seq %d, got %d", wantLastSeq, lastSeq)
		}
	}

	assertGetEvents(5, 5)

	if err := g.PurgeUpTo(eventLogPath, 3); err != nil {
		t.Fatalf("PurgeUpTo: %v", err)
	}
	assertGetEvents(2, 5)

	if err := g.PurgeAll(eventLogPath); err != nil {
		t.Fatalf("PurgeAll: %v", err)
	}
	// The log has seen 5 events even though purge(0) emptied it entirely:
	// last-seq must still report the high-water mark, not 0 (spec.md §4.5,
	// §8 scenario 6).
	assertGetEvents(0, 5)
}
