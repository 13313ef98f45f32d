// Package agentfs is the agent-side local filesystem surface backing the
// Agent.Filesystem bus interface (getInfo/download/upload, spec.md §6):
// a small seam so the agent's file handling can be faked in tests instead
// of hitting the real disk.
package agentfs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// FileOps is the local filesystem surface the agent needs: enough to stat,
// read, write and stage file content without every call site depending on
// package os directly.
type FileOps interface {
	MkdirAll(path string, perm os.FileMode) error
	Copy(ctx context.Context, src, dst string) error
	Stat(path string) (os.FileInfo, error)
	Lstat(path string) (os.FileInfo, error)
	Readlink(path string) (string, error)
	Create(path string) (*os.File, error)
	RemoveAll(path string) error
	WriteFile(path string, data []byte, perm os.FileMode) error
	ReadFile(path string) ([]byte, error)
	// ReadFileRange reads up to count bytes starting at offset, seeking
	// rather than loading the whole file, for Agent.Filesystem.download's
	// chunked transfer of files too large to hold in memory repeatedly.
	ReadFileRange(path string, offset int64, count int) ([]byte, error)
}

type osFileOps struct{}

// NewOSFileOps returns the production FileOps backed by the real filesystem.
func NewOSFileOps() FileOps {
	return &osFileOps{}
}

func (f *osFileOps) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

// Copy shells out to cp -Rc (clone-on-write where the filesystem supports
// it) rather than reading the whole tree into memory, matching how the
// agent stages a large artifact-provisioned file onto local disk.
func (f *osFileOps) Copy(ctx context.Context, src, dst string) error {
	cmd := exec.CommandContext(ctx, "cp", "-Rc", src, dst)
	slog.InfoContext(ctx, "agentfs.Copy", "cmd", strings.Join(cmd.Args, " "))
	output, err := cmd.CombinedOutput()
	if err != nil {
		slog.InfoContext(ctx, "agentfs.Copy failed", "error", err, "output", string(output))
		return fmt.Errorf("copy failed: %w (output: %s)", err, output)
	}
	return nil
}

func (f *osFileOps) Stat(path string) (os.FileInfo, error)    { return os.Stat(path) }
func (f *osFileOps) Lstat(path string) (os.FileInfo, error)   { return os.Lstat(path) }
func (f *osFileOps) Readlink(path string) (string, error)     { return os.Readlink(path) }
func (f *osFileOps) Create(path string) (*os.File, error)     { return os.Create(path) }
func (f *osFileOps) RemoveAll(path string) error              { return os.RemoveAll(path) }
func (f *osFileOps) ReadFile(path string) ([]byte, error)     { return os.ReadFile(path) }
func (f *osFileOps) WriteFile(path string, data []byte, perm os.FileMode) error {
	return os.WriteFile(path, data, perm)
}

func (f *osFileOps) ReadFileRange(path string, offset int64, count int) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}
	buf := make([]byte, count)
	n, err := io.ReadFull(file, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	return buf[:n], nil
}
