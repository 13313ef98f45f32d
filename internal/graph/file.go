package graph

import (
	"github.com/banksean/testbus/internal/artifact"
	"github.com/banksean/testbus/internal/bus"
	"github.com/banksean/testbus/internal/model"
)

// FileMode is the read/write/exec bitmask spec.md §3 attaches to every File
// object (distinct from a unix mode: it only governs how the agent treats
// the content stream, e.g. WRITE means "the agent appends to this").
type FileMode uint8

const (
	ModeRead FileMode = 1 << iota
	ModeWrite
	ModeExec
)

// MaxFileSize and MaxChunkSize are the two hard caps spec.md §3/§4.4 put on
// file content: a file's total content may never exceed 1 MiB, and any
// single append/retrieve call is capped at 64 KiB. An append over either
// cap fails with BAD_SIZE; a retrieve count over 64 KiB fails with
// INVALID_ARGS. Nothing is silently truncated.
const (
	MaxFileSize  = 1 << 20
	MaxChunkSize = 64 << 10
)

// FileData is the File/Tmpfile-class extension: a globally unique inode and
// per-writer sequence number (spec.md §3's "globally unique inode number
// assigned at creation, plus a sequence counter bumped on every successful
// append"), the mode bitmask, and the buffered content itself.
type FileData struct {
	Inode   string
	Seq     uint64
	Mode    FileMode
	Content []byte
}

// CreateFile implements Fileset.createFile: a permanent named file child of
// any file-bearing container (host, command, process, testcase, root).
func (g *Graph) CreateFile(containerPath, name string, mode FileMode) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.createFileLocked(containerPath, name, mode)
}

func (g *Graph) createFileLocked(containerPath, name string, mode FileMode) (string, error) {
	parent := g.container(containerPath)
	if parent == nil || !parent.Features().Has(model.FeatureFiles) {
		return "", model.Errorf(model.NotCompatible, "Fileset.createFile", containerPath, "not a file-bearing container")
	}
	c, err := g.createChildLocked(containerPath, model.ClassFile, name, 0)
	if err != nil {
		return "", err
	}
	g.files[c.path] = &FileData{Inode: newInode(), Mode: mode}
	return c.path, nil
}

// CreateFileFromArtifact implements Fileset.createFileFromArtifact: an
// alternate provisioning path from SPEC_FULL.md's DOMAIN STACK where a
// file's initial content is pulled from a single-layer OCI artifact instead
// of arriving through repeated Tmpfile.append calls from a client.
func (g *Graph) CreateFileFromArtifact(containerPath, name string, mode FileMode, ref string) (string, error) {
	content, err := artifact.Pull(ref)
	if err != nil {
		return "", model.Wrap(model.InvalidArgs, "Fileset.createFileFromArtifact", containerPath, err)
	}
	if len(content) > MaxFileSize {
		return "", model.Errorf(model.BadSize, "Fileset.createFileFromArtifact", containerPath, "artifact content of %d bytes exceeds the %d byte limit", len(content), MaxFileSize)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	path, err := g.createFileLocked(containerPath, name, mode)
	if err != nil {
		return "", err
	}
	fd := g.files[path]
	fd.Content = content
	fd.Seq = 1
	return path, nil
}

// CreateTmpfile creates an anonymous file child with no caller-supplied
// name. No bus method is routed to it. The child is registered under its
// generated name (File<id>) in the parent's file set, so the file merge
// sees it like any other file.
func (g *Graph) CreateTmpfile(containerPath string, mode FileMode) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	parent := g.container(containerPath)
	if parent == nil || !parent.Features().Has(model.FeatureFiles) {
		return "", model.Errorf(model.NotCompatible, "Fileset.createTmpfile", containerPath, "not a file-bearing container")
	}
	c, err := g.createChildLocked(containerPath, model.ClassTmpfile, "", 0)
	if err != nil {
		return "", err
	}
	g.files[c.path] = &FileData{Inode: newInode(), Mode: mode}
	return c.path, nil
}

// Append implements Tmpfile.append (spec.md §4.4): bumps the sequence
// counter and grows the buffer, rejecting chunks over MaxChunkSize and
// writes that would push the file's total size past MaxFileSize.
func (g *Graph) Append(path string, data []byte) (uint64, error) {
	if len(data) > MaxChunkSize {
		return 0, model.Errorf(model.BadSize, "Tmpfile.append", path, "chunk of %d bytes exceeds the %d byte limit", len(data), MaxChunkSize)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	fd, ok := g.files[path]
	if !ok {
		return 0, model.Errorf(model.NameUnknown, "Tmpfile.append", path, "no such file")
	}
	if len(fd.Content)+len(data) > MaxFileSize {
		return 0, model.Errorf(model.BadSize, "Tmpfile.append", path, "append would exceed the %d byte file size limit", MaxFileSize)
	}
	fd.Content = append(fd.Content, data...)
	fd.Seq++
	seq := fd.Seq
	g.hub.Broadcast(&bus.Envelope{Kind: bus.KindSignal, Path: path, Interface: "Tmpfile", Method: "appended", Args: map[string]any{"iseq": seq, "size": len(fd.Content)}})
	return seq, nil
}

// Retrieve implements Tmpfile.retrieve: a capped read of the file content
// starting at offset. count is a hard cap on the read, not a sentinel: an
// offset at or past the end of the content returns an empty array rather
// than an error, the bus-level "EOF" spec.md §4.4 describes.
func (g *Graph) Retrieve(path string, offset, count int) ([]byte, error) {
	if offset < 0 || count < 0 || count > MaxChunkSize {
		return nil, model.Errorf(model.InvalidArgs, "Tmpfile.retrieve", path, "invalid offset/count (offset=%d, count=%d)", offset, count)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	fd, ok := g.files[path]
	if !ok {
		return nil, model.Errorf(model.NameUnknown, "Tmpfile.retrieve", path, "no such file")
	}
	if offset >= len(fd.Content) {
		return []byte{}, nil
	}
	end := offset + count
	if end > len(fd.Content) {
		end = len(fd.Content)
	}
	out := make([]byte, end-offset)
	copy(out, fd.Content[offset:end])
	return out, nil
}

// DeleteFile answers a call to Tmpfile.deleted (dispatch.go), routed through the generic
// Container.delete path so destroy.go's deleted() signal fires uniformly.
func (g *Graph) DeleteFile(path string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.files[path]; !ok {
		return model.Errorf(model.NameUnknown, "Tmpfile.delete", path, "no such file")
	}
	return g.deleteLocked(path)
}

// FileInfo is a read-only snapshot of a File/Tmpfile for the CLI.
type FileInfo struct {
	Path string
	Mode FileMode
	Size int
	Seq  uint64
}

func (g *Graph) FileSnapshot(path string) (FileInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fd, ok := g.files[path]
	if !ok {
		return FileInfo{}, model.Errorf(model.NameUnknown, "Tmpfile", path, "no such file")
	}
	return FileInfo{Path: path, Mode: fd.Mode, Size: len(fd.Content), Seq: fd.Seq}, nil
}
