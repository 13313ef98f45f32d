// Package artifact is the alternate file-provisioning path in
// SPEC_FULL.md's DOMAIN STACK: instead of a client streaming a file's
// content through repeated Tmpfile.append calls, createFile can be given an
// OCI registry reference and have its initial content pulled from a
// single-layer artifact there.
package artifact

import (
	"fmt"
	"io"

	"github.com/google/go-containerregistry/pkg/crane"
	v1 "github.com/google/go-containerregistry/pkg/v1"
)

// MaxPullSize mirrors internal/graph.MaxFileSize: an artifact whose single
// layer decompresses past this is rejected rather than silently truncated,
// for the same BAD_SIZE reason a client's append() chunk would be.
const MaxPullSize = 1 << 20

// Pull fetches ref from its OCI registry and returns the content of its
// (single, uncompressed) layer. This mirrors the teacher's own image-pull
// path (`images.go`'s use of go-containerregistry to fetch a sandbox base
// image) narrowed from "pull a whole container image" to "pull one file's
// bytes out of a single-layer artifact".
func Pull(ref string) ([]byte, error) {
	img, err := crane.Pull(ref)
	if err != nil {
		return nil, fmt.Errorf("artifact: pulling %s: %w", ref, err)
	}
	layers, err := img.Layers()
	if err != nil {
		return nil, fmt.Errorf("artifact: reading layers of %s: %w", ref, err)
	}
	if len(layers) != 1 {
		return nil, fmt.Errorf("artifact: %s has %d layers, want exactly 1", ref, len(layers))
	}
	return readLayer(layers[0], ref)
}

func readLayer(layer v1.Layer, ref string) ([]byte, error) {
	rc, err := layer.Uncompressed()
	if err != nil {
		return nil, fmt.Errorf("artifact: decompressing layer of %s: %w", ref, err)
	}
	defer rc.Close()

	limited := io.LimitReader(rc, MaxPullSize+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("artifact: reading layer of %s: %w", ref, err)
	}
	if len(data) > MaxPullSize {
		return nil, fmt.Errorf("artifact: %s layer exceeds %d byte limit", ref, MaxPullSize)
	}
	return data, nil
}
