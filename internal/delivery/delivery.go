// Package delivery defines the collaborator that receives finished
// artifacts. The core only ever talks to the interface; how an artifact
// reaches durable storage or a user is decided at the composition root.
package delivery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Artifact is the fully assembled byte content of a finished download.
type Artifact struct {
	Filename string
	Data     []byte
}

type Delivery interface {
	Deliver(ctx context.Context, artifact Artifact) error
}

// Func adapts a plain function to the Delivery interface.
type Func func(ctx context.Context, artifact Artifact) error

func (f Func) Deliver(ctx context.Context, artifact Artifact) error {
	return f(ctx, artifact)
}

// Discard accepts every artifact and drops it.
var Discard Delivery = Func(func(context.Context, Artifact) error { return nil })

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// FileSink writes artifacts into a directory, one file per artifact.
type FileSink struct {
	dir string
}

func NewFileSink(dir string) *FileSink {
	return &FileSink{dir: dir}
}

func (s *FileSink) Deliver(_ context.Context, artifact Artifact) error {
	if err := os.MkdirAll(s.dir, dirPerm); err != nil {
		return fmt.Errorf("failed to create target directory: %w", err)
	}

	target := filepath.Join(s.dir, filepath.Base(artifact.Filename))
	if err := os.WriteFile(target, artifact.Data, filePerm); err != nil {
		return fmt.Errorf("failed to write artifact: %w", err)
	}

	return nil
}
