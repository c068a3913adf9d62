package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/xraph/docflow/id"
)

// Local stores files under a root directory. References are slash-separated
// paths relative to the root and can never escape it.
type Local struct {
	root string
}

var _ Storage = (*Local)(nil)

// NewLocal creates a Local backend rooted at dir.
func NewLocal(dir string) (*Local, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("storage/local: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("storage/local: %w", err)
	}
	return &Local{root: abs}, nil
}

// Root returns the absolute root directory.
func (l *Local) Root() string { return l.root }

func (l *Local) resolve(ref string) string {
	clean := filepath.Clean("/" + filepath.FromSlash(ref))
	return filepath.Join(l.root, clean)
}

// Stat implements Storage.
func (l *Local) Stat(ctx context.Context, ref string) (FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return FileInfo{}, err
	}
	fi, err := os.Stat(l.resolve(ref))
	if err != nil {
		return FileInfo{}, wrapLocal("stat", ref, err)
	}
	if fi.IsDir() {
		return FileInfo{}, fmt.Errorf("storage/local: stat %s: %w", ref, ErrNotFound)
	}
	return FileInfo{Name: fi.Name(), Size: fi.Size()}, nil
}

// Load implements Storage.
func (l *Local) Load(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(l.resolve(ref))
	if err != nil {
		return nil, wrapLocal("load", ref, err)
	}
	return b, nil
}

// Save implements Storage. The file is written to a temporary name and
// renamed into place.
func (l *Local) Save(ctx context.Context, tenantID string, jobID id.JobID, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ref := OutputRef(tenantID, jobID, name)
	path := l.resolve(ref)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("storage/local: save %s: %w", ref, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("storage/local: save %s: %w", ref, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("storage/local: save %s: %w", ref, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("storage/local: save %s: %w", ref, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("storage/local: save %s: %w", ref, err)
	}
	return ref, nil
}

func wrapLocal(op, ref string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("storage/local: %s %s: %w", op, ref, ErrNotFound)
	}
	return fmt.Errorf("storage/local: %s %s: %w", op, ref, err)
}
