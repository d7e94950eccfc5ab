package attachment

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Local opens files below Root. References may not escape it.
type Local struct {
	Root string
}

func (l Local) Open(ctx context.Context, ref string) (*File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := l.resolve(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", ref, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if st.IsDir() {
		_ = f.Close()
		return nil, fmt.Errorf("%s: is a directory: %w", ref, ErrInvalidRef)
	}
	return NewFile(filepath.Base(p), st.Size(), f)
}

func (l Local) resolve(ref string) (string, error) {
	root := l.Root
	if root == "" {
		root = "."
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	clean := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(ref, "/")))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%q: %w", ref, ErrInvalidRef)
	}
	p := filepath.Join(root, clean)
	if rel, err := filepath.Rel(root, p); err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%q: %w", ref, ErrInvalidRef)
	}
	return p, nil
}
