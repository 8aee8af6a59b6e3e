package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// DiskBackend keeps artifacts as files in a single directory. Files are
// created with O_EXCL, so concurrent writers never overwrite each other.
type DiskBackend struct {
	root    string
	baseURL string
}

// NewDiskBackend creates root if needed. baseURL is the externally visible
// origin of the HTTP server that serves /uploads/<name>.
func NewDiskBackend(root, baseURL string) (*DiskBackend, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &DiskBackend{root: root, baseURL: strings.TrimSuffix(baseURL, "/")}, nil
}

// Root is the directory holding the artifacts.
func (b *DiskBackend) Root() string { return b.root }

func (b *DiskBackend) path(name string) string {
	return filepath.Join(b.root, filepath.Clean(name))
}

func (b *DiskBackend) Put(ctx context.Context, name string, r io.Reader, _ string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p := b.path(name)
	file, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return 0, ErrExists
		}
		return 0, fmt.Errorf("failed to create file: %w", err)
	}

	size, err := io.Copy(file, r)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(p)
		return 0, fmt.Errorf("failed to write data: %w", err)
	}
	return size, nil
}

func (b *DiskBackend) Get(_ context.Context, name string) (io.ReadCloser, error) {
	file, err := os.Open(b.path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return file, nil
}

func (b *DiskBackend) Remove(_ context.Context, name string) error {
	if err := os.Remove(b.path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove file: %w", err)
	}
	return nil
}

func (b *DiskBackend) URL(_ context.Context, name string) (string, error) {
	return PublicURL(b.baseURL, name), nil
}

// PublicURL is the /uploads reference served by the HTTP surface.
func PublicURL(baseURL, name string) string {
	return strings.TrimSuffix(baseURL, "/") + "/uploads/" + url.PathEscape(name)
}
