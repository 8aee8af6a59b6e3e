// Package storage keeps uploaded images for the lifetime of a single request.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrNotFound    = errors.New("artifact not found")
	ErrExists      = errors.New("artifact already exists")
	ErrInvalidName = errors.New("invalid artifact name")
)

const maxOriginalNameLen = 100

// Artifact references one stored upload. URL is only valid while the
// artifact exists.
type Artifact struct {
	Name        string
	URL         string
	Size        int64
	ContentType string
	CreatedAt   time.Time
}

// Backend is the storage mechanism behind a TransientStore.
type Backend interface {
	// Put must fail with ErrExists rather than overwrite an existing name.
	Put(ctx context.Context, name string, r io.Reader, contentType string) (int64, error)
	// Get fails with ErrNotFound when name is absent.
	Get(ctx context.Context, name string) (io.ReadCloser, error)
	// Remove treats a missing name as success.
	Remove(ctx context.Context, name string) error
	// URL returns a reference the caller can fetch while the artifact exists.
	URL(ctx context.Context, name string) (string, error)
}

// TransientStore names, writes, exposes and deletes artifacts.
type TransientStore struct {
	backend Backend
	logger  *zap.Logger
	now     func() time.Time
	newID   func() string
}

func NewTransientStore(backend Backend, logger *zap.Logger) *TransientStore {
	return &TransientStore{
		backend: backend,
		logger:  logger.Named("transient_store"),
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Save stores r under a freshly generated name.
func (s *TransientStore) Save(ctx context.Context, r io.Reader, originalName, contentType string) (Artifact, error) {
	createdAt := s.now().UTC()
	name := s.generateName(createdAt, originalName)

	// The name embeds a random UUID, so ErrExists is not retried: r may
	// already be partially consumed.
	size, err := s.backend.Put(ctx, name, r, contentType)
	if err != nil {
		return Artifact{}, fmt.Errorf("store %s: %w", name, err)
	}

	url, err := s.backend.URL(ctx, name)
	if err != nil {
		s.remove(ctx, name)
		return Artifact{}, fmt.Errorf("reference %s: %w", name, err)
	}

	return Artifact{
		Name:        name,
		URL:         url,
		Size:        size,
		ContentType: contentType,
		CreatedAt:   createdAt,
	}, nil
}

// Open streams the artifact's bytes. The caller closes the reader.
func (s *TransientStore) Open(ctx context.Context, a Artifact) (io.ReadCloser, error) {
	return s.OpenName(ctx, a.Name)
}

// OpenName is Open for a bare name received from outside, e.g. a URL path.
func (s *TransientStore) OpenName(ctx context.Context, name string) (io.ReadCloser, error) {
	if !ValidName(name) {
		return nil, ErrInvalidName
	}
	return s.backend.Get(ctx, name)
}

// Delete removes the artifact. It is idempotent and never fails: a cleanup
// error must not mask the request's outcome, so it is only logged.
func (s *TransientStore) Delete(ctx context.Context, a Artifact) {
	if a.Name == "" {
		return
	}
	s.remove(ctx, a.Name)
}

func (s *TransientStore) remove(ctx context.Context, name string) {
	if err := s.backend.Remove(ctx, name); err != nil {
		s.logger.Error("failed to delete artifact", zap.String("artifact", name), zap.Error(err))
		return
	}
	s.logger.Debug("artifact deleted", zap.String("artifact", name))
}

func (s *TransientStore) generateName(at time.Time, originalName string) string {
	return strconv.FormatInt(at.UnixMilli(), 10) + "_" + s.newID() + "_" + SanitizeName(originalName)
}

// SanitizeName reduces an uploaded filename to a safe single path element.
func SanitizeName(original string) string {
	base := path.Base(strings.ReplaceAll(original, `\`, "/"))
	var b strings.Builder
	for _, r := range base {
		if isNameRune(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	name := strings.TrimLeft(b.String(), "._")
	if len(name) > maxOriginalNameLen {
		name = name[len(name)-maxOriginalNameLen:]
	}
	if name == "" {
		return "image"
	}
	return name
}

// ValidName reports whether name could have been produced by this package.
func ValidName(name string) bool {
	if name == "" || len(name) > 255 || strings.HasPrefix(name, ".") || strings.Contains(name, "..") {
		return false
	}
	for _, r := range name {
		if !isNameRune(r) {
			return false
		}
	}
	return true
}

func isNameRune(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '.' || r == '_' || r == '-'
}
