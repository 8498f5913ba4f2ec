// Package file implements artifact.Store on a local directory.
package file

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/3leaps/coursepipe/pkg/artifact"
)

// Store keeps artifacts as files under BaseDir; keys are slash-separated
// relative paths.
type Store struct {
	baseDir string
}

var _ artifact.Store = (*Store)(nil)

type Config struct {
	BaseDir string
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseDir) == "" {
		return fmt.Errorf("base dir is required")
	}
	return nil
}

func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base, err := filepath.Abs(filepath.Clean(cfg.BaseDir))
	if err != nil {
		return nil, err
	}
	return &Store{baseDir: base}, nil
}

func (s *Store) Close() error { return nil }

// Put writes body to a temporary file next to the target and renames it into
// place, so readers never see a partial artifact.
func (s *Store) Put(ctx context.Context, key string, body io.Reader, size int64, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := s.fullPath(key)
	if err != nil {
		return s.wrapError("Put", key, err)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return s.wrapError("Put", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".coursepipe-put-*")
	if err != nil {
		return s.wrapError("Put", key, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	n, err := io.Copy(tmp, body)
	if err != nil {
		return s.wrapError("Put", key, err)
	}
	if size >= 0 && n != size {
		return s.wrapError("Put", key, fmt.Errorf("%w: wrote %d of %d bytes", artifact.ErrSizeMismatch, n, size))
	}
	if err := tmp.Close(); err != nil {
		return s.wrapError("Put", key, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		return s.wrapError("Put", key, err)
	}
	return nil
}

func (s *Store) Head(ctx context.Context, key string) (*artifact.ObjectMeta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := s.fullPath(key)
	if err != nil {
		return nil, s.wrapError("Head", key, err)
	}
	st, err := os.Stat(full)
	if err != nil {
		return nil, s.wrapError("Head", key, err)
	}
	if st.IsDir() {
		return nil, &artifact.StoreError{Op: "Head", Store: artifact.StoreFile, Key: key, Err: artifact.ErrNotFound}
	}
	return &artifact.ObjectMeta{
		Key:          strings.TrimPrefix(key, "/"),
		Size:         st.Size(),
		LastModified: st.ModTime(),
	}, nil
}

func (s *Store) URL(key string) string {
	full, err := s.fullPath(key)
	if err != nil {
		return ""
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(full)}).String()
}

// fullPath maps key below baseDir and refuses traversal out of it.
func (s *Store) fullPath(key string) (string, error) {
	key = strings.TrimPrefix(strings.TrimSpace(key), "/")
	clean := strings.TrimPrefix(filepath.ToSlash(filepath.Clean("/"+key)), "/")
	if clean == "" || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid key path %q", key)
	}
	return filepath.Join(s.baseDir, filepath.FromSlash(clean)), nil
}

func (s *Store) wrapError(op, key string, err error) error {
	wrapped := &artifact.StoreError{Op: op, Store: artifact.StoreFile, Key: key, Err: err}
	switch {
	case os.IsNotExist(err):
		wrapped.Err = artifact.ErrNotFound
	case os.IsPermission(err):
		wrapped.Err = artifact.ErrAccessDenied
	}
	return wrapped
}
