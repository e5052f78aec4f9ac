package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"parley/internal/apperr"
	"parley/internal/content"
)

// LocalFileStore implements FileStore using the local filesystem.
type LocalFileStore struct {
	root    string
	baseURL string
}

func NewLocalFileStore(root, baseURL string) (*LocalFileStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}
	return &LocalFileStore{root: root, baseURL: strings.TrimSuffix(baseURL, "/")}, nil
}

func (s *LocalFileStore) getPath(id string) string {
	if len(id) < 2 {
		return filepath.Join(s.root, id)
	}
	return filepath.Join(s.root, id[:2], id)
}

func (s *LocalFileStore) Save(r io.Reader, id string) error {
	if err := content.ValidateID(id); err != nil {
		return apperr.Validation("invalid attachment id: %v", err)
	}
	path := s.getPath(id)

	if _, err := os.Stat(path); err == nil {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	// Write to temporary file first
	tmp, err := os.CreateTemp(dir, "upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to rename file: %w", err)
	}

	return nil
}

func (s *LocalFileStore) Open(id string) (io.ReadCloser, error) {
	if err := content.ValidateID(id); err != nil {
		return nil, apperr.NotFound("attachment %s not found", id)
	}
	f, err := os.Open(s.getPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperr.NotFound("attachment %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", id, err)
	}
	return f, nil
}

// Resolve checks that the attachment exists and returns the URL it is
// served from. Unknown ids are a validation error for the sender.
func (s *LocalFileStore) Resolve(_ context.Context, id string) (string, error) {
	if err := content.ValidateID(id); err != nil {
		return "", apperr.Validation("invalid attachment id")
	}
	if _, err := os.Stat(s.getPath(id)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", apperr.Validation("attachment %s not found", id)
		}
		return "", fmt.Errorf("failed to stat attachment %s: %w", id, err)
	}
	return s.baseURL + "/files/" + url.PathEscape(id), nil
}
