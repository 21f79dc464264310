// Package assetstore provides byte-addressable file storage for original
// uploads and packaged transcode output. The pipeline only depends on the
// Store interface so the backing technology stays swappable.
package assetstore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Store is the minimal contract the pipeline needs from durable file storage.
type Store interface {
	// SaveOriginal streams an uploaded source file into storage and returns
	// its path and size.
	SaveOriginal(assetID, filename string, src io.Reader) (string, int64, error)
	// Open returns a reader for a previously stored path.
	Open(path string) (io.ReadCloser, error)
	// Exists reports whether the path refers to stored bytes.
	Exists(path string) bool
	// Remove deletes a single stored file. Missing files are not an error.
	Remove(path string) error
	// OutputDir returns the working/output directory for one asset.
	OutputDir(assetID string) string
	// TierDir returns the per-quality subdirectory inside the output dir.
	TierDir(assetID, tier string) string
	// RemoveOutput deletes the asset's entire output directory.
	RemoveOutput(assetID string) error
}

// FileStore keeps originals and packaged output under a single local root:
// <root>/originals/<asset>/<filename> and <root>/processed/<asset>/...
type FileStore struct {
	root string
}

// NewFileStore prepares the directory layout under root.
func NewFileStore(root string) (*FileStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	for _, sub := range []string{"originals", "processed"} {
		if err := os.MkdirAll(filepath.Join(absRoot, sub), 0o755); err != nil {
			return nil, fmt.Errorf("prepare storage root: %w", err)
		}
	}
	return &FileStore{root: absRoot}, nil
}

// Root exposes the resolved storage root.
func (s *FileStore) Root() string { return s.root }

func (s *FileStore) SaveOriginal(assetID, filename string, src io.Reader) (string, int64, error) {
	name := sanitizeFilename(filename)
	dir := filepath.Join(s.root, "originals", assetID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("prepare original directory: %w", err)
	}
	path := filepath.Join(dir, name)
	dest, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", 0, fmt.Errorf("create original file: %w", err)
	}
	size, err := io.Copy(dest, src)
	if err != nil {
		dest.Close()
		os.Remove(path)
		return "", 0, fmt.Errorf("store original file: %w", err)
	}
	if err := dest.Close(); err != nil {
		os.Remove(path)
		return "", 0, fmt.Errorf("close original file: %w", err)
	}
	return path, size, nil
}

func (s *FileStore) Open(path string) (io.ReadCloser, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open stored file: %w", err)
	}
	return file, nil
}

func (s *FileStore) Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func (s *FileStore) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stored file: %w", err)
	}
	return nil
}

func (s *FileStore) OutputDir(assetID string) string {
	return filepath.Join(s.root, "processed", assetID)
}

func (s *FileStore) TierDir(assetID, tier string) string {
	return filepath.Join(s.OutputDir(assetID), tier)
}

func (s *FileStore) RemoveOutput(assetID string) error {
	if strings.TrimSpace(assetID) == "" {
		return fmt.Errorf("asset id is required")
	}
	if err := os.RemoveAll(s.OutputDir(assetID)); err != nil {
		return fmt.Errorf("remove output directory: %w", err)
	}
	return nil
}

// sanitizeFilename strips path components and characters that are unsafe in a
// stored filename, keeping the extension intact.
func sanitizeFilename(filename string) string {
	base := filepath.Base(strings.TrimSpace(filename))
	if base == "." || base == string(filepath.Separator) || base == "" {
		return "original"
	}
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	cleaned := strings.Trim(b.String(), ".")
	if cleaned == "" {
		return "original"
	}
	return cleaned
}
