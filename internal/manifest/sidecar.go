package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/renameio/v2"

	"vodforge/internal/media"
)

// WriteSidecar atomically writes the technical metadata extracted from the
// source as indented JSON, so collaborators can read it without re-probing.
func WriteSidecar(path string, meta media.Metadata) error {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(meta); err != nil {
		return fmt.Errorf("encode metadata sidecar: %w", err)
	}
	if err := renameio.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write metadata sidecar: %w", err)
	}
	return nil
}

// ReadSidecar loads a previously written metadata sidecar.
func ReadSidecar(path string) (media.Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return media.Metadata{}, fmt.Errorf("read metadata sidecar: %w", err)
	}
	var meta media.Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return media.Metadata{}, fmt.Errorf("decode metadata sidecar: %w", err)
	}
	return meta, nil
}
