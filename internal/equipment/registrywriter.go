package equipment

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"platformdriver/internal/config"
)

// FileRegistryWriter is the default RegistryWriter: one JSON file per
// device under dir, written atomically via temp-file-then-rename (same
// pattern as internal/config/file.Store).
type FileRegistryWriter struct {
	dir string
}

var _ RegistryWriter = (*FileRegistryWriter)(nil)

// NewFileRegistryWriter creates a writer rooted at dir. The caller is
// responsible for ensuring dir exists (or its parent does, since
// WriteRegistryRow creates dir itself on first use).
func NewFileRegistryWriter(dir string) *FileRegistryWriter {
	return &FileRegistryWriter{dir: dir}
}

func (w *FileRegistryWriter) path(deviceID string) string {
	return filepath.Join(w.dir, deviceID+".json")
}

// WriteRegistryRow overwrites the stored registry rows for deviceID.
func (w *FileRegistryWriter) WriteRegistryRow(deviceID string, rows []config.PointDef) error {
	target := w.path(deviceID)
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return fmt.Errorf("create registry directory: %w", err)
	}
	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry rows for %s: %w", deviceID, err)
	}
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("write registry file for %s: %w", deviceID, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("rename registry file for %s: %w", deviceID, err)
	}
	return nil
}

// ReadRegistryRow loads the last stored registry rows for deviceID, or
// nil if none have been written yet.
func (w *FileRegistryWriter) ReadRegistryRow(deviceID string) ([]config.PointDef, error) {
	data, err := os.ReadFile(w.path(deviceID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read registry file for %s: %w", deviceID, err)
	}
	var rows []config.PointDef
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("parse registry file for %s: %w", deviceID, err)
	}
	return rows, nil
}

// RemoveRegistryRow deletes the stored registry rows for deviceID, if
// any. Called when a device is removed from the tree.
func (w *FileRegistryWriter) RemoveRegistryRow(deviceID string) error {
	err := os.Remove(w.path(deviceID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove registry file for %s: %w", deviceID, err)
	}
	return nil
}
