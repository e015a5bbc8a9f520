// Package home manages the platform driver's home directory layout.
//
// The home directory owns all persistent state: the configuration store
// and the per-device registry snapshots written back by the Equipment
// Tree.
//
// Layout:
//
//	<root>/
//	  config.json   or  config.db     (config store, type-dependent)
//	  registry/
//	    <device-id>.json                (stored registry rows, per device)
package home

import (
	"fmt"
	"os"
	"path/filepath"
)

// Dir represents a platform driver home directory.
type Dir struct {
	root string
}

// New creates a Dir with an explicit root path.
func New(root string) Dir {
	return Dir{root: root}
}

// Default returns a Dir using the platform-appropriate default location:
//   - Linux:   ~/.config/platformdriver
//   - macOS:   ~/Library/Application Support/platformdriver
//   - Windows: %APPDATA%/platformdriver
func Default() (Dir, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return Dir{}, fmt.Errorf("determine config directory: %w", err)
	}
	return Dir{root: filepath.Join(base, "platformdriver")}, nil
}

// Root returns the home directory path.
func (d Dir) Root() string {
	return d.root
}

// ConfigPath returns the path to the config file for the given store type.
// "json" -> config.json, "sqlite" -> config.db.
func (d Dir) ConfigPath(storeType string) string {
	switch storeType {
	case "json":
		return filepath.Join(d.root, "config.json")
	default:
		return filepath.Join(d.root, "config.db")
	}
}

// RegistryDir returns the directory holding stored registry-row snapshots,
// one file per device, written back by Tree.UpdateStoredRegistryConfig.
func (d Dir) RegistryDir() string {
	return filepath.Join(d.root, "registry")
}

// EnsureExists creates the home directory (and parents) if it doesn't exist.
func (d Dir) EnsureExists() error {
	if err := os.MkdirAll(d.root, 0o750); err != nil {
		return fmt.Errorf("create home directory %s: %w", d.root, err)
	}
	return nil
}
