// Package file provides a file-based config.Store implementation.
//
// Configuration is persisted as a versioned JSON envelope:
//
//	{"version": 1, "root": { ... }, "devices": { "<path>": { ... } }, "blobs": { "<key>": "<base64>" }}
//
// All mutations load the full file, mutate in memory, and atomically
// flush the entire file (temp file + rename). This store also supports
// Watch: an operator hand-editing the file on disk is picked up via
// fsnotify and surfaced to the Coordinator as a full-reload Event.
package file

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"platformdriver/internal/config"
)

const currentVersion = 1

type envelope struct {
	Version int                                `json:"version"`
	Root    *config.RootConfig                 `json:"root,omitempty"`
	Devices map[string]*config.DeviceConfig     `json:"devices,omitempty"`
	Blobs   map[string]string                  `json:"blobs,omitempty"` // base64
}

// Store is a file-based config.Store implementation.
type Store struct {
	path string
}

var _ config.Store = (*Store)(nil)
var _ config.Watchable = (*Store)(nil)

// NewStore creates a config.Store backed by a single JSON file at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) load() (*envelope, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return &envelope{Version: currentVersion, Devices: map[string]*config.DeviceConfig{}, Blobs: map[string]string{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if env.Devices == nil {
		env.Devices = map[string]*config.DeviceConfig{}
	}
	if env.Blobs == nil {
		env.Blobs = map[string]string{}
	}
	return &env, nil
}

// save atomically writes env to s.path via temp-file-then-rename.
func (s *Store) save(env *envelope) error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	env.Version = currentVersion
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("write temp config file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename config file: %w", err)
	}
	return nil
}

func (s *Store) LoadRoot(ctx context.Context) (*config.RootConfig, error) {
	env, err := s.load()
	if err != nil {
		return nil, err
	}
	return env.Root, nil
}

func (s *Store) SaveRoot(ctx context.Context, cfg *config.RootConfig) error {
	env, err := s.load()
	if err != nil {
		return err
	}
	env.Root = cfg
	return s.save(env)
}

func (s *Store) LoadDevices(ctx context.Context) (map[string]*config.DeviceConfig, error) {
	env, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make(map[string]*config.DeviceConfig, len(env.Devices))
	for path, dc := range env.Devices {
		out[path] = dc.Clone()
	}
	return out, nil
}

func (s *Store) SaveDevice(ctx context.Context, path string, cfg *config.DeviceConfig) error {
	env, err := s.load()
	if err != nil {
		return err
	}
	env.Devices[path] = cfg.Clone()
	return s.save(env)
}

func (s *Store) DeleteDevice(ctx context.Context, path string) error {
	env, err := s.load()
	if err != nil {
		return err
	}
	delete(env.Devices, path)
	return s.save(env)
}

func (s *Store) LoadBlob(ctx context.Context, key string) ([]byte, error) {
	env, err := s.load()
	if err != nil {
		return nil, err
	}
	enc, ok := env.Blobs[key]
	if !ok {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(enc)
}

func (s *Store) SaveBlob(ctx context.Context, key string, data []byte) error {
	env, err := s.load()
	if err != nil {
		return err
	}
	env.Blobs[key] = base64.StdEncoding.EncodeToString(data)
	return s.save(env)
}

// Watch starts an fsnotify watch on the config file's directory and
// emits a full reload Event whenever the file is written or replaced
// (editors commonly rename-over-write, which fsnotify reports as a
// Create on the destination path). The returned channel is closed when
// ctx is cancelled.
func (s *Store) Watch(ctx context.Context) (<-chan config.Event, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch config directory: %w", err)
	}

	out := make(chan config.Event, 1)
	go func() {
		defer close(out)
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				root, rootErr := s.LoadRoot(ctx)
				devices, devErr := s.LoadDevices(ctx)
				if rootErr != nil {
					select {
					case out <- config.Event{Err: rootErr}:
					case <-ctx.Done():
						return
					}
					continue
				}
				if devErr != nil {
					select {
					case out <- config.Event{Err: devErr}:
					case <-ctx.Done():
						return
					}
					continue
				}
				select {
				case out <- config.Event{Root: root, Devices: devices}:
				case <-ctx.Done():
					return
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				select {
				case out <- config.Event{Err: err}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
