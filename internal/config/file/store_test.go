package file

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"platformdriver/internal/config"
)

func TestLoadRootOnMissingFileReturnsNilNil(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "config.json"))
	root, err := s.LoadRoot(context.Background())
	if err != nil {
		t.Fatalf("LoadRoot: %v", err)
	}
	if root != nil {
		t.Fatalf("expected nil root for a file that doesn't exist yet, got %+v", root)
	}
}

func TestSaveRootCreatesDirectoryAndRoundTrips(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	s := NewStore(path)

	cfg := config.DefaultRootConfig()
	cfg.Groups["default"] = config.GroupConfig{MinimumPollingInterval: 7}
	if err := s.SaveRoot(ctx, cfg); err != nil {
		t.Fatalf("SaveRoot: %v", err)
	}

	loaded, err := s.LoadRoot(ctx)
	if err != nil {
		t.Fatalf("LoadRoot: %v", err)
	}
	if loaded.Groups["default"].MinimumPollingInterval != 7 {
		t.Fatalf("expected round-tripped group config, got %+v", loaded.Groups["default"])
	}
}

func TestSaveDeviceAndDeleteDeviceRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewStore(filepath.Join(t.TempDir(), "config.json"))

	cfg := &config.DeviceConfig{Active: true, Enabled: true}
	if err := s.SaveDevice(ctx, "devices/plant-1/meter-1", cfg); err != nil {
		t.Fatalf("SaveDevice: %v", err)
	}

	devices, err := s.LoadDevices(ctx)
	if err != nil {
		t.Fatalf("LoadDevices: %v", err)
	}
	if len(devices) != 1 || !devices["devices/plant-1/meter-1"].Active {
		t.Fatalf("expected the saved device to round-trip, got %v", devices)
	}

	if err := s.DeleteDevice(ctx, "devices/plant-1/meter-1"); err != nil {
		t.Fatalf("DeleteDevice: %v", err)
	}
	devices, err = s.LoadDevices(ctx)
	if err != nil {
		t.Fatalf("LoadDevices: %v", err)
	}
	if len(devices) != 0 {
		t.Fatalf("expected the device to be gone after delete, got %v", devices)
	}
}

func TestSaveDeviceClonesSoCallerMutationDoesNotLeak(t *testing.T) {
	ctx := context.Background()
	s := NewStore(filepath.Join(t.TempDir(), "config.json"))

	cfg := &config.DeviceConfig{Active: true}
	if err := s.SaveDevice(ctx, "devices/plant-1/meter-1", cfg); err != nil {
		t.Fatalf("SaveDevice: %v", err)
	}
	cfg.Active = false

	devices, err := s.LoadDevices(ctx)
	if err != nil {
		t.Fatalf("LoadDevices: %v", err)
	}
	if !devices["devices/plant-1/meter-1"].Active {
		t.Fatal("expected the stored device to be isolated from the caller's later mutation")
	}
}

func TestLoadBlobMissingKeyReturnsNilNil(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "config.json"))
	data, err := s.LoadBlob(context.Background(), config.ReservationStateKey)
	if err != nil {
		t.Fatalf("LoadBlob: %v", err)
	}
	if data != nil {
		t.Fatalf("expected nil for a never-saved blob key, got %v", data)
	}
}

func TestSaveBlobBase64RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewStore(filepath.Join(t.TempDir(), "config.json"))

	want := []byte{0xde, 0xad, 0xbe, 0xef}
	if err := s.SaveBlob(ctx, config.OverrideStateKey, want); err != nil {
		t.Fatalf("SaveBlob: %v", err)
	}
	got, err := s.LoadBlob(ctx, config.OverrideStateKey)
	if err != nil {
		t.Fatalf("LoadBlob: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("expected round-tripped blob %v, got %v", want, got)
	}
}

func TestWatchEmitsFullReloadOnWrite(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "config.json")
	s := NewStore(path)

	events, err := s.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if err := s.SaveRoot(ctx, config.DefaultRootConfig()); err != nil {
		t.Fatalf("SaveRoot: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Err != nil {
			t.Fatalf("unexpected error event: %v", ev.Err)
		}
		if ev.Root == nil {
			t.Fatal("expected a full reload event carrying the saved root config")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a watch event")
	}
}
