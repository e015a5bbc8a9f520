package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"platformdriver/internal/config"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "config.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewStoreCreatesNestedDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "config.db")
	s, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer s.Close()
}

func TestLoadRootOnEmptyDatabaseReturnsNilNil(t *testing.T) {
	s := openTestStore(t)
	root, err := s.LoadRoot(context.Background())
	if err != nil {
		t.Fatalf("LoadRoot: %v", err)
	}
	if root != nil {
		t.Fatalf("expected nil root before any SaveRoot, got %+v", root)
	}
}

func TestSaveRootUpsertsOnRepeatedSave(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	first := config.DefaultRootConfig()
	first.Groups["default"] = config.GroupConfig{MinimumPollingInterval: 1}
	if err := s.SaveRoot(ctx, first); err != nil {
		t.Fatalf("SaveRoot (first): %v", err)
	}

	second := config.DefaultRootConfig()
	second.Groups["default"] = config.GroupConfig{MinimumPollingInterval: 2}
	if err := s.SaveRoot(ctx, second); err != nil {
		t.Fatalf("SaveRoot (second): %v", err)
	}

	loaded, err := s.LoadRoot(ctx)
	if err != nil {
		t.Fatalf("LoadRoot: %v", err)
	}
	if loaded.Groups["default"].MinimumPollingInterval != 2 {
		t.Fatalf("expected the second save to replace the first, got %+v", loaded.Groups["default"])
	}
}

func TestSaveDeviceAndDeleteDeviceRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

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

func TestDeleteDeviceUnknownPathIsNoOp(t *testing.T) {
	s := openTestStore(t)
	if err := s.DeleteDevice(context.Background(), "devices/does-not-exist"); err != nil {
		t.Fatalf("expected deleting an unknown path to be a no-op, got: %v", err)
	}
}

func TestSaveDeviceUpsertOverwritesExistingRow(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.SaveDevice(ctx, "devices/plant-1/meter-1", &config.DeviceConfig{Active: true}); err != nil {
		t.Fatalf("SaveDevice (first): %v", err)
	}
	if err := s.SaveDevice(ctx, "devices/plant-1/meter-1", &config.DeviceConfig{Active: false}); err != nil {
		t.Fatalf("SaveDevice (second): %v", err)
	}

	devices, err := s.LoadDevices(ctx)
	if err != nil {
		t.Fatalf("LoadDevices: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("expected the upsert to replace rather than duplicate the row, got %d rows", len(devices))
	}
	if devices["devices/plant-1/meter-1"].Active {
		t.Fatal("expected the second save's value to win")
	}
}

func TestLoadBlobMissingKeyReturnsNilNil(t *testing.T) {
	s := openTestStore(t)
	data, err := s.LoadBlob(context.Background(), config.ReservationStateKey)
	if err != nil {
		t.Fatalf("LoadBlob: %v", err)
	}
	if data != nil {
		t.Fatalf("expected nil for a never-saved blob key, got %v", data)
	}
}

func TestSaveBlobRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

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
