package override

import (
	"context"
	"testing"
	"time"

	"platformdriver/internal/config"
	"platformdriver/internal/config/memory"
	"platformdriver/internal/equipment"
)

type fakeReverter struct {
	reverted []string
}

func (f *fakeReverter) RevertDevice(ctx context.Context, deviceID string) error {
	f.reverted = append(f.reverted, deviceID)
	return nil
}

func newTestTree(t *testing.T) *equipment.Tree {
	t.Helper()
	tr := equipment.New(nil)
	tr.SetDefaults(&config.RootConfig{})
	for _, path := range []string{"devices/plant-1/meter-1", "devices/plant-1/meter-2", "devices/plant-2/meter-1"} {
		if err := tr.AddDevice(path, &config.DeviceConfig{Path: path, Active: true, Enabled: true}, "remote-1", nil); err != nil {
			t.Fatalf("AddDevice(%s): %v", path, err)
		}
	}
	return tr
}

func TestSetOverrideNoEndWhenDurationZero(t *testing.T) {
	store := memory.NewStore()
	m := New(newTestTree(t), &fakeReverter{}, store, Options{})
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	if err := m.SetOverride(context.Background(), "devices/plant-1/**", 0, false, false); err != nil {
		t.Fatalf("SetOverride failed: %v", err)
	}
	got := m.ListOverrides()
	if len(got) != 1 || !got[0].End.IsZero() {
		t.Fatalf("expected one pattern with no expiry, got %+v", got)
	}
}

func TestCheckWriteBlocksMatchedIdentifier(t *testing.T) {
	store := memory.NewStore()
	m := New(newTestTree(t), &fakeReverter{}, store, Options{})
	m.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

	if err := m.SetOverride(context.Background(), "devices/plant-1/**", time.Hour, false, false); err != nil {
		t.Fatalf("SetOverride failed: %v", err)
	}

	if err := m.CheckWrite("devices/plant-1/meter-1"); err == nil {
		t.Fatalf("expected write to be blocked")
	}
	if err := m.CheckWrite("devices/plant-2/meter-1"); err != nil {
		t.Fatalf("expected unaffected device to be writable: %v", err)
	}
}

func TestClearOverrideRemovesPattern(t *testing.T) {
	store := memory.NewStore()
	m := New(newTestTree(t), &fakeReverter{}, store, Options{})
	m.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

	if err := m.SetOverride(context.Background(), "devices/plant-1/**", time.Hour, false, false); err != nil {
		t.Fatalf("SetOverride failed: %v", err)
	}
	if err := m.ClearOverride(context.Background(), "devices/plant-1/**"); err != nil {
		t.Fatalf("ClearOverride failed: %v", err)
	}
	if err := m.CheckWrite("devices/plant-1/meter-1"); err != nil {
		t.Fatalf("expected write to be allowed after clear: %v", err)
	}

	err := m.ClearOverride(context.Background(), "devices/plant-1/**")
	if err == nil {
		t.Fatalf("expected error clearing an already-removed pattern")
	}
}

func TestSetOverrideFailsafeRevertsMatchedDevicesImmediately(t *testing.T) {
	store := memory.NewStore()
	reverter := &fakeReverter{}
	m := New(newTestTree(t), reverter, store, Options{})
	m.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

	if err := m.SetOverride(context.Background(), "devices/plant-1/**", time.Hour, true, false); err != nil {
		t.Fatalf("SetOverride failed: %v", err)
	}
	if len(reverter.reverted) != 2 {
		t.Fatalf("expected 2 devices reverted, got %v", reverter.reverted)
	}
}

func TestExpireDropsPastPatterns(t *testing.T) {
	store := memory.NewStore()
	m := New(newTestTree(t), &fakeReverter{}, store, Options{})
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	if err := m.SetOverride(context.Background(), "devices/plant-1/**", time.Hour, false, false); err != nil {
		t.Fatalf("SetOverride failed: %v", err)
	}

	m.now = func() time.Time { return base.Add(2 * time.Hour) }
	m.expire(context.Background())

	if got := m.ListOverrides(); len(got) != 0 {
		t.Fatalf("expected expired pattern to be dropped, got %+v", got)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	store := memory.NewStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := New(newTestTree(t), &fakeReverter{}, store, Options{})
	m.now = func() time.Time { return base }

	if err := m.SetOverride(context.Background(), "devices/plant-1/**", time.Hour, false, false); err != nil {
		t.Fatalf("SetOverride failed: %v", err)
	}

	m2 := New(newTestTree(t), &fakeReverter{}, store, Options{})
	m2.now = func() time.Time { return base }
	if err := m2.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	got := m2.ListOverrides()
	if len(got) != 1 || got[0].Glob != "devices/plant-1/**" {
		t.Fatalf("unexpected restored patterns: %+v", got)
	}
}
