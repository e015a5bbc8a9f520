package coordinator

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"platformdriver/internal/bus"
	"platformdriver/internal/config"
	"platformdriver/internal/config/memory"
	"platformdriver/internal/equipment"
	"platformdriver/internal/health"
	"platformdriver/internal/logging"
	"platformdriver/internal/override"
	"platformdriver/internal/registry"
	"platformdriver/internal/reservation"
)

func newUnstartedCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	tree := equipment.New(nil)
	protocols := registry.New()
	protocols.Register("memory", registry.NewMemoryFactory())
	store := memory.NewStore()
	publisher := bus.NewMemoryBus()

	c := New(tree, protocols, store, publisher, Options{})
	reservations := reservation.New(store, publisher, reservation.Options{})
	overrides := override.New(tree, c, store, override.Options{})
	c.AttachManagers(reservations, overrides)
	return c
}

func newTestCoordinator(t *testing.T) (*Coordinator, *memory.Store) {
	t.Helper()
	c := newUnstartedCoordinator(t)
	if err := c.HandleRootConfig(config.DefaultRootConfig()); err != nil {
		t.Fatalf("HandleRootConfig: %v", err)
	}
	return c, c.store.(*memory.Store)
}

func deviceConfig(remoteID string, points ...string) *config.DeviceConfig {
	rows := make([]config.PointDef, 0, len(points))
	for _, p := range points {
		rows = append(rows, config.PointDef{Name: p, Writable: true})
	}
	return &config.DeviceConfig{
		Active:         true,
		Enabled:        true,
		RemoteConfig:   map[string]string{"driver_type": "memory", "remote_id": remoteID},
		RegistryConfig: rows,
	}
}

func TestHandleRootConfigFreezesPoolSizesAfterFirstLoad(t *testing.T) {
	c := newUnstartedCoordinator(t)

	sockets := 4
	cfg := config.DefaultRootConfig()
	cfg.MaxOpenSockets = &sockets
	if err := c.HandleRootConfig(cfg); err != nil {
		t.Fatalf("HandleRootConfig: %v", err)
	}
	if c.pollSem == nil {
		t.Fatalf("expected pollSem to be sized on first load carrying max_open_sockets")
	}

	changed := 99
	cfg2 := config.DefaultRootConfig()
	cfg2.MaxOpenSockets = &changed
	if err := c.HandleRootConfig(cfg2); err != nil {
		t.Fatalf("HandleRootConfig: %v", err)
	}
	if *c.root.MaxOpenSockets != sockets {
		t.Fatalf("expected max_open_sockets to stay frozen at %d, got %d", sockets, *c.root.MaxOpenSockets)
	}
}

func TestHandleDeviceEventNewAddsAgentAndSchedulesPoints(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	cfg := deviceConfig("remote-1", "temp", "pressure")
	if err := c.HandleDeviceEvent(ctx, EventNew, "devices/plant-1/meter-1", cfg); err != nil {
		t.Fatalf("HandleDeviceEvent(NEW): %v", err)
	}

	if node := c.tree.GetNode("devices/plant-1/meter-1"); node == nil {
		t.Fatal("expected device node to exist after NEW")
	}
	agent := c.agentFor("remote-1")
	if agent == nil {
		t.Fatal("expected a driver agent for remote-1")
	}
	if agent.DeviceCount() != 1 {
		t.Fatalf("expected 1 device on agent, got %d", agent.DeviceCount())
	}
	sched := c.schedulerFor("default")
	if sched == nil {
		t.Fatal("expected a default poll scheduler to have been created")
	}
}

func TestHandleDeviceEventDeleteRemovesAgentWhenLastDevice(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	cfg := deviceConfig("remote-1", "temp")
	if err := c.HandleDeviceEvent(ctx, EventNew, "devices/plant-1/meter-1", cfg); err != nil {
		t.Fatalf("HandleDeviceEvent(NEW): %v", err)
	}
	if err := c.HandleDeviceEvent(ctx, EventDelete, "devices/plant-1/meter-1", nil); err != nil {
		t.Fatalf("HandleDeviceEvent(DELETE): %v", err)
	}

	if c.tree.GetNode("devices/plant-1/meter-1") != nil {
		t.Fatal("expected device node to be removed")
	}
	if c.agentFor("remote-1") != nil {
		t.Fatal("expected the now-unused agent to be released")
	}
}

func TestSetRoutesThroughOverrideAndReservationGating(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	cfg := deviceConfig("remote-1", "setpoint")
	if err := c.HandleDeviceEvent(ctx, EventNew, "devices/plant-1/meter-1", cfg); err != nil {
		t.Fatalf("HandleDeviceEvent(NEW): %v", err)
	}

	point := "devices/plant-1/meter-1/setpoint"
	if _, _, err := c.Set(ctx, "agent-a", point, false, 42.0, nil, false); err != nil {
		t.Fatalf("Set without override/reservation should succeed: %v", err)
	}

	if err := c.overrides.SetOverride(ctx, "devices/plant-1/**", time.Hour, false, false); err != nil {
		t.Fatalf("SetOverride: %v", err)
	}
	_, errs, err := c.Set(ctx, "agent-a", point, false, 43.0, nil, false)
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if errs[point] == nil {
		t.Fatal("expected write to be blocked by active override")
	}
}

func TestGetReturnsValuesWrittenThroughSet(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	cfg := deviceConfig("remote-1", "setpoint")
	if err := c.HandleDeviceEvent(ctx, EventNew, "devices/plant-1/meter-1", cfg); err != nil {
		t.Fatalf("HandleDeviceEvent(NEW): %v", err)
	}
	point := "devices/plant-1/meter-1/setpoint"

	if _, _, err := c.Set(ctx, "agent-a", point, false, 7.0, nil, false); err != nil {
		t.Fatalf("Set: %v", err)
	}
	values, errs, err := c.Get(ctx, point, false)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if values[point] != 7.0 {
		t.Fatalf("expected read-back 7.0, got %v", values[point])
	}
}

func TestSetConfirmPopulatesResultsOnMatch(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	cfg := deviceConfig("remote-1", "setpoint")
	if err := c.HandleDeviceEvent(ctx, EventNew, "devices/plant-1/meter-1", cfg); err != nil {
		t.Fatalf("HandleDeviceEvent(NEW): %v", err)
	}
	point := "devices/plant-1/meter-1/setpoint"

	results, errs, err := c.Set(ctx, "agent-a", point, false, 7.0, nil, true)
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if results[point] != 7.0 {
		t.Fatalf("expected confirmed read-back 7.0, got %v", results[point])
	}
}

// clampingInterface simulates a remote that silently clamps writes
// (e.g. a setpoint with a hardware limit), so a confirming read-back
// never matches the written value.
type clampingInterface struct {
	remoteID string
	limit    float64
	values   map[string]registry.Value
}

func (c *clampingInterface) UniqueRemoteID() string { return c.remoteID }

func (c *clampingInterface) GetPoint(ctx context.Context, pointID string) (registry.Value, error) {
	return c.values[pointID], nil
}

func (c *clampingInterface) SetPoint(ctx context.Context, pointID string, value registry.Value) error {
	c.values[pointID] = c.clamp(value)
	return nil
}

func (c *clampingInterface) RevertPoint(ctx context.Context, pointID string) error {
	delete(c.values, pointID)
	return nil
}

func (c *clampingInterface) GetMultiplePoints(ctx context.Context, pointIDs []string) (map[string]registry.Value, map[string]*registry.ErrorInfo, error) {
	values := make(map[string]registry.Value, len(pointIDs))
	for _, id := range pointIDs {
		values[id] = c.values[id]
	}
	return values, nil, nil
}

func (c *clampingInterface) SetMultiplePoints(ctx context.Context, pairs map[string]registry.Value) (map[string]*registry.ErrorInfo, error) {
	for id, v := range pairs {
		c.values[id] = c.clamp(v)
	}
	return nil, nil
}

func (c *clampingInterface) Close() error { return nil }

func (c *clampingInterface) clamp(v registry.Value) registry.Value {
	f, ok := v.(float64)
	if !ok || f <= c.limit {
		return v
	}
	return c.limit
}

func TestSetConfirmMismatchPopulatesResultsNotErrs(t *testing.T) {
	tree := equipment.New(nil)
	protocols := registry.New()
	protocols.Register("clamping", func(params map[string]string, logger *slog.Logger) (registry.Interface, error) {
		return &clampingInterface{remoteID: params["remote_id"], limit: 10, values: map[string]registry.Value{}}, nil
	})
	store := memory.NewStore()
	publisher := bus.NewMemoryBus()
	c := New(tree, protocols, store, publisher, Options{})
	reservations := reservation.New(store, publisher, reservation.Options{})
	overrides := override.New(tree, c, store, override.Options{})
	c.AttachManagers(reservations, overrides)
	if err := c.HandleRootConfig(config.DefaultRootConfig()); err != nil {
		t.Fatalf("HandleRootConfig: %v", err)
	}

	ctx := context.Background()
	cfg := &config.DeviceConfig{
		Active:         true,
		Enabled:        true,
		RemoteConfig:   map[string]string{"driver_type": "clamping", "remote_id": "remote-clamp"},
		RegistryConfig: []config.PointDef{{Name: "setpoint", Writable: true}},
	}
	if err := c.HandleDeviceEvent(ctx, EventNew, "devices/plant-1/meter-1", cfg); err != nil {
		t.Fatalf("HandleDeviceEvent(NEW): %v", err)
	}
	point := "devices/plant-1/meter-1/setpoint"

	results, errs, err := c.Set(ctx, "agent-a", point, false, 99.0, nil, true)
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if len(errs) != 0 {
		t.Fatalf("confirm mismatch must not populate errs, got: %v", errs)
	}
	if results[point] != 10.0 {
		t.Fatalf("expected confirmed read-back to reveal clamped value 10.0, got %v", results[point])
	}
}

func TestRevertDeviceImplementsOverrideReverter(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	cfg := deviceConfig("remote-1", "setpoint")
	if err := c.HandleDeviceEvent(ctx, EventNew, "devices/plant-1/meter-1", cfg); err != nil {
		t.Fatalf("HandleDeviceEvent(NEW): %v", err)
	}

	if err := c.overrides.SetOverride(ctx, "devices/plant-1/**", time.Hour, true, false); err != nil {
		t.Fatalf("SetOverride with failsafe revert: %v", err)
	}
	// RevertDevice is exercised synchronously by SetOverride's failsafe
	// path; a panic there would have failed this test. An error from
	// RevertDevice is only logged by the override manager, not returned.
}

func TestStartStopAllOrNothing(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	cfg := deviceConfig("remote-1", "a", "b")
	if err := c.HandleDeviceEvent(ctx, EventNew, "devices/plant-1/meter-1", cfg); err != nil {
		t.Fatalf("HandleDeviceEvent(NEW): %v", err)
	}

	changed, err := c.Stop("devices/plant-1/meter-1/*", false)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !changed {
		t.Fatal("expected Stop to change active state")
	}

	changed, err = c.Stop("devices/plant-1/meter-1/*", false)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if changed {
		t.Fatal("expected second Stop to be a no-op")
	}
}

func TestHealthSnapshotReportsDriverTypeAfterDeviceEvent(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	cfg := deviceConfig("remote-1", "temp")
	if err := c.HandleDeviceEvent(ctx, EventNew, "devices/plant-1/meter-1", cfg); err != nil {
		t.Fatalf("HandleDeviceEvent(NEW): %v", err)
	}

	snap := c.HealthSnapshot()
	found := false
	for _, rep := range snap {
		if rep.Component == "driver-type:memory" {
			found = true
			if rep.Status != health.StatusOK {
				t.Fatalf("expected OK status for driver-type:memory, got %v", rep.Status)
			}
		}
	}
	if !found {
		t.Fatal("expected a health report for driver-type:memory")
	}
}

func TestSetLogLevelRequiresConfiguredHandler(t *testing.T) {
	c := newUnstartedCoordinator(t)
	if err := c.SetLogLevel("driver-agent:remote-1", slog.LevelDebug); err == nil {
		t.Fatal("expected an error when no ComponentFilterHandler was configured")
	}
}

func TestSetLogLevelAdjustsComponentFilter(t *testing.T) {
	filter := logging.NewComponentFilterHandler(logging.Discard().Handler(), slog.LevelInfo)
	tree := equipment.New(nil)
	protocols := registry.New()
	protocols.Register("memory", registry.NewMemoryFactory())
	store := memory.NewStore()
	publisher := bus.NewMemoryBus()

	c := New(tree, protocols, store, publisher, Options{LogLevels: filter})
	if err := c.SetLogLevel("driver-agent:remote-1", slog.LevelDebug); err != nil {
		t.Fatalf("SetLogLevel: %v", err)
	}
	if got := filter.Level("driver-agent:remote-1"); got != slog.LevelDebug {
		t.Fatalf("expected driver-agent:remote-1 at LevelDebug, got %v", got)
	}

	if err := c.ClearLogLevel("driver-agent:remote-1"); err != nil {
		t.Fatalf("ClearLogLevel: %v", err)
	}
	if got := filter.Level("driver-agent:remote-1"); got != slog.LevelInfo {
		t.Fatalf("expected driver-agent:remote-1 reverted to default, got %v", got)
	}
}
