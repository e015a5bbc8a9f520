// Package coordinator composes the Equipment Tree, Driver Agent pool,
// Poll Schedulers, Reservation Manager, and Override Manager into the
// platform driver's single externally addressable object.
//
// The Coordinator is a plain Go API, not a wire protocol: the
// message-bus client, RPC transport, and configuration store are all
// external collaborators reached through narrow interfaces (bus.Publisher,
// config.Store), so nothing here depends on a particular transport.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"platformdriver/internal/bus"
	"platformdriver/internal/callgroup"
	"platformdriver/internal/config"
	"platformdriver/internal/driveragent"
	"platformdriver/internal/equipment"
	"platformdriver/internal/health"
	"platformdriver/internal/override"
	"platformdriver/internal/pollscheduler"
	"platformdriver/internal/registry"
	"platformdriver/internal/reservation"

	"platformdriver/internal/logging"
)

// EventKind is one of the configuration-change kinds the Coordinator
// handles for equipment configs.
type EventKind string

const (
	EventNew    EventKind = "NEW"
	EventUpdate EventKind = "UPDATE"
	EventDelete EventKind = "DELETE"
)

// Coordinator is the only externally addressable object: it receives
// configuration events, mutates the Equipment Tree, and exposes the
// RPC surface client agents call.
type Coordinator struct {
	mu sync.RWMutex

	tree      *equipment.Tree
	protocols *registry.Registry
	store     config.Store
	publisher bus.Publisher

	agents     map[string]*driveragent.Agent // keyed by remoteKey (UniqueRemoteID)
	schedulers map[string]*pollscheduler.Scheduler

	reservations *reservation.Manager
	overrides    *override.Manager
	health       *health.Registry
	matchCalls   callgroup.Group[matchKey, []*equipment.Node]

	pollSem    *semaphore.Weighted
	publishSem *semaphore.Weighted

	root    *config.RootConfig
	rootSet bool

	now       func() time.Time
	logger    *slog.Logger
	logLevels *logging.ComponentFilterHandler
}

// Options configures a Coordinator.
type Options struct {
	Logger *slog.Logger

	// LogLevels, if set, is wired to the set_log_level RPC so an
	// operator can raise or clear verbosity on one component without a
	// restart. Nil disables the RPC (it returns an error).
	LogLevels *logging.ComponentFilterHandler
}

// New creates a Coordinator. Call HandleRootConfig with the initial
// root config, and AttachManagers once the Reservation and Override
// managers exist, before routing any device events or RPCs.
//
// The Override Manager's constructor takes the Coordinator as its
// Reverter, so the two can't be built in one step: build the
// Coordinator first, construct the managers with it as their Reverter,
// then call AttachManagers.
func New(tree *equipment.Tree, protocols *registry.Registry, store config.Store, publisher bus.Publisher, opts Options) *Coordinator {
	return &Coordinator{
		tree:       tree,
		protocols:  protocols,
		store:      store,
		publisher:  publisher,
		agents:     make(map[string]*driveragent.Agent),
		schedulers: make(map[string]*pollscheduler.Scheduler),
		health:     health.NewRegistry(),
		now:        time.Now,
		logger:     logging.Default(opts.Logger).With("component", "coordinator"),
		logLevels:  opts.LogLevels,
	}
}

// Health returns the Coordinator's component health registry.
func (c *Coordinator) Health() *health.Registry {
	return c.health
}

// RunHeartbeats ticks every currently registered Driver Agent's
// Heartbeat on RemoteHeartbeatInterval, until ctx is cancelled. Must be
// called after HandleRootConfig has set the root config. A non-positive
// interval disables heartbeats entirely.
func (c *Coordinator) RunHeartbeats(ctx context.Context) {
	c.mu.RLock()
	interval := 0.0
	if c.root != nil {
		interval = c.root.RemoteHeartbeatInterval
	}
	c.mu.RUnlock()
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(time.Duration(interval * float64(time.Second)))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.heartbeatAll(ctx)
		}
	}
}

func (c *Coordinator) heartbeatAll(ctx context.Context) {
	c.mu.RLock()
	agents := make([]*driveragent.Agent, 0, len(c.agents))
	for _, a := range c.agents {
		agents = append(agents, a)
	}
	c.mu.RUnlock()

	for _, a := range agents {
		if err := a.Heartbeat(ctx); err != nil {
			c.logger.Warn("heartbeat failed", "remote", a.RemoteKey(), "error", err)
			c.health.Report("driver-agent:"+a.RemoteKey(), health.StatusDegraded, err.Error())
		}
	}
}

// AttachManagers wires the Reservation and Override managers into the
// Coordinator's write path. Must be called once, before HandleRootConfig.
func (c *Coordinator) AttachManagers(reservations *reservation.Manager, overrides *override.Manager) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reservations = reservations
	c.overrides = overrides
}

// HandleRootConfig revalidates and applies a root configuration event.
// max_open_sockets and max_concurrent_publishes cannot change at
// runtime once a pool has been sized; subsequent changes are logged
// and ignored rather than applied, since every live Driver Agent
// already shares the original semaphore instance.
func (c *Coordinator) HandleRootConfig(cfg *config.RootConfig) error {
	if cfg == nil {
		return fmt.Errorf("root config must not be nil")
	}
	cfg.ResolveAliases()

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.rootSet {
		if cfg.MaxOpenSockets != nil {
			c.pollSem = semaphore.NewWeighted(int64(*cfg.MaxOpenSockets))
		}
		if cfg.MaxConcurrentPublishes > 0 {
			c.publishSem = semaphore.NewWeighted(int64(cfg.MaxConcurrentPublishes))
		}
	} else {
		if !sameMaxOpenSockets(c.root.MaxOpenSockets, cfg.MaxOpenSockets) {
			c.logger.Warn("max_open_sockets changed at runtime; restart required to take effect")
			cfg.MaxOpenSockets = c.root.MaxOpenSockets
		}
		if cfg.MaxConcurrentPublishes != c.root.MaxConcurrentPublishes {
			c.logger.Warn("max_concurrent_publishes changed at runtime; restart required to take effect")
			cfg.MaxConcurrentPublishes = c.root.MaxConcurrentPublishes
		}
	}

	c.root = cfg
	c.rootSet = true
	c.tree.SetDefaults(cfg)
	return nil
}

func sameMaxOpenSockets(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// HandleDeviceEvent applies a NEW/UPDATE/DELETE configuration event for
// one device path.
func (c *Coordinator) HandleDeviceEvent(ctx context.Context, kind EventKind, path string, cfg *config.DeviceConfig) error {
	switch kind {
	case EventNew:
		return c.addDevice(ctx, path, cfg)
	case EventUpdate:
		return c.updateDevice(ctx, path, cfg)
	case EventDelete:
		return c.removeDevice(ctx, path)
	default:
		return fmt.Errorf("unrecognized configuration event kind: %s", kind)
	}
}

func (c *Coordinator) addDevice(ctx context.Context, path string, cfg *config.DeviceConfig) error {
	iface, remoteKey, err := c.resolveInterface(cfg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	agent := c.agentForLocked(remoteKey, iface)
	if err := c.tree.AddDevice(path, cfg, remoteKey, cfg.RegistryConfig); err != nil {
		c.mu.Unlock()
		return err
	}
	group := groupName(cfg)
	sched := c.ensureSchedulerLocked(group)
	c.mu.Unlock()

	if err := agent.AddEquipment(ctx, path); err != nil {
		return err
	}

	if sched != nil {
		for _, p := range c.devicePointSchedules(path, remoteKey) {
			if err := sched.AddToSchedule(group, p); err != nil {
				c.logger.Warn("poll schedule add failed", "point", p.PointID, "error", err)
			}
		}
	}
	return nil
}

func (c *Coordinator) updateDevice(ctx context.Context, path string, cfg *config.DeviceConfig) error {
	c.mu.RLock()
	existing := c.tree.GetNode(path)
	c.mu.RUnlock()
	if existing == nil || existing.Kind != equipment.KindDevice {
		return c.addDevice(ctx, path, cfg)
	}

	oldRemoteKey := existing.RemoteKey
	oldGroup := existing.Group
	if oldGroup == "" {
		oldGroup = "default"
	}
	oldPoints := c.devicePointSchedules(path, oldRemoteKey)

	iface, remoteKey, err := c.resolveInterface(cfg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	agent := c.agentForLocked(remoteKey, iface)
	changed, err := c.tree.UpdateEquipment(path, cfg, remoteKey, cfg.RegistryConfig)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	newGroup := groupName(cfg)
	sched := c.ensureSchedulerLocked(newGroup)
	c.mu.Unlock()

	if err := agent.AddEquipment(ctx, path); err != nil {
		return err
	}
	c.releaseAgentIfUnused(oldRemoteKey)

	if !changed && oldGroup == newGroup && remoteKey == oldRemoteKey {
		return nil
	}

	oldSched := c.schedulerFor(oldGroup)
	if oldSched != nil {
		for _, p := range oldPoints {
			_ = oldSched.RemoveFromSchedule(oldGroup, p.PointID)
		}
	}
	if sched != nil {
		for _, p := range c.devicePointSchedules(path, remoteKey) {
			if err := sched.AddToSchedule(newGroup, p); err != nil {
				c.logger.Warn("poll schedule add failed", "point", p.PointID, "error", err)
			}
		}
	}
	return nil
}

func (c *Coordinator) removeDevice(ctx context.Context, path string) error {
	c.mu.Lock()
	node := c.tree.GetNode(path)
	if node == nil {
		c.mu.Unlock()
		return nil
	}
	remoteKey := node.RemoteKey
	group := node.Group
	if group == "" {
		group = "default"
	}
	points := c.devicePointSchedulesLocked(path, remoteKey)
	if _, err := c.tree.RemoveSegment(path); err != nil {
		c.mu.Unlock()
		return err
	}
	sched := c.schedulers[group]
	agent := c.agents[remoteKey]
	c.mu.Unlock()

	if sched != nil {
		for _, p := range points {
			_ = sched.RemoveFromSchedule(group, p.PointID)
		}
	}
	if agent != nil {
		agent.RemoveEquipment(path)
		c.releaseAgentIfUnused(remoteKey)
	}
	return nil
}

// resolveInterface builds a protocol interface for cfg and derives its
// remote key. Callers decide whether to keep the new interface (first
// device on a remote) or discard it in favor of an existing agent
// serving the same remote.
func (c *Coordinator) resolveInterface(cfg *config.DeviceConfig) (registry.Interface, string, error) {
	driverType := cfg.RemoteConfig["driver_type"]
	iface, err := c.protocols.Build(driverType, cfg.RemoteConfig, c.logger)
	if err != nil {
		c.health.Report("driver-type:"+driverType, health.StatusBad, err.Error())
		return nil, "", fmt.Errorf("build protocol interface: %w", err)
	}
	c.health.Report("driver-type:"+driverType, health.StatusOK, "")
	return iface, iface.UniqueRemoteID(), nil
}

// agentForLocked returns the Agent owning remoteKey, creating one from
// iface if none exists yet. If allow_duplicate_remotes is false and an
// agent already serves remoteKey, iface is closed and discarded in
// favor of the existing agent. Must be called with c.mu held.
func (c *Coordinator) agentForLocked(remoteKey string, iface registry.Interface) *driveragent.Agent {
	if existing, ok := c.agents[remoteKey]; ok && !(c.root != nil && c.root.AllowDuplicateRemotes) {
		_ = iface.Close()
		return existing
	}
	agent := driveragent.New(remoteKey, iface, c.tree, c.publisher, driveragent.Options{
		PollSem:          c.pollSem,
		PublishSem:       c.publishSem,
		Logger:           c.logger,
		OnAllPublishTick: c.onDeviceAllPublishTick,
	})
	c.agents[remoteKey] = agent
	return agent
}

func (c *Coordinator) releaseAgentIfUnused(remoteKey string) {
	c.mu.Lock()
	agent, ok := c.agents[remoteKey]
	if !ok || agent.DeviceCount() > 0 {
		c.mu.Unlock()
		return
	}
	delete(c.agents, remoteKey)
	c.mu.Unlock()
	c.health.Clear("driver-agent:" + remoteKey)
	if err := agent.Close(); err != nil {
		c.logger.Warn("close unused driver agent failed", "remote", remoteKey, "error", err)
	}
}

func groupName(cfg *config.DeviceConfig) string {
	if cfg.Group == "" {
		return "default"
	}
	return cfg.Group
}

// ensureSchedulerLocked returns the Poll Scheduler for group, creating
// an empty one (arming its timer with zero points) if it doesn't yet
// exist. Must be called with c.mu held.
func (c *Coordinator) ensureSchedulerLocked(group string) *pollscheduler.Scheduler {
	sched, ok := c.schedulers[group]
	if ok {
		if !sched.HasGroup(group) {
			gc := c.groupConfigLocked(group)
			if err := sched.Schedule(group, gc, nil); err != nil {
				c.logger.Warn("initial schedule failed", "group", group, "error", err)
			}
		}
		return sched
	}

	allowReschedule := true
	if c.root != nil {
		allowReschedule = c.root.AllowReschedule
	}
	sched, err := pollscheduler.New(c.logger, allowReschedule, c.pollGroup)
	if err != nil {
		c.logger.Warn("create poll scheduler failed", "group", group, "error", err)
		return sched
	}
	gc := c.groupConfigLocked(group)
	if err := sched.Schedule(group, gc, nil); err != nil {
		c.logger.Warn("initial schedule failed", "group", group, "error", err)
	}
	c.schedulers[group] = sched
	return sched
}

func (c *Coordinator) groupConfigLocked(group string) config.GroupConfig {
	if c.root != nil {
		if gc, ok := c.root.Groups[group]; ok {
			return gc
		}
	}
	return config.GroupConfig{MinimumPollingInterval: 0.02, ParallelSubgroups: true}
}

func (c *Coordinator) schedulerFor(group string) *pollscheduler.Scheduler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.schedulers[group]
}

// pollGroup is the Poll Scheduler's PollFunc: it looks up the Driver
// Agent owning remoteKey and delegates the batched read to it.
func (c *Coordinator) pollGroup(ctx context.Context, remoteKey string, pointIDs []string) {
	c.mu.RLock()
	agent, ok := c.agents[remoteKey]
	c.mu.RUnlock()
	if !ok {
		return
	}
	if err := agent.PollPoints(ctx, pointIDs); err != nil {
		c.logger.Warn("scheduled poll failed", "remote", remoteKey, "error", err)
		c.health.Report("driver-agent:"+remoteKey, health.StatusDegraded, err.Error())
		return
	}
	c.health.Report("driver-agent:"+remoteKey, health.StatusOK, "")
	c.publishMultiBreadthFor(ctx, pointIDs)
}

// publishMultiBreadthFor fires the multi-breadth aggregate for the
// scheduling group owning pointIDs, once per poll, mirroring multi-
// depth's "on a successful poll" cadence but scoped to every device in
// the group rather than just the ones touched this slot.
func (c *Coordinator) publishMultiBreadthFor(ctx context.Context, pointIDs []string) {
	if len(pointIDs) == 0 {
		return
	}
	point := c.tree.GetNode(pointIDs[0])
	if point == nil || point.Parent == "" {
		return
	}
	group := c.deviceGroup(point.Parent)
	c.publishGroupBreadth(ctx, group, "multi", func(p equipment.PublishPolicy) bool { return p.MultiBreadth })
}

// onDeviceAllPublishTick fires the all-breadth aggregate for deviceID's
// group on the same tick as its own all-depth publish, if deviceID
// opted into all-breadth.
func (c *Coordinator) onDeviceAllPublishTick(deviceID string) {
	if !c.tree.IsPublishedAllBreadth(deviceID) {
		return
	}
	group := c.deviceGroup(deviceID)
	c.publishGroupBreadth(context.Background(), group, "all", func(p equipment.PublishPolicy) bool { return p.AllBreadth })
}

func (c *Coordinator) deviceGroup(deviceID string) string {
	n := c.tree.GetNode(deviceID)
	if n == nil || n.Group == "" {
		return "default"
	}
	return n.Group
}

func (c *Coordinator) devicePointSchedules(deviceID, remoteKey string) []pollscheduler.PointSchedule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.devicePointSchedulesLocked(deviceID, remoteKey)
}

func (c *Coordinator) devicePointSchedulesLocked(deviceID, remoteKey string) []pollscheduler.PointSchedule {
	points := c.tree.Points(deviceID)
	out := make([]pollscheduler.PointSchedule, 0, len(points))
	for _, p := range points {
		if !p.Active {
			continue
		}
		out = append(out, pollscheduler.PointSchedule{
			PointID:         p.Identifier,
			DeviceID:        deviceID,
			RemoteKey:       remoteKey,
			IntervalSeconds: p.Effective.PollingInterval,
		})
	}
	return out
}

// RevertDevice implements override.Reverter by reverting every active
// point under deviceID through its owning Driver Agent.
func (c *Coordinator) RevertDevice(ctx context.Context, deviceID string) error {
	points := c.tree.Points(deviceID)
	remoteKey, err := c.tree.GetRemoteKey(firstPointID(points))
	if err != nil || remoteKey == "" {
		return nil
	}
	agent := c.agentFor(remoteKey)
	if agent == nil {
		return nil
	}
	for _, p := range points {
		if !p.Active {
			continue
		}
		if err := agent.RevertPoint(ctx, p.Identifier); err != nil {
			c.logger.Warn("revert point failed", "point", p.Identifier, "error", err)
		}
	}
	return nil
}

func firstPointID(points []*equipment.Node) string {
	if len(points) == 0 {
		return ""
	}
	return points[0].Identifier
}

func (c *Coordinator) agentFor(remoteKey string) *driveragent.Agent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.agents[remoteKey]
}

