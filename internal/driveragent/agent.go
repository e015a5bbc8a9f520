// Package driveragent implements the per-remote serialization point:
// the only object allowed to invoke a protocol interface for a given
// physical remote. One Agent owns one registry.Interface and serves
// every device that shares its remote key.
package driveragent

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"platformdriver/internal/bus"
	"platformdriver/internal/driverrors"
	"platformdriver/internal/equipment"
	"platformdriver/internal/logging"
	"platformdriver/internal/registry"
)

// Agent serializes every read/write/poll against one remote behind a
// single mutex, per the per-remote serialization design note: no two
// goroutines may address the same physical wire connection at once.
//
// Publish-matrix scope: Agent fires every device-scoped cell of the
// publish matrix — single-depth and single-breadth (both per-point) and
// multi-depth (one aggregate message per device) on every poll, plus
// all-depth (the same per-device aggregate) on a timer. Multi-breadth
// and all-breadth aggregate across every device in a scheduling group,
// which can span multiple Agents (multiple remotes) — that aggregation
// belongs to the Coordinator, which sees every Agent, not to a single
// Agent scoped to one remote. The Coordinator hooks the all-depth timer
// via OnAllPublishTick to fire its own all-breadth snapshot on the same
// cadence.
type Agent struct {
	remoteKey string
	iface     registry.Interface
	tree      *equipment.Tree
	publisher bus.Publisher

	// pollSem bounds total concurrent protocol-interface calls across
	// all Agents (the Poll Scheduler's max_open_sockets); nil means
	// unbounded.
	pollSem *semaphore.Weighted
	// publishSem bounds total concurrent publishes across all Agents
	// (max_concurrent_publishes); nil means unbounded.
	publishSem *semaphore.Weighted

	mu      sync.Mutex // serializes every call into iface
	devices map[string]bool

	tickersMu sync.Mutex
	tickers   map[string]context.CancelFunc // deviceID -> stop the all-publish ticker

	now    func() time.Time
	logger *slog.Logger

	onAllPublishTick func(deviceID string)
}

// Options configures a new Agent. PollSem and PublishSem may be shared
// across every Agent the Coordinator constructs.
type Options struct {
	PollSem    *semaphore.Weighted
	PublishSem *semaphore.Weighted
	Logger     *slog.Logger

	// OnAllPublishTick, if set, is called after every successful
	// all-depth publish with the device it fired for, so the
	// Coordinator can fire its own group-scoped all-breadth snapshot on
	// the same cadence.
	OnAllPublishTick func(deviceID string)
}

// New creates an Agent for remoteKey, owning iface.
func New(remoteKey string, iface registry.Interface, tree *equipment.Tree, publisher bus.Publisher, opts Options) *Agent {
	logger := logging.Default(opts.Logger).With("component", "driver-agent", "remote", remoteKey)
	return &Agent{
		remoteKey:        remoteKey,
		iface:            iface,
		tree:             tree,
		publisher:        publisher,
		pollSem:          opts.PollSem,
		publishSem:       opts.PublishSem,
		devices:          make(map[string]bool),
		tickers:          make(map[string]context.CancelFunc),
		now:              time.Now,
		logger:           logger,
		onAllPublishTick: opts.OnAllPublishTick,
	}
}

// RemoteKey returns the key this agent was constructed with.
func (a *Agent) RemoteKey() string { return a.remoteKey }

// AddEquipment registers deviceID as served by this agent. If the
// device's resolved AllPublishInterval is positive, starts the
// periodic all-publish ticker for it.
func (a *Agent) AddEquipment(ctx context.Context, deviceID string) error {
	node := a.tree.GetNode(deviceID)
	if node == nil || node.Kind != equipment.KindDevice {
		return driverrors.Equipment(deviceID)
	}

	a.tickersMu.Lock()
	a.devices[deviceID] = true
	if node.AllPublishInterval > 0 {
		a.startAllPublishTicker(ctx, deviceID, node.AllPublishInterval)
	}
	a.tickersMu.Unlock()
	return nil
}

// RemoveEquipment unregisters deviceID and stops its all-publish
// ticker, if any. Does not tear down the agent itself; the Coordinator
// decides whether the agent still serves other devices.
func (a *Agent) RemoveEquipment(deviceID string) {
	a.tickersMu.Lock()
	delete(a.devices, deviceID)
	if cancel, ok := a.tickers[deviceID]; ok {
		cancel()
		delete(a.tickers, deviceID)
	}
	a.tickersMu.Unlock()
}

// ServesDevice reports whether deviceID is currently registered.
func (a *Agent) ServesDevice(deviceID string) bool {
	a.tickersMu.Lock()
	defer a.tickersMu.Unlock()
	return a.devices[deviceID]
}

// DeviceCount returns the number of devices currently served. The
// Coordinator uses this to decide whether to destroy the agent after a
// device removal.
func (a *Agent) DeviceCount() int {
	a.tickersMu.Lock()
	defer a.tickersMu.Unlock()
	return len(a.devices)
}

func (a *Agent) startAllPublishTicker(ctx context.Context, deviceID string, intervalSeconds float64) {
	if _, exists := a.tickers[deviceID]; exists {
		return
	}
	tickCtx, cancel := context.WithCancel(ctx)
	a.tickers[deviceID] = cancel

	go func() {
		ticker := time.NewTicker(durationSeconds(intervalSeconds))
		defer ticker.Stop()
		for {
			select {
			case <-tickCtx.Done():
				return
			case <-ticker.C:
				if err := a.publishAllDepth(tickCtx, deviceID); err != nil {
					a.logger.Warn("all-depth publish failed", "device", deviceID, "error", err)
					continue
				}
				if a.onAllPublishTick != nil {
					a.onAllPublishTick(deviceID)
				}
			}
		}
	}()
}

func durationSeconds(s float64) time.Duration { return time.Duration(s * float64(time.Second)) }

// Poll reads every active point under deviceID in one batched call.
// A convenience wrapper around PollPoints for callers (tests, manual
// polling) that don't need cross-device slot coalescing.
func (a *Agent) Poll(ctx context.Context, deviceID string) error {
	node := a.tree.GetNode(deviceID)
	if node == nil || node.Kind != equipment.KindDevice {
		return driverrors.Equipment(deviceID)
	}
	if !node.Active {
		return nil
	}

	points := a.tree.Points(deviceID)
	ids := make([]string, 0, len(points))
	for _, p := range points {
		if p.Active {
			ids = append(ids, p.Identifier)
		}
	}
	return a.PollPoints(ctx, ids)
}

// PollPoints batches a read across pointIDs, which may span multiple
// devices as long as they share this agent's remote — the coalescing
// unit the Poll Scheduler's slot plan computes ("points sharing
// (remote, slot) are coalesced into one batched read"). Successful
// reads are recorded on the tree and grouped back by owning device to
// evaluate that device's publish policy.
func (a *Agent) PollPoints(ctx context.Context, pointIDs []string) error {
	if len(pointIDs) == 0 {
		return nil
	}

	values, errs, err := a.GetMultiplePoints(ctx, pointIDs)
	if err != nil {
		a.logger.Warn("poll failed", "remote", a.remoteKey, "points", len(pointIDs), "error", err)
		return err
	}

	at := a.now()
	byDevice := make(map[string]map[string]registry.Value)
	for _, id := range pointIDs {
		if e := errs[id]; e != nil {
			a.logger.Warn("point read failed", "point", id, "error", e)
			continue
		}
		v, ok := values[id]
		if !ok {
			continue
		}
		if err := a.tree.RecordRead(id, v, at); err != nil {
			a.logger.Warn("record read failed", "point", id, "error", err)
			continue
		}
		node := a.tree.GetNode(id)
		if node == nil {
			continue
		}
		device := node.Parent
		if byDevice[device] == nil {
			byDevice[device] = make(map[string]registry.Value)
		}
		byDevice[device][id] = v
	}

	for device, read := range byDevice {
		policy := a.tree.PublishPolicyFor(device)
		if policy.SingleDepth {
			for id, v := range read {
				if err := a.publishSingleDepth(ctx, id, v, at); err != nil {
					a.logger.Warn("single-depth publish failed", "point", id, "error", err)
				}
			}
		}
		if policy.SingleBreadth {
			if err := a.publishSingleBreadth(ctx, device, read, at); err != nil {
				a.logger.Warn("single-breadth publish failed", "device", device, "error", err)
			}
		}
		if policy.MultiDepth {
			if err := a.publishMultiDepth(ctx, device, read, at); err != nil {
				a.logger.Warn("multi-depth publish failed", "device", device, "error", err)
			}
		}
	}
	return nil
}

type pointPayload struct {
	Value any       `json:"value"`
	Time  time.Time `json:"time"`
}

func (a *Agent) publishSingleDepth(ctx context.Context, pointID string, value registry.Value, at time.Time) error {
	body, err := json.Marshal(pointPayload{Value: value, Time: at})
	if err != nil {
		return err
	}
	return a.publish(ctx, pointID, publishHeader(at, "single_depth"), body)
}

// publishSingleBreadth publishes one message per point under
// <point>/<device>, the single-breadth topic shape — distinct from
// single-depth's <device>/<point> per-point publish.
func (a *Agent) publishSingleBreadth(ctx context.Context, deviceID string, values map[string]registry.Value, at time.Time) error {
	for pointID, v := range values {
		body, err := json.Marshal(pointPayload{Value: v, Time: at})
		if err != nil {
			return err
		}
		if err := a.publish(ctx, pointID+"/"+deviceID, publishHeader(at, "single_breadth"), body); err != nil {
			return err
		}
	}
	return nil
}

// publishMultiDepth publishes one aggregate message per device
// containing every point touched by this poll, under <device>/multi.
func (a *Agent) publishMultiDepth(ctx context.Context, deviceID string, values map[string]registry.Value, at time.Time) error {
	snapshot := make(map[string]pointPayload, len(values))
	for pointID, v := range values {
		snapshot[pointID] = pointPayload{Value: v, Time: at}
	}
	body, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return a.publish(ctx, deviceID+"/multi", publishHeader(at, "multi_depth"), body)
}

// publishAllDepth snapshots every active point under deviceID,
// regardless of whether it was touched by the most recent poll, and
// publishes it as one message. Fired on AllPublishInterval, not on
// every poll.
func (a *Agent) publishAllDepth(ctx context.Context, deviceID string) error {
	points := a.tree.Points(deviceID)
	snapshot := make(map[string]pointPayload, len(points))
	for _, p := range points {
		if !p.Active {
			continue
		}
		snapshot[p.Identifier] = pointPayload{Value: p.LastValue, Time: p.LastUpdated}
	}
	body, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return a.publish(ctx, deviceID+"/all", publishHeader(a.now(), "all_depth"), body)
}

// GetMultiplePoints batches a read across pointIDs into one interface
// call. Per-point failures are reported in errs, never raised for the
// batch.
func (a *Agent) GetMultiplePoints(ctx context.Context, pointIDs []string) (map[string]registry.Value, map[string]*registry.ErrorInfo, error) {
	if err := a.acquirePoll(ctx); err != nil {
		return nil, nil, err
	}
	defer a.releasePoll()

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.iface.GetMultiplePoints(ctx, pointIDs)
}

// SetMultiplePoints writes each pair through one interface call;
// per-pair failures are reported in errs. Each successful write
// triggers a registry write-back of the owning device's current rows
// (Tree.UpdateStoredRegistryConfig); the written value itself is not
// stored in those rows.
func (a *Agent) SetMultiplePoints(ctx context.Context, pairs map[string]registry.Value) (map[string]*registry.ErrorInfo, error) {
	if err := a.acquirePoll(ctx); err != nil {
		return nil, err
	}
	defer a.releasePoll()

	a.mu.Lock()
	errs, err := a.iface.SetMultiplePoints(ctx, pairs)
	a.mu.Unlock()
	if err != nil {
		return errs, err
	}
	for id := range pairs {
		if errs[id] == nil {
			_ = a.tree.UpdateStoredRegistryConfig(id)
		}
	}
	return errs, nil
}

// RevertPoint instructs the interface to restore pointID's default.
// Raises on interface failure (not collected into a batch errs map).
func (a *Agent) RevertPoint(ctx context.Context, pointID string) error {
	if err := a.acquirePoll(ctx); err != nil {
		return err
	}
	defer a.releasePoll()

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.iface.RevertPoint(ctx, pointID)
}

// Heartbeat writes the interface's heartbeat point, if it has one.
// No-op otherwise.
func (a *Agent) Heartbeat(ctx context.Context) error {
	hb, ok := a.iface.(registry.HeartbeatCapable)
	if !ok {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.iface.SetPoint(ctx, hb.HeartbeatPointID(), a.now().Unix())
}

// Close releases the underlying protocol interface and stops every
// all-publish ticker.
func (a *Agent) Close() error {
	a.tickersMu.Lock()
	for _, cancel := range a.tickers {
		cancel()
	}
	a.tickers = make(map[string]context.CancelFunc)
	a.tickersMu.Unlock()

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.iface.Close()
}

func (a *Agent) acquirePoll(ctx context.Context) error {
	if a.pollSem == nil {
		return nil
	}
	return a.pollSem.Acquire(ctx, 1)
}

func (a *Agent) releasePoll() {
	if a.pollSem == nil {
		return
	}
	a.pollSem.Release(1)
}

func (a *Agent) acquirePublish(ctx context.Context) error {
	if a.publishSem == nil {
		return nil
	}
	return a.publishSem.Acquire(ctx, 1)
}

func (a *Agent) releasePublish() {
	if a.publishSem == nil {
		return
	}
	a.publishSem.Release(1)
}

func publishHeader(t time.Time, typ string) map[string]string {
	return map[string]string{"time": bus.NowHeader(t), "type": typ}
}

func (a *Agent) publish(ctx context.Context, topic string, headers map[string]string, payload []byte) error {
	if a.publisher == nil {
		return nil
	}
	if err := a.acquirePublish(ctx); err != nil {
		return err
	}
	defer a.releasePublish()
	return a.publisher.Publish(ctx, bus.Message{Topic: topic, Headers: headers, Payload: payload})
}
