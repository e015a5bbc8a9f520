package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"platformdriver/internal/driverrors"
	"platformdriver/internal/equipment"
	"platformdriver/internal/health"
	"platformdriver/internal/registry"
	"platformdriver/internal/reservation"
)

// matchKey identifies an in-flight topic resolution for de-duplication.
type matchKey struct {
	pattern string
	isRegex bool
}

// recoverRPC converts a panic escaping an RPC handler into a
// driverrors.Structured error, matching the package-level invariant
// that no panic ever reaches a caller.
func recoverRPC(errp *error) {
	if r := recover(); r != nil {
		*errp = driverrors.Recovered(r)
	}
}

// matchPoints resolves a topic glob or regex to the set of point nodes
// it selects. Concurrent callers resolving the same pattern collapse
// onto a single tree walk via matchCalls.
func (c *Coordinator) matchPoints(topicOrRegex string, isRegex bool) ([]*equipment.Node, error) {
	key := matchKey{pattern: topicOrRegex, isRegex: isRegex}
	result := <-c.matchCalls.DoChan(key, func() ([]*equipment.Node, error) {
		if isRegex {
			return c.tree.FindPoints("", topicOrRegex)
		}
		return c.tree.FindPoints(topicOrRegex, "")
	})
	return result.Val, result.Err
}

// pointIDsOf extracts identifiers in sorted order, so topic/regex
// matches are reported deterministically regardless of tree iteration
// order.
func pointIDsOf(nodes []*equipment.Node) []string {
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.Identifier)
	}
	sort.Strings(ids)
	return ids
}

// groupByRemote buckets point IDs by the Driver Agent that owns them.
func (c *Coordinator) groupByRemote(pointIDs []string) map[string][]string {
	out := make(map[string][]string)
	for _, id := range pointIDs {
		key, err := c.tree.GetRemoteKey(id)
		if err != nil {
			continue
		}
		out[key] = append(out[key], id)
	}
	return out
}

// Get performs a batched read across every remote touched by
// topicOrRegex.
func (c *Coordinator) Get(ctx context.Context, topicOrRegex string, isRegex bool) (values map[string]registry.Value, errs map[string]*registry.ErrorInfo, err error) {
	defer recoverRPC(&err)

	nodes, err := c.matchPoints(topicOrRegex, isRegex)
	if err != nil {
		return nil, nil, err
	}
	if len(nodes) == 0 {
		return nil, nil, driverrors.Equipment(topicOrRegex)
	}

	values = make(map[string]registry.Value)
	errs = make(map[string]*registry.ErrorInfo)
	for remoteKey, ids := range c.groupByRemote(pointIDsOf(nodes)) {
		agent := c.agentFor(remoteKey)
		if agent == nil {
			continue
		}
		vs, es, err := agent.GetMultiplePoints(ctx, ids)
		if err != nil {
			for _, id := range ids {
				errs[id] = &registry.ErrorInfo{Code: "READ_FAILED", Message: err.Error()}
			}
			continue
		}
		for k, v := range vs {
			values[k] = v
		}
		for k, e := range es {
			errs[k] = e
		}
	}
	return values, errs, nil
}

// Set performs a batched write. value applies to every matched point
// unless mapPoints supplies a per-point value. Each point is vetted
// against the Override Manager and Reservation Manager before being
// dispatched to its owning Driver Agent.
//
// When confirm is true, every successfully written point is read back
// and its value reported in results. A read-back mismatch is not a
// write failure: it is reported only through results, never through
// errs, which is reserved for genuine read/write failures — confirm
// semantics reveal a mismatch, they don't raise one.
func (c *Coordinator) Set(ctx context.Context, sender, topicOrRegex string, isRegex bool, value registry.Value, mapPoints map[string]registry.Value, confirm bool) (results map[string]registry.Value, errs map[string]*registry.ErrorInfo, err error) {
	defer recoverRPC(&err)

	var ids []string
	if len(mapPoints) > 0 {
		for id := range mapPoints {
			ids = append(ids, id)
		}
	} else {
		nodes, err := c.matchPoints(topicOrRegex, isRegex)
		if err != nil {
			return nil, nil, err
		}
		ids = pointIDsOf(nodes)
	}
	if len(ids) == 0 {
		return nil, nil, driverrors.Equipment(topicOrRegex)
	}

	results = make(map[string]registry.Value)
	errs = make(map[string]*registry.ErrorInfo)
	writable := make([]string, 0, len(ids))
	for _, id := range ids {
		if vetErr := c.vetWrite(id, sender); vetErr != nil {
			errs[id] = &registry.ErrorInfo{Code: "WRITE_BLOCKED", Message: vetErr.Error()}
			continue
		}
		writable = append(writable, id)
	}

	for remoteKey, remoteIDs := range c.groupByRemote(writable) {
		agent := c.agentFor(remoteKey)
		if agent == nil {
			continue
		}
		pairs := make(map[string]registry.Value, len(remoteIDs))
		for _, id := range remoteIDs {
			if v, ok := mapPoints[id]; ok {
				pairs[id] = v
			} else {
				pairs[id] = value
			}
		}
		es, err := agent.SetMultiplePoints(ctx, pairs)
		if err != nil {
			for id := range pairs {
				errs[id] = &registry.ErrorInfo{Code: "WRITE_FAILED", Message: err.Error()}
			}
			continue
		}
		for k, e := range es {
			errs[k] = e
		}
		if !confirm {
			continue
		}
		readBack, readErrs, err := agent.GetMultiplePoints(ctx, remoteIDs)
		if err != nil {
			continue
		}
		for k, e := range readErrs {
			errs[k] = e
		}
		for id := range pairs {
			if errs[id] != nil {
				continue
			}
			if got, ok := readBack[id]; ok {
				results[id] = got
			}
		}
	}
	return results, errs, nil
}

// vetWrite consults the Override Manager then the Reservation Manager,
// in that order, before a write to pointID is allowed.
func (c *Coordinator) vetWrite(pointID, sender string) error {
	if c.overrides != nil {
		if err := c.overrides.CheckWrite(pointID); err != nil {
			return err
		}
	}
	if c.reservations == nil {
		return nil
	}
	deviceID, err := c.deviceOf(pointID)
	if err != nil {
		return err
	}
	return c.reservations.CheckWrite(deviceID, sender)
}

func (c *Coordinator) deviceOf(pointID string) (string, error) {
	n := c.tree.GetNode(pointID)
	if n == nil {
		return "", driverrors.Equipment(pointID)
	}
	if n.Kind == equipment.KindDevice {
		return n.Identifier, nil
	}
	return n.Parent, nil
}

// Revert reverts every point matched by topicOrRegex.
func (c *Coordinator) Revert(ctx context.Context, topicOrRegex string, isRegex bool) (errs map[string]*registry.ErrorInfo, err error) {
	defer recoverRPC(&err)

	nodes, err := c.matchPoints(topicOrRegex, isRegex)
	if err != nil {
		return nil, err
	}
	errs = make(map[string]*registry.ErrorInfo)
	for remoteKey, ids := range c.groupByRemote(pointIDsOf(nodes)) {
		agent := c.agentFor(remoteKey)
		if agent == nil {
			continue
		}
		for _, id := range ids {
			if err := agent.RevertPoint(ctx, id); err != nil {
				errs[id] = &registry.ErrorInfo{Code: "REVERT_FAILED", Message: err.Error()}
			}
		}
	}
	return errs, nil
}

// LastValue is one point's cached last-read state.
type LastValue struct {
	Value   registry.Value
	Updated time.Time
}

// Last returns the tree's cached last_value/last_updated for every
// point matched by topicOrRegex, never touching the device.
func (c *Coordinator) Last(topicOrRegex string, isRegex bool) (out map[string]LastValue, err error) {
	defer recoverRPC(&err)

	nodes, err := c.matchPoints(topicOrRegex, isRegex)
	if err != nil {
		return nil, err
	}
	out = make(map[string]LastValue, len(nodes))
	for _, n := range nodes {
		out[n.Identifier] = LastValue{Value: n.LastValue, Updated: n.LastUpdated}
	}
	return out, nil
}

// Start and Stop toggle active on every matched point, all-or-nothing:
// if any matched point is already in the target state the whole call
// is a no-op.
func (c *Coordinator) Start(topicOrRegex string, isRegex bool) (bool, error) {
	return c.setActive(topicOrRegex, isRegex, true)
}

func (c *Coordinator) Stop(topicOrRegex string, isRegex bool) (bool, error) {
	return c.setActive(topicOrRegex, isRegex, false)
}

func (c *Coordinator) setActive(topicOrRegex string, isRegex, target bool) (changed bool, err error) {
	defer recoverRPC(&err)
	nodes, err := c.matchPoints(topicOrRegex, isRegex)
	if err != nil {
		return false, err
	}
	return c.tree.SetActive(pointIDsOf(nodes), target)
}

// Enable and Disable toggle enabled on every matched point and persist
// the change to the configuration store.
func (c *Coordinator) Enable(ctx context.Context, topicOrRegex string, isRegex bool) (bool, error) {
	return c.setEnabled(ctx, topicOrRegex, isRegex, true)
}
func (c *Coordinator) Disable(ctx context.Context, topicOrRegex string, isRegex bool) (bool, error) {
	return c.setEnabled(ctx, topicOrRegex, isRegex, false)
}

func (c *Coordinator) setEnabled(ctx context.Context, topicOrRegex string, isRegex, target bool) (changed bool, err error) {
	defer recoverRPC(&err)
	nodes, err := c.matchPoints(topicOrRegex, isRegex)
	if err != nil {
		return false, err
	}
	any := false
	for _, n := range nodes {
		ok, err := c.tree.SetEnabled(n.Identifier, target)
		if err != nil {
			continue
		}
		if ok {
			any = true
			if persistErr := c.tree.UpdateStoredRegistryConfig(n.Identifier); persistErr != nil {
				c.logger.Warn("persist enabled change failed", "point", n.Identifier, "error", persistErr)
			}
		}
	}
	return any, nil
}

// ListTopics returns the children of topic, or of its parent if topic
// itself does not exist, optionally filtered by active/enabled.
func (c *Coordinator) ListTopics(topic string, active, enabled *bool) []string {
	return c.tree.ListTopics(topic, active, enabled)
}

// NewReservation delegates to the Reservation Manager.
func (c *Coordinator) NewReservation(ctx context.Context, sender, taskID, priority string, requests [][3]string) (preempted bool, err error) {
	defer recoverRPC(&err)
	if c.reservations == nil {
		return false, fmt.Errorf("reservation manager not configured")
	}
	return c.reservations.NewTask(ctx, sender, taskID, priority, requests)
}

// CancelReservation delegates to the Reservation Manager.
func (c *Coordinator) CancelReservation(ctx context.Context, sender, taskID string) (err error) {
	defer recoverRPC(&err)
	if c.reservations == nil {
		return fmt.Errorf("reservation manager not configured")
	}
	return c.reservations.CancelTask(ctx, sender, taskID)
}

// ListReservations returns a snapshot of every live reservation task.
func (c *Coordinator) ListReservations() []reservation.Task {
	if c.reservations == nil {
		return nil
	}
	return c.reservations.ListTasks()
}

// SetOverride delegates to the Override Manager.
func (c *Coordinator) SetOverride(ctx context.Context, glob string, duration time.Duration, failsafeRevert, staggeredRevert bool) (err error) {
	defer recoverRPC(&err)
	if c.overrides == nil {
		return fmt.Errorf("override manager not configured")
	}
	return c.overrides.SetOverride(ctx, glob, duration, failsafeRevert, staggeredRevert)
}

// ClearOverride delegates to the Override Manager.
func (c *Coordinator) ClearOverride(ctx context.Context, glob string) (err error) {
	defer recoverRPC(&err)
	if c.overrides == nil {
		return fmt.Errorf("override manager not configured")
	}
	return c.overrides.ClearOverride(ctx, glob)
}

// ListOverrides delegates to the Override Manager.
func (c *Coordinator) ListOverrides() []Pattern {
	if c.overrides == nil {
		return nil
	}
	out := make([]Pattern, 0)
	for _, p := range c.overrides.ListOverrides() {
		out = append(out, Pattern{Glob: p.Glob, End: p.End})
	}
	return out
}

// HealthSnapshot returns the current status of every reported
// component (Driver Agents, protocol builds, and anything else that
// calls health.Registry.Report).
func (c *Coordinator) HealthSnapshot() []health.Report {
	return c.health.Snapshot()
}

// SetLogLevel raises or lowers the minimum log level for one component
// (e.g. a Driver Agent's remote key) without a restart. Returns an
// error if the Coordinator was built without a ComponentFilterHandler.
func (c *Coordinator) SetLogLevel(component string, level slog.Level) error {
	if c.logLevels == nil {
		return fmt.Errorf("component log levels not configured")
	}
	c.logLevels.SetLevel(component, level)
	return nil
}

// ClearLogLevel reverts component to the process-wide default level.
func (c *Coordinator) ClearLogLevel(component string) error {
	if c.logLevels == nil {
		return fmt.Errorf("component log levels not configured")
	}
	c.logLevels.ClearLevel(component)
	return nil
}

// Pattern is the RPC-facing projection of an override pattern.
type Pattern struct {
	Glob string
	End  time.Time
}

// GetPoint and SetPoint are legacy compatibility entry points: if
// pointName is empty, path is treated as a full point topic; otherwise
// path is a device path and pointName names the point beneath it.
func (c *Coordinator) GetPoint(ctx context.Context, sender, path, pointName string) (registry.Value, error) {
	topic := legacyTopic(path, pointName)
	values, errs, err := c.Get(ctx, topic, false)
	if err != nil {
		return nil, err
	}
	if e, ok := errs[topic]; ok {
		return nil, e
	}
	return values[topic], nil
}

func (c *Coordinator) SetPoint(ctx context.Context, sender, path, pointName string, value registry.Value, confirm bool) error {
	topic := legacyTopic(path, pointName)
	_, errs, err := c.Set(ctx, sender, topic, false, value, nil, confirm)
	if err != nil {
		return err
	}
	if e, ok := errs[topic]; ok {
		return e
	}
	return nil
}

func legacyTopic(path, pointName string) string {
	if pointName == "" {
		return path
	}
	return path + "/" + pointName
}
