// Package equipment implements the Equipment Tree: a hierarchical,
// name-addressable model of remotes, devices, and points, with
// per-node configuration inheritance, activation, staleness tracking,
// and publish-policy flags.
//
// Grounded on the RW-lock map-of-ID registry pattern used elsewhere in
// this codebase: a single RWMutex-protected map keyed by identifier, fast
// in-memory reads, and an optional synchronous write-back path for
// registry-row persistence (UpdateStoredRegistryConfig below).
//
// Cycles & back-references: device Nodes carry only a RemoteKey string,
// never a live reference to their Driver Agent. The Coordinator owns
// the remotes map (key -> *driveragent.Agent); the tree owns Nodes.
// See DESIGN.md "Open Question decisions" for why this split exists.
package equipment

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"platformdriver/internal/config"
	"platformdriver/internal/driverrors"
	"platformdriver/internal/logging"
)

// Kind identifies a Node's role in the tree.
type Kind string

const (
	KindSegment Kind = "segment"
	KindDevice  Kind = "device"
	KindPoint   Kind = "point"
)

// RootIdentifier is the fixed identifier of the tree root.
const RootIdentifier = "devices"

// PointMeta carries the descriptive metadata published alongside a
// point's value.
type PointMeta struct {
	Units string
	Type  string
}

// EffectiveConfig is the set of inheritable fields resolved once, at
// tree-mutation time, and stored directly on the Node, rather than
// walked lazily up the ancestor chain on every read.
type EffectiveConfig struct {
	PollingInterval      float64
	StaleTimeout         float64
	TimeZone             string
	AllowNoLockWrite     bool
	PublishSingleDepth   bool
	PublishSingleBreadth bool
	PublishAllBreadth    bool
	PublishMultiBreadth  bool
	PublishAllDepth      bool
	PublishMultiDepth    bool
}

// Node is the base entity of the Equipment Tree.
type Node struct {
	Identifier string
	Kind       Kind
	Parent     string
	Children   []string // ordered, for deterministic point iteration

	Active  bool
	Enabled bool

	Effective EffectiveConfig

	// Point-only fields.
	LastValue    any
	LastUpdated  time.Time
	Meta         PointMeta
	Writable     bool
	DefaultValue any
	everRead     bool // at least one successful read since the owning device activated

	// Device-only fields.
	RemoteKey          string
	Group              string
	AllPublishInterval float64
	activatedAt        time.Time
}

// snapshot returns a value copy safe to hand to a caller (no shared
// mutable Children slice).
func (n *Node) snapshot() *Node {
	cp := *n
	cp.Children = append([]string(nil), n.Children...)
	return &cp
}

// RegistryWriter persists a device's current registry rows for
// UpdateStoredRegistryConfig. Implementations must not block the
// caller significantly. FileRegistryWriter (registrywriter.go) writes
// one file per device; a Tree with no writer installed skips the
// write-back.
type RegistryWriter interface {
	WriteRegistryRow(deviceID string, rows []config.PointDef) error
}

// Tree is the Equipment Tree. All mutating methods are transactional:
// on validation error, the tree is left unchanged.
type Tree struct {
	mu    sync.RWMutex
	nodes map[string]*Node

	defaults *config.RootConfig // fallback values for inheritance resolution
	writer   RegistryWriter
	now      func() time.Time
	logger   *slog.Logger
}

// New creates a Tree with just its root segment node.
func New(logger *slog.Logger) *Tree {
	logger = logging.Default(logger).With("component", "equipment-tree")
	t := &Tree{
		nodes:    make(map[string]*Node),
		defaults: config.DefaultRootConfig(),
		now:      time.Now,
		logger:   logger,
	}
	t.nodes[RootIdentifier] = &Node{
		Identifier: RootIdentifier,
		Kind:       KindSegment,
		Active:     true,
		Enabled:    true,
	}
	return t
}

// SetDefaults updates the fallback values used when no ancestor sets an
// inheritable field. Called by the Coordinator whenever the root config
// is reloaded. Does not retroactively recompute existing nodes.
func (t *Tree) SetDefaults(root *config.RootConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.defaults = root
}

// SetRegistryWriter installs the write-back target for
// UpdateStoredRegistryConfig.
func (t *Tree) SetRegistryWriter(w RegistryWriter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writer = w
}

// SetClock overrides the time source, for deterministic tests.
func (t *Tree) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

func splitPath(path string) []string {
	return strings.Split(strings.Trim(path, "/"), "/")
}

func parentOf(path string) string {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return ""
	}
	return path[:i]
}

// resolveEffective computes the inherited config for a node given its
// parent's already-resolved Effective and any explicit overrides found
// in cfg (nil means "use parent/default for every field").
func (t *Tree) resolveEffective(parent EffectiveConfig, cfg *config.DeviceConfig) EffectiveConfig {
	eff := parent
	if cfg == nil {
		return eff
	}
	if cfg.PollingInterval != nil {
		eff.PollingInterval = *cfg.PollingInterval
	}
	if cfg.StaleTimeout != nil {
		eff.StaleTimeout = *cfg.StaleTimeout
	}
	if cfg.TimeZone != nil {
		eff.TimeZone = *cfg.TimeZone
	}
	if cfg.AllowNoLockWrite != nil {
		eff.AllowNoLockWrite = *cfg.AllowNoLockWrite
	}
	if cfg.PublishSingleDepth != nil {
		eff.PublishSingleDepth = *cfg.PublishSingleDepth
	}
	if cfg.PublishSingleBreadth != nil {
		eff.PublishSingleBreadth = *cfg.PublishSingleBreadth
	}
	if cfg.PublishAllBreadth != nil {
		eff.PublishAllBreadth = *cfg.PublishAllBreadth
	}
	if cfg.PublishMultiBreadth != nil {
		eff.PublishMultiBreadth = *cfg.PublishMultiBreadth
	}
	if cfg.PublishAllDepth != nil {
		eff.PublishAllDepth = *cfg.PublishAllDepth
	}
	if cfg.PublishMultiDepth != nil {
		eff.PublishMultiDepth = *cfg.PublishMultiDepth
	}
	return eff
}

func (t *Tree) rootEffective() EffectiveConfig {
	d := t.defaults
	return EffectiveConfig{
		PollingInterval:      d.DefaultPollingInterval,
		StaleTimeout:         d.DefaultPollingInterval * 3,
		TimeZone:             d.Timezone,
		AllowNoLockWrite:     d.AllowNoLockWrite,
		PublishSingleDepth:   d.PublishSingleDepth,
		PublishSingleBreadth: d.PublishSingleBreadth,
		PublishAllBreadth:    d.PublishAllBreadth,
		PublishMultiBreadth:  d.PublishMultiBreadth,
		PublishAllDepth:      d.PublishAllDepth,
		PublishMultiDepth:    d.PublishMultiDepth,
	}
}

// AddSegment creates path and any missing intermediate segments.
// Idempotent if the segment already exists with identical config.
func (t *Tree) AddSegment(path string, cfg *config.DeviceConfig) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.ensureSegment(path, cfg)
	return err
}

// ensureSegment creates intermediate segments as needed and returns the
// leaf segment Node. Must be called with t.mu held.
func (t *Tree) ensureSegment(path string, cfg *config.DeviceConfig) (*Node, error) {
	if path == RootIdentifier {
		return t.nodes[RootIdentifier], nil
	}
	if !strings.HasPrefix(path, RootIdentifier+"/") {
		return nil, fmt.Errorf("identifier %q must be rooted under %q", path, RootIdentifier)
	}

	segs := splitPath(path)
	cur := RootIdentifier
	for i := 1; i < len(segs); i++ {
		cur = cur + "/" + segs[i]
		existing, ok := t.nodes[cur]
		last := i == len(segs)-1
		if ok {
			if existing.Kind != KindSegment && !(last && existing.Kind == KindSegment) {
				return nil, fmt.Errorf("identifier %q already exists as kind %s", cur, existing.Kind)
			}
			continue
		}
		parentNode := t.nodes[parentOf(cur)]
		var eff EffectiveConfig
		if last {
			eff = t.resolveEffective(parentNode.Effective, cfg)
		} else {
			eff = parentNode.Effective
		}
		seg := &Node{
			Identifier: cur,
			Kind:       KindSegment,
			Parent:     parentOf(cur),
			Active:     true,
			Enabled:    true,
			Effective:  eff,
		}
		t.nodes[cur] = seg
		parentNode.Children = appendSorted(parentNode.Children, cur)
	}
	return t.nodes[cur], nil
}

func appendSorted(children []string, id string) []string {
	for _, c := range children {
		if c == id {
			return children
		}
	}
	children = append(children, id)
	sort.Strings(children)
	return children
}

// AddDevice creates the device node and instantiates its point children
// from registry, binding the device to remoteKey (the caller-owned key
// into the Coordinator's Driver Agent map — see package doc). Partial
// subtree creation is rolled back if registry parsing fails.
func (t *Tree) AddDevice(path string, devCfg *config.DeviceConfig, remoteKey string, registry []config.PointDef) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.nodes[path]; exists {
		return fmt.Errorf("identifier %q already exists", path)
	}
	seen := make(map[string]bool, len(registry))
	for _, row := range registry {
		if row.Name == "" {
			return fmt.Errorf("registry row for device %q has an empty point name", path)
		}
		if seen[row.Name] {
			return fmt.Errorf("point identifier %q already exists", path+"/"+row.Name)
		}
		seen[row.Name] = true
	}

	parentPath := parentOf(path)
	parentNode, err := t.ensureSegment(parentPath, nil)
	if err != nil {
		return err
	}

	eff := t.resolveEffective(parentNode.Effective, devCfg)
	dev := &Node{
		Identifier:         path,
		Kind:               KindDevice,
		Parent:             parentPath,
		Active:             devCfg.Active,
		Enabled:            devCfg.Enabled,
		Effective:          eff,
		RemoteKey:          remoteKey,
		Group:              devCfg.Group,
		AllPublishInterval: devCfg.AllPublishInterval,
	}
	if dev.Active {
		dev.activatedAt = t.now()
	}

	created := make([]string, 0, len(registry))
	for _, row := range registry {
		pid := path + "/" + row.Name
		if _, exists := t.nodes[pid]; exists {
			t.rollback(created)
			return fmt.Errorf("point identifier %q already exists", pid)
		}
		pointCfg := &config.DeviceConfig{
			PollingInterval: row.PollingInterval,
			StaleTimeout:    row.StaleTimeout,
		}
		pointEff := t.resolveEffective(eff, pointCfg)
		pt := &Node{
			Identifier: pid,
			Kind:       KindPoint,
			Parent:     path,
			Active:     dev.Active,
			Enabled:    true,
			Effective:  pointEff,
			Meta:       PointMeta{Units: row.Units, Type: row.Type},
			Writable:   row.Writable,
			DefaultValue: row.Default,
		}
		t.nodes[pid] = pt
		dev.Children = appendSorted(dev.Children, pid)
		created = append(created, pid)
	}

	t.nodes[path] = dev
	parentNode.Children = appendSorted(parentNode.Children, path)
	return nil
}

func (t *Tree) rollback(ids []string) {
	for _, id := range ids {
		delete(t.nodes, id)
	}
}

// UpdateEquipment updates an existing device's config/registry in
// place. Returns true if any scheduling-relevant field changed
// (polling interval, active flag, or point set).
func (t *Tree) UpdateEquipment(path string, devCfg *config.DeviceConfig, remoteKey string, registry []config.PointDef) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	dev, ok := t.nodes[path]
	if !ok || dev.Kind != KindDevice {
		return false, fmt.Errorf("no device at %q", path)
	}

	parentNode := t.nodes[dev.Parent]
	newEff := t.resolveEffective(parentNode.Effective, devCfg)

	changed := dev.Active != devCfg.Active || dev.Effective.PollingInterval != newEff.PollingInterval || dev.RemoteKey != remoteKey

	existingNames := make(map[string]bool, len(dev.Children))
	for _, cid := range dev.Children {
		existingNames[strings.TrimPrefix(cid, path+"/")] = true
	}
	newNames := make(map[string]bool, len(registry))
	for _, row := range registry {
		newNames[row.Name] = true
	}
	if len(existingNames) != len(newNames) {
		changed = true
	} else {
		for name := range newNames {
			if !existingNames[name] {
				changed = true
				break
			}
		}
	}

	// Remove points no longer in the registry.
	keepChildren := make([]string, 0, len(registry))
	for _, cid := range dev.Children {
		name := strings.TrimPrefix(cid, path+"/")
		if !newNames[name] {
			delete(t.nodes, cid)
			continue
		}
	}

	wasActive := dev.Active
	dev.Active = devCfg.Active
	dev.Enabled = devCfg.Enabled
	dev.Effective = newEff
	dev.RemoteKey = remoteKey
	dev.Group = devCfg.Group
	dev.AllPublishInterval = devCfg.AllPublishInterval
	if dev.Active && !wasActive {
		dev.activatedAt = t.now()
	}

	for _, row := range registry {
		pid := path + "/" + row.Name
		pointCfg := &config.DeviceConfig{PollingInterval: row.PollingInterval, StaleTimeout: row.StaleTimeout}
		pointEff := t.resolveEffective(newEff, pointCfg)
		if existing, ok := t.nodes[pid]; ok && existing.Kind == KindPoint {
			if existing.Effective.PollingInterval != pointEff.PollingInterval {
				changed = true
			}
			existing.Effective = pointEff
			existing.Meta = PointMeta{Units: row.Units, Type: row.Type}
			existing.Writable = row.Writable
			existing.DefaultValue = row.Default
			existing.Active = dev.Active
			keepChildren = appendSorted(keepChildren, pid)
			continue
		}
		pt := &Node{
			Identifier:   pid,
			Kind:         KindPoint,
			Parent:       path,
			Active:       dev.Active,
			Enabled:      true,
			Effective:    pointEff,
			Meta:         PointMeta{Units: row.Units, Type: row.Type},
			Writable:     row.Writable,
			DefaultValue: row.Default,
		}
		t.nodes[pid] = pt
		keepChildren = appendSorted(keepChildren, pid)
	}
	dev.Children = keepChildren

	return changed, nil
}

// RemoveSegment removes path and every descendant, returning the number
// of point nodes removed. If path is a device, its Driver Agent binding
// is left to the Coordinator to reconcile (it decides whether the
// agent still serves other devices).
func (t *Tree) RemoveSegment(path string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	node, ok := t.nodes[path]
	if !ok {
		return 0, driverrors.Equipment(path)
	}

	removedPoints := 0
	var walk func(id string)
	walk = func(id string) {
		n, ok := t.nodes[id]
		if !ok {
			return
		}
		for _, c := range append([]string(nil), n.Children...) {
			walk(c)
		}
		if n.Kind == KindPoint {
			removedPoints++
		}
		delete(t.nodes, id)
	}
	walk(path)

	if parent, ok := t.nodes[node.Parent]; ok {
		parent.Children = removeFromSlice(parent.Children, path)
	}
	return removedPoints, nil
}

func removeFromSlice(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

// GetNode returns a snapshot copy of the node at path, or nil if absent.
func (t *Tree) GetNode(path string) *Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[path]
	if !ok {
		return nil
	}
	return n.snapshot()
}

// Children returns the direct child identifiers of path.
func (t *Tree) Children(path string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[path]
	if !ok {
		return nil
	}
	return append([]string(nil), n.Children...)
}

// Points returns every point Node reachable under path (path itself
// included if it is a point).
func (t *Tree) Points(path string) []*Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*Node
	var walk func(id string)
	walk = func(id string) {
		n, ok := t.nodes[id]
		if !ok {
			return
		}
		if n.Kind == KindPoint {
			out = append(out, n.snapshot())
			return
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(path)
	return out
}

// Devices returns every device Node reachable under path.
func (t *Tree) Devices(path string) []*Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*Node
	var walk func(id string)
	walk = func(id string) {
		n, ok := t.nodes[id]
		if !ok {
			return
		}
		if n.Kind == KindDevice {
			out = append(out, n.snapshot())
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(path)
	return out
}

// DevicesInGroup returns every device Node whose resolved scheduling
// group equals group (a device with no group configured resolves to
// "default", matching GetGroup). Used by multi-breadth/all-breadth
// aggregation, which spans every device in a group regardless of which
// remote or Driver Agent serves it.
func (t *Tree) DevicesInGroup(group string) []*Node {
	all := t.Devices(RootIdentifier)
	out := make([]*Node, 0, len(all))
	for _, d := range all {
		g := d.Group
		if g == "" {
			g = "default"
		}
		if g == group {
			out = append(out, d)
		}
	}
	return out
}

// GetRemoteKey returns the Driver Agent key owning pointID.
func (t *Tree) GetRemoteKey(pointID string) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[pointID]
	if !ok || n.Kind != KindPoint {
		return "", driverrors.Equipment(pointID)
	}
	dev, ok := t.nodes[n.Parent]
	if !ok {
		return "", driverrors.Equipment(pointID)
	}
	return dev.RemoteKey, nil
}

// GetGroup returns the scheduling group name owning pointID.
func (t *Tree) GetGroup(pointID string) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[pointID]
	if !ok || n.Kind != KindPoint {
		return "", driverrors.Equipment(pointID)
	}
	dev, ok := t.nodes[n.Parent]
	if !ok {
		return "", driverrors.Equipment(pointID)
	}
	if dev.Group == "" {
		return "default", nil
	}
	return dev.Group, nil
}

// IsReady reports whether every active point under deviceID has had at
// least one successful read since the device activated.
func (t *Tree) IsReady(deviceID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	dev, ok := t.nodes[deviceID]
	if !ok || dev.Kind != KindDevice || !dev.Active {
		return false
	}
	for _, cid := range dev.Children {
		pt, ok := t.nodes[cid]
		if !ok || !pt.Active {
			continue
		}
		if !pt.everRead {
			return false
		}
	}
	return true
}

// IsStale reports whether pointID's last successful read is older than
// its stale timeout.
func (t *Tree) IsStale(pointID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[pointID]
	if !ok || n.Kind != KindPoint {
		return true
	}
	if n.LastUpdated.IsZero() {
		return true
	}
	return t.now().Sub(n.LastUpdated) > durationSeconds(n.Effective.StaleTimeout)
}

func durationSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// PublishPolicy reports the resolved publish-flag set for a device.
type PublishPolicy struct {
	SingleDepth, SingleBreadth, AllBreadth, MultiBreadth, AllDepth, MultiDepth bool
}

// IsPublishedAllDepth and IsPublishedAllBreadth are read off the
// device's effective config.
func (t *Tree) IsPublishedAllDepth(deviceID string) bool {
	return t.publishPolicy(deviceID).AllDepth
}
func (t *Tree) IsPublishedAllBreadth(deviceID string) bool {
	return t.publishPolicy(deviceID).AllBreadth
}

func (t *Tree) publishPolicy(deviceID string) PublishPolicy {
	t.mu.RLock()
	defer t.mu.RUnlock()
	dev, ok := t.nodes[deviceID]
	if !ok {
		return PublishPolicy{}
	}
	e := dev.Effective
	return PublishPolicy{
		SingleDepth:   e.PublishSingleDepth,
		SingleBreadth: e.PublishSingleBreadth,
		AllBreadth:    e.PublishAllBreadth,
		MultiBreadth:  e.PublishMultiBreadth,
		AllDepth:      e.PublishAllDepth,
		MultiDepth:    e.PublishMultiDepth,
	}
}

// PublishPolicyFor exposes the full resolved policy, used by the Driver
// Agent's publish-matrix dispatch.
func (t *Tree) PublishPolicyFor(deviceID string) PublishPolicy {
	return t.publishPolicy(deviceID)
}

// RecordRead updates a point's runtime fields after a successful read.
// Called only by the point's owning Driver Agent: that device's Driver
// Agent is the sole writer of its last_value.
func (t *Tree) RecordRead(pointID string, value any, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[pointID]
	if !ok || n.Kind != KindPoint {
		return driverrors.Equipment(pointID)
	}
	n.LastValue = value
	n.LastUpdated = at
	n.everRead = true
	return nil
}

// SetActive toggles the active flag on a set of identifiers. All-or-
// nothing: if any already matches targetActive, the whole call is a
// no-op, mirroring the Coordinator's start/stop semantics.
func (t *Tree) SetActive(ids []string, targetActive bool) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		n, ok := t.nodes[id]
		if !ok {
			return false, driverrors.Equipment(id)
		}
		if n.Active == targetActive {
			return false, nil
		}
	}
	for _, id := range ids {
		n := t.nodes[id]
		n.Active = targetActive
		if targetActive {
			n.activatedAt = t.now()
			n.everRead = false
		}
	}
	return true, nil
}

// SetEnabled toggles the enabled flag (persisted separately by the
// caller; the tree only tracks the in-memory flag). A second call with
// the same target value is a no-op and reports changed=false.
func (t *Tree) SetEnabled(id string, enabled bool) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	if !ok {
		return false, driverrors.Equipment(id)
	}
	if n.Enabled == enabled {
		return false, nil
	}
	n.Enabled = enabled
	return true, nil
}

// UpdateStoredRegistryConfig writes back the current registry row for
// pointID's owning device via the installed RegistryWriter.
func (t *Tree) UpdateStoredRegistryConfig(pointID string) error {
	t.mu.RLock()
	n, ok := t.nodes[pointID]
	if !ok || n.Kind != KindPoint {
		t.mu.RUnlock()
		return driverrors.Equipment(pointID)
	}
	dev, ok := t.nodes[n.Parent]
	if !ok {
		t.mu.RUnlock()
		return driverrors.Equipment(pointID)
	}
	rows := make([]config.PointDef, 0, len(dev.Children))
	for _, cid := range dev.Children {
		pt := t.nodes[cid]
		if pt == nil {
			continue
		}
		pi := pt.Effective.PollingInterval
		st := pt.Effective.StaleTimeout
		rows = append(rows, config.PointDef{
			Name:            strings.TrimPrefix(pt.Identifier, dev.Identifier+"/"),
			Units:           pt.Meta.Units,
			Type:            pt.Meta.Type,
			Writable:        pt.Writable,
			Default:         pt.DefaultValue,
			PollingInterval: &pi,
			StaleTimeout:    &st,
		})
	}
	deviceID := dev.Identifier
	writer := t.writer
	t.mu.RUnlock()

	if writer == nil {
		return nil
	}
	return writer.WriteRegistryRow(deviceID, rows)
}
