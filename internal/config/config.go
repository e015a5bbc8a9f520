// Package config provides configuration persistence for the platform
// driver.
//
// Store is a first-class component, at the same level as the Equipment
// Tree, Poll Scheduler, Reservation Manager, and Override Manager. It
// owns three kinds of state:
//
//   - the root PlatformDriverConfig (singleton, key "config")
//   - per-device equipment configs (key "devices/<path>")
//   - two opaque, msgpack+base64-encoded blobs used by the Reservation
//     Manager and Override Manager to persist their in-memory
//     collections across restarts ("_reservation_state", "_override_state")
//
// Store is not on the poll or RPC hot path: every mutating method may
// block on I/O, so callers (the Coordinator, the Reservation Manager's
// event loop) always call it from a goroutine that can afford to wait.
package config

import "context"

// Blob keys for the two persisted manager collections.
const (
	ReservationStateKey = "_reservation_state"
	OverrideStateKey    = "_override_state"
)

// Store persists and loads the root config, device configs, and the
// two opaque manager-state blobs.
type Store interface {
	// LoadRoot reads the root PlatformDriverConfig. Returns (nil, nil)
	// if none has ever been saved.
	LoadRoot(ctx context.Context) (*RootConfig, error)

	// SaveRoot persists the root PlatformDriverConfig.
	SaveRoot(ctx context.Context, cfg *RootConfig) error

	// LoadDevices returns every persisted device config, keyed by path.
	LoadDevices(ctx context.Context) (map[string]*DeviceConfig, error)

	// SaveDevice persists (or overwrites) one device config.
	SaveDevice(ctx context.Context, path string, cfg *DeviceConfig) error

	// DeleteDevice removes a persisted device config. No-op if absent.
	DeleteDevice(ctx context.Context, path string) error

	// LoadBlob returns the raw bytes stored under key, or (nil, nil) if
	// nothing has been saved under that key yet.
	LoadBlob(ctx context.Context, key string) ([]byte, error)

	// SaveBlob persists raw bytes under key, overwriting any prior value.
	SaveBlob(ctx context.Context, key string, data []byte) error
}

// Event describes an out-of-band configuration change detected by a
// store that supports watching (currently only the file store, via
// fsnotify). The daemon diffs the new load against the last loaded set
// of device configs and replays NEW/UPDATE/DELETE per device through
// the Coordinator.
type Event struct {
	// Err is set if the watch itself failed; Root/Devices are nil in that case.
	Err     error
	Root    *RootConfig
	Devices map[string]*DeviceConfig
}

// Watchable is implemented by stores that can notify the Coordinator of
// out-of-band edits (an operator hand-editing the JSON file). Stores
// that can't watch (memory, sqlite accessed only through this process)
// simply don't implement it; callers type-assert for it.
type Watchable interface {
	// Watch starts watching for external changes and sends a full
	// reload on every detected change, until ctx is cancelled.
	Watch(ctx context.Context) (<-chan Event, error)
}

// RootConfig is the singleton PlatformDriverConfig.
type RootConfig struct {
	ConfigVersion int `json:"config_version"`

	AllowDuplicateRemotes bool `json:"allow_duplicate_remotes"`

	// AllowNoLockWrite is the legacy spelling of the inverse of
	// ReservationRequiredForWrite. If only one of the pair is set in a
	// loaded config, ResolveAliases derives the other.
	AllowNoLockWrite bool `json:"allow_no_lock_write"`

	AllowReschedule bool `json:"allow_reschedule"`

	BreadthFirstBase string `json:"breadth_first_base"`
	DepthFirstBase   string `json:"depth_first_base"`

	DefaultPollingInterval float64 `json:"default_polling_interval"`

	// MinimumPollingInterval is aliased as driver_scrape_interval in
	// older configs; ResolveAliases copies whichever was set.
	MinimumPollingInterval float64 `json:"minimum_polling_interval"`
	DriverScrapeInterval   float64 `json:"driver_scrape_interval,omitempty"`

	MaxConcurrentPublishes int  `json:"max_concurrent_publishes"`
	MaxOpenSockets         *int `json:"max_open_sockets,omitempty"`

	PublishSingleDepth   bool `json:"publish_single_depth"`
	PublishSingleBreadth bool `json:"publish_single_breadth"`
	PublishAllBreadth    bool `json:"publish_all_breadth"`
	PublishMultiBreadth  bool `json:"publish_multi_breadth"`
	PublishAllDepth      bool `json:"publish_all_depth"`
	PublishMultiDepth    bool `json:"publish_multi_depth"`

	RemoteHeartbeatInterval float64 `json:"remote_heartbeat_interval"`

	ReservationPreemptGraceTime float64 `json:"reservation_preempt_grace_time"`
	ReservationPublishInterval  float64 `json:"reservation_publish_interval"`
	ReservationRequiredForWrite bool    `json:"reservation_required_for_write"`

	ScalabilityTest           bool `json:"scalability_test"`
	ScalabilityTestIterations int  `json:"scalability_test_iterations"`

	Timezone string `json:"timezone"`

	Groups map[string]GroupConfig `json:"groups"`
}

// GroupConfig describes one named scheduling group.
type GroupConfig struct {
	MinimumPollingInterval float64 `json:"minimum_polling_interval"`
	StartOffset            float64 `json:"start_offset"`
	ParallelSubgroups      bool    `json:"parallel_subgroups"`
	PollSchedulerClassName string  `json:"poll_scheduler_class_name,omitempty"`
	PollSchedulerModule    string  `json:"poll_scheduler_module,omitempty"`
}

// DefaultRootConfig returns a RootConfig with every documented default
// applied, and no groups.
func DefaultRootConfig() *RootConfig {
	return &RootConfig{
		ConfigVersion:               1,
		AllowReschedule:             true,
		BreadthFirstBase:            "points",
		DepthFirstBase:              "devices",
		DefaultPollingInterval:      60,
		MinimumPollingInterval:      0.02,
		MaxConcurrentPublishes:      10000,
		PublishSingleDepth:          true,
		PublishSingleBreadth:        false,
		PublishAllBreadth:           false,
		PublishMultiBreadth:         false,
		RemoteHeartbeatInterval:     60,
		ReservationPreemptGraceTime: 60,
		ReservationPublishInterval:  60,
		ReservationRequiredForWrite: false,
		Timezone:                    "UTC",
		Groups:                      map[string]GroupConfig{},
	}
}

// ResolveAliases reconciles the two field-name aliases the source
// carries (allow_no_lock_write/reservation_required_for_write and
// minimum_polling_interval/driver_scrape_interval) and synthesizes
// groups["default"] from the top-level fields if absent, using the
// canonical field names per the Open Question decision in DESIGN.md.
func (c *RootConfig) ResolveAliases() {
	if c.DriverScrapeInterval != 0 && c.MinimumPollingInterval == 0 {
		c.MinimumPollingInterval = c.DriverScrapeInterval
	}
	if c.MinimumPollingInterval <= 0 {
		c.MinimumPollingInterval = 0.02
	}

	if c.AllowNoLockWrite && !c.ReservationRequiredForWrite {
		// allow_no_lock_write=true means writes never need a reservation.
	} else if !c.AllowNoLockWrite && c.ReservationRequiredForWrite {
		// consistent already
	}
	// Canonical flag is ReservationRequiredForWrite; allow_no_lock_write
	// is its negation when only it was supplied.
	if c.AllowNoLockWrite {
		c.ReservationRequiredForWrite = false
	}

	if c.Groups == nil {
		c.Groups = map[string]GroupConfig{}
	}
	if _, ok := c.Groups["default"]; !ok {
		c.Groups["default"] = GroupConfig{
			MinimumPollingInterval: c.MinimumPollingInterval,
			StartOffset:            0,
			ParallelSubgroups:      true,
		}
	}
}

// PointDef is one registry row: the declarative definition of a point
// on a device, as read from registry_config.
type PointDef struct {
	Name           string  `json:"name"`
	Units          string  `json:"units,omitempty"`
	Type           string  `json:"type,omitempty"`
	Writable       bool    `json:"writable"`
	Default        any     `json:"default,omitempty"`
	PollingInterval *float64 `json:"polling_interval,omitempty"`
	StaleTimeout    *float64 `json:"stale_timeout,omitempty"`
}

// DeviceConfig is one device's equipment config:
// remote_config, registry_config, and device-level scheduling/publish
// fields. Pointer fields are unset-vs-zero so the Equipment Tree can
// tell "inherit from ancestor" apart from "explicitly false/zero".
type DeviceConfig struct {
	Path           string            `json:"path"`
	RemoteConfig   map[string]string `json:"remote_config"`
	RegistryConfig []PointDef        `json:"registry_config"`

	Group string `json:"group,omitempty"`

	Active  bool `json:"active"`
	Enabled bool `json:"enabled"`

	PollingInterval    *float64 `json:"polling_interval,omitempty"`
	StaleTimeout       *float64 `json:"stale_timeout,omitempty"`
	AllPublishInterval float64  `json:"all_publish_interval,omitempty"`

	PublishSingleDepth   *bool `json:"publish_single_depth,omitempty"`
	PublishSingleBreadth *bool `json:"publish_single_breadth,omitempty"`
	PublishAllBreadth    *bool `json:"publish_all_breadth,omitempty"`
	PublishMultiBreadth  *bool `json:"publish_multi_breadth,omitempty"`
	PublishAllDepth      *bool `json:"publish_all_depth,omitempty"`
	PublishMultiDepth    *bool `json:"publish_multi_depth,omitempty"`

	TimeZone          *string `json:"time_zone,omitempty"`
	AllowNoLockWrite  *bool   `json:"allow_no_lock_write,omitempty"`
}

// Clone returns a deep-enough copy safe to mutate independently (used
// by stores before returning cached entries to callers).
func (c *DeviceConfig) Clone() *DeviceConfig {
	if c == nil {
		return nil
	}
	cp := *c
	if c.RemoteConfig != nil {
		cp.RemoteConfig = make(map[string]string, len(c.RemoteConfig))
		for k, v := range c.RemoteConfig {
			cp.RemoteConfig[k] = v
		}
	}
	cp.RegistryConfig = append([]PointDef(nil), c.RegistryConfig...)
	return &cp
}
