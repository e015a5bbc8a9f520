package override

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"platformdriver/internal/config"
	"platformdriver/internal/driverrors"
	"platformdriver/internal/equipment"
	"platformdriver/internal/logging"
	"platformdriver/internal/notify"
)

// Reverter reverts every point under a device to its configured
// default, on behalf of a failsafe or staggered override revert. The
// Coordinator implements this by routing to the Driver Agent that
// owns the device's remote.
type Reverter interface {
	RevertDevice(ctx context.Context, deviceID string) error
}

// Manager maintains the set of active override Patterns and runs the
// single expiry-timer event loop.
type Manager struct {
	mu       sync.Mutex
	patterns map[string]*Pattern

	tree     *equipment.Tree
	reverter Reverter
	store    config.Store
	signal   *notify.Signal

	staggerWindow time.Duration
	now           func() time.Time
	logger        *slog.Logger
}

// Options configures a Manager.
type Options struct {
	StaggerWindowSeconds float64
	Logger               *slog.Logger
}

// New creates an empty Manager. Call Load to restore persisted
// patterns.
func New(tree *equipment.Tree, reverter Reverter, store config.Store, opts Options) *Manager {
	window := opts.StaggerWindowSeconds
	if window <= 0 {
		window = 10
	}
	return &Manager{
		patterns:      make(map[string]*Pattern),
		tree:          tree,
		reverter:      reverter,
		store:         store,
		signal:        notify.NewSignal(),
		staggerWindow: time.Duration(window * float64(time.Second)),
		now:           time.Now,
		logger:        logging.Default(opts.Logger).With("component", "override-manager"),
	}
}

// Load restores patterns from the configuration store and drops any
// that already expired while the process was offline.
func (m *Manager) Load(ctx context.Context) error {
	data, err := m.store.LoadBlob(ctx, config.OverrideStateKey)
	if err != nil {
		return fmt.Errorf("load override state: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	patterns, err := decodePatterns(data)
	if err != nil {
		return fmt.Errorf("decode override state: %w", err)
	}

	m.mu.Lock()
	now := m.now()
	for glob, p := range patterns {
		if p.active(now) {
			m.patterns[glob] = p
		}
	}
	m.mu.Unlock()
	return nil
}

// Run starts the single event loop goroutine, waking at the earliest
// pattern expiry (or on Notify from a mutation), returning once ctx is
// cancelled.
func (m *Manager) Run(ctx context.Context) {
	for {
		wake := m.nextWake()
		var timerC <-chan time.Time
		if !wake.IsZero() {
			timer := time.NewTimer(time.Until(wake))
			defer timer.Stop()
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			return
		case <-timerC:
			m.expire(ctx)
		case <-m.signal.C():
			m.expire(ctx)
		}
	}
}

func (m *Manager) nextWake() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	var wake time.Time
	for _, p := range m.patterns {
		if p.End.IsZero() {
			continue
		}
		if wake.IsZero() || p.End.Before(wake) {
			wake = p.End
		}
	}
	return wake
}

func (m *Manager) expire(ctx context.Context) {
	m.mu.Lock()
	now := m.now()
	changed := false
	for glob, p := range m.patterns {
		if !p.active(now) {
			delete(m.patterns, glob)
			changed = true
		}
	}
	m.mu.Unlock()

	if changed {
		m.persist(ctx)
	}
}

// SetOverride adds pattern with end_time = now + duration (or no end
// if duration is zero), and if requested performs an immediate
// failsafe or staggered revert of every presently matched device.
func (m *Manager) SetOverride(ctx context.Context, glob string, duration time.Duration, failsafeRevert, staggeredRevert bool) error {
	if glob == "" {
		return fmt.Errorf("override pattern must be a non-empty string")
	}

	var end time.Time
	now := m.now()
	if duration > 0 {
		end = now.Add(duration)
	}

	p := &Pattern{Glob: glob, End: end, FailsafeRevert: failsafeRevert, StaggeredRevert: staggeredRevert}

	m.mu.Lock()
	m.patterns[glob] = p
	m.mu.Unlock()
	m.signal.Notify()
	m.persist(ctx)

	if failsafeRevert {
		m.revertMatchedNow(ctx, p, false)
	} else if staggeredRevert {
		m.revertMatchedNow(ctx, p, true)
	}
	return nil
}

func (m *Manager) revertMatchedNow(ctx context.Context, p *Pattern, staggered bool) {
	if m.tree == nil || m.reverter == nil {
		return
	}
	var matched []string
	for _, d := range m.tree.Devices(equipment.RootIdentifier) {
		if p.matches(d.Identifier) {
			matched = append(matched, d.Identifier)
		}
	}
	if len(matched) == 0 {
		return
	}

	if !staggered {
		for _, id := range matched {
			if err := m.reverter.RevertDevice(ctx, id); err != nil {
				m.logger.Warn("failsafe revert failed", "device", id, "error", err)
			}
		}
		return
	}

	step := m.staggerWindow / time.Duration(len(matched))
	go func() {
		for i, id := range matched {
			time.Sleep(step * time.Duration(i))
			if err := m.reverter.RevertDevice(ctx, id); err != nil {
				m.logger.Warn("staggered revert failed", "device", id, "error", err)
			}
		}
	}()
}

// ClearOverride removes the pattern matching glob exactly.
func (m *Manager) ClearOverride(ctx context.Context, glob string) error {
	m.mu.Lock()
	if _, ok := m.patterns[glob]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("override pattern %q does not exist", glob)
	}
	delete(m.patterns, glob)
	m.mu.Unlock()
	m.signal.Notify()
	m.persist(ctx)
	return nil
}

// ListOverrides returns a snapshot of every active pattern.
func (m *Manager) ListOverrides() []Pattern {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := make([]Pattern, 0, len(m.patterns))
	for _, p := range m.patterns {
		if p.active(now) {
			out = append(out, *p)
		}
	}
	return out
}

// CheckWrite implements the write-path veto: identifier must not fall
// under any currently active override pattern.
func (m *Manager) CheckWrite(identifier string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for glob, p := range m.patterns {
		if p.active(now) && p.matches(identifier) {
			return &driverrors.OverrideError{Identifier: identifier, Pattern: glob}
		}
	}
	return nil
}

func (m *Manager) persist(ctx context.Context) {
	m.mu.Lock()
	data, err := encodePatterns(m.patterns)
	m.mu.Unlock()
	if err != nil {
		m.logger.Warn("encode override state failed", "error", err)
		return
	}
	if err := m.store.SaveBlob(ctx, config.OverrideStateKey, data); err != nil {
		m.logger.Warn("persist override state failed", "error", err)
	}
}

type persistedPattern struct {
	Glob            string    `msgpack:"glob"`
	End             time.Time `msgpack:"end"`
	FailsafeRevert  bool      `msgpack:"failsafe_revert"`
	StaggeredRevert bool      `msgpack:"staggered_revert"`
}

func encodePatterns(patterns map[string]*Pattern) ([]byte, error) {
	out := make([]persistedPattern, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, persistedPattern{
			Glob:            p.Glob,
			End:             p.End,
			FailsafeRevert:  p.FailsafeRevert,
			StaggeredRevert: p.StaggeredRevert,
		})
	}
	raw, err := msgpack.Marshal(out)
	if err != nil {
		return nil, err
	}
	encoded := make([]byte, base64.StdEncoding.EncodedLen(len(raw)))
	base64.StdEncoding.Encode(encoded, raw)
	return encoded, nil
}

func decodePatterns(data []byte) (map[string]*Pattern, error) {
	raw := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
	n, err := base64.StdEncoding.Decode(raw, data)
	if err != nil {
		return nil, err
	}
	var persisted []persistedPattern
	if err := msgpack.Unmarshal(raw[:n], &persisted); err != nil {
		return nil, err
	}
	out := make(map[string]*Pattern, len(persisted))
	for _, pp := range persisted {
		out[pp.Glob] = &Pattern{
			Glob:            pp.Glob,
			End:             pp.End,
			FailsafeRevert:  pp.FailsafeRevert,
			StaggeredRevert: pp.StaggeredRevert,
		}
	}
	return out, nil
}
