package pollscheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"platformdriver/internal/config"
	"platformdriver/internal/logging"
)

// PollFunc performs one batched read against remoteKey for pointIDs.
// Supplied by the Coordinator, which looks up the owning Driver Agent
// and calls its PollPoints.
type PollFunc func(ctx context.Context, remoteKey string, pointIDs []string)

// inFlightDepth is the firing-overrun queue depth: if a remote's prior
// slot hasn't returned from scheduling by the time a third overlapping
// fire would be submitted, the newest is dropped with a warning.
const inFlightDepth = 2

// group is one named Poll Scheduler instance: a gocron job driving a
// StaticCyclic plan over a set of points.
type group struct {
	name string
	cfg  config.GroupConfig

	mu     sync.Mutex
	points map[string]PointSchedule
	plan   *Plan

	slotIndex int64
	job       gocron.Job

	// inFlight bounds concurrent overlapping fires per remote within
	// this group, per the overrun/drop-after-depth-two rule.
	inFlight   map[string]chan struct{}
	inFlightMu sync.Mutex

	logger *slog.Logger
}

func (g *group) acquireRemote(remoteKey string) (chan struct{}, bool) {
	g.inFlightMu.Lock()
	defer g.inFlightMu.Unlock()
	ch, ok := g.inFlight[remoteKey]
	if !ok {
		ch = make(chan struct{}, inFlightDepth)
		g.inFlight[remoteKey] = ch
	}
	select {
	case ch <- struct{}{}:
		return ch, true
	default:
		return ch, false
	}
}

func releaseRemote(ch chan struct{}) {
	select {
	case <-ch:
	default:
	}
}

// Scheduler owns every named group's gocron job and dispatches fires
// through pollFn. One Scheduler exists per process; groups are
// independent timers sharing its gocron instance for a single place to
// shut everything down from.
type Scheduler struct {
	mu              sync.Mutex
	cron            gocron.Scheduler
	groups          map[string]*group
	pollFn          PollFunc
	allowReschedule bool
	now             func() time.Time
	logger          *slog.Logger
}

// New creates an empty Scheduler. allowReschedule mirrors the root
// config's allow_reschedule: when false, AddToSchedule/RemoveFromSchedule
// still apply incrementally, but a scheduling-relevant change that
// would otherwise trigger a full Schedule() rebuild is refused instead,
// leaving newly added points inactive until the caller explicitly
// calls Schedule again.
func New(logger *slog.Logger, allowReschedule bool, pollFn PollFunc) (*Scheduler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create poll scheduler: %w", err)
	}
	cron.Start()
	return &Scheduler{
		cron:            cron,
		groups:          make(map[string]*group),
		pollFn:          pollFn,
		allowReschedule: allowReschedule,
		now:             time.Now,
		logger:          logging.Default(logger).With("component", "poll-scheduler"),
	}, nil
}

// HasGroup reports whether name has an active plan.
func (s *Scheduler) HasGroup(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.groups[name]
	return ok
}

// Schedule (re)computes name's plan from scratch. The first call for a
// name arms its timer at cfg.MinimumPollingInterval; later calls replace
// the plan and restart it at slot 0, but keep the existing timer and
// its interval. Always permitted, regardless of allow_reschedule — that flag
// only gates whether AddToSchedule/RemoveFromSchedule may trigger an
// implicit rebuild.
func (s *Scheduler) Schedule(name string, cfg config.GroupConfig, points []PointSchedule) error {
	plan, err := ComputePlan(cfg.MinimumPollingInterval, cfg.StartOffset, points)
	if err != nil {
		return fmt.Errorf("group %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	g, exists := s.groups[name]
	if exists {
		g.mu.Lock()
		g.cfg = cfg
		g.plan = plan
		g.points = pointSet(points)
		g.slotIndex = 0
		g.mu.Unlock()
		return nil
	}

	g = &group{
		name:     name,
		cfg:      cfg,
		points:   pointSet(points),
		plan:     plan,
		inFlight: make(map[string]chan struct{}),
		logger:   s.logger.With("group", name),
	}

	interval := durationSeconds(cfg.MinimumPollingInterval)
	job, err := s.cron.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { s.fire(g) }),
		gocron.WithName(name),
	)
	if err != nil {
		return fmt.Errorf("arm group %s: %w", name, err)
	}
	g.job = job
	s.groups[name] = g
	return nil
}

// AddToSchedule inserts point into name's current plan without
// recomputing it, if the change is scheduling-neutral: the point's
// interval must already have a slot multiple present for its remote
// (i.e. another point with the same interval and remote is already
// scheduled). Otherwise triggers a full Schedule() rebuild, unless
// allow_reschedule is false, in which case it returns an error and the
// point is left unscheduled until the caller calls Schedule explicitly.
func (s *Scheduler) AddToSchedule(name string, point PointSchedule) error {
	s.mu.Lock()
	g, ok := s.groups[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no such group: %s", name)
	}

	g.mu.Lock()
	neutral := g.hasMatchingSlotMultiple(point)
	if neutral {
		g.points[point.PointID] = point
		g.insertIntoSlots(point)
		g.mu.Unlock()
		return nil
	}
	snapshot := make([]PointSchedule, 0, len(g.points)+1)
	for _, p := range g.points {
		snapshot = append(snapshot, p)
	}
	snapshot = append(snapshot, point)
	cfg := g.cfg
	g.mu.Unlock()

	if !s.allowReschedule {
		return fmt.Errorf("point %s requires a full reschedule of group %s but allow_reschedule is false", point.PointID, name)
	}
	return s.Schedule(name, cfg, snapshot)
}

// RemoveFromSchedule removes pointID from name's plan in place. Removal
// never grows the cycle, so it is always applied incrementally and
// never triggers a rebuild.
func (s *Scheduler) RemoveFromSchedule(name, pointID string) error {
	s.mu.Lock()
	g, ok := s.groups[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no such group: %s", name)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.points, pointID)
	for k, entries := range g.plan.Slots {
		for i := range entries {
			entries[i].PointIDs = removeString(entries[i].PointIDs, pointID)
		}
		g.plan.Slots[k] = entries
	}
	return nil
}

// RemoveGroup tears down name's timer. Outstanding fires already
// submitted are allowed to complete; PollFunc sees point IDs that may
// no longer resolve in the tree and simply logs/discards those.
func (s *Scheduler) RemoveGroup(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[name]
	if !ok {
		return
	}
	if err := s.cron.RemoveJob(g.job.ID()); err != nil {
		s.logger.Warn("remove group job failed", "group", name, "error", err)
	}
	delete(s.groups, name)
}

// Stop shuts down every group, waiting up to the given grace period for
// in-flight fires before abandoning them.
func (s *Scheduler) Stop(grace time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- s.cron.Shutdown() }()
	select {
	case err := <-done:
		return err
	case <-time.After(grace):
		s.logger.Warn("poll scheduler shutdown grace period elapsed, abandoning in-flight polls")
		return nil
	}
}

func (s *Scheduler) fire(g *group) {
	g.mu.Lock()
	plan := g.plan
	idx := g.slotIndex
	g.slotIndex++
	g.mu.Unlock()

	entries := plan.EntriesAt(idx)
	if len(entries) == 0 {
		return
	}

	if g.cfg.ParallelSubgroups {
		for _, e := range entries {
			s.submit(g, e)
		}
		return
	}
	for _, e := range entries {
		s.submitSync(g, e)
	}
}

func (s *Scheduler) submit(g *group, e SlotEntry) {
	ch, ok := g.acquireRemote(e.RemoteKey)
	if !ok {
		g.logger.Warn("dropping overrun poll fire, queue depth exceeded", "remote", e.RemoteKey, "points", len(e.PointIDs))
		return
	}
	go func() {
		defer releaseRemote(ch)
		s.pollFn(context.Background(), e.RemoteKey, e.PointIDs)
	}()
}

func (s *Scheduler) submitSync(g *group, e SlotEntry) {
	ch, ok := g.acquireRemote(e.RemoteKey)
	if !ok {
		g.logger.Warn("dropping overrun poll fire, queue depth exceeded", "remote", e.RemoteKey, "points", len(e.PointIDs))
		return
	}
	defer releaseRemote(ch)
	s.pollFn(context.Background(), e.RemoteKey, e.PointIDs)
}

// hasMatchingSlotMultiple reports whether some other currently
// scheduled point shares point's remote and interval multiple, making
// point's addition scheduling-neutral. Must be called with g.mu held.
func (g *group) hasMatchingSlotMultiple(point PointSchedule) bool {
	multiple, err := intervalMultiple(point.IntervalSeconds, g.plan.MinimumInterval)
	if err != nil {
		return false
	}
	for _, p := range g.points {
		if p.RemoteKey != point.RemoteKey {
			continue
		}
		if m, err := intervalMultiple(p.IntervalSeconds, g.plan.MinimumInterval); err == nil && m == multiple {
			return true
		}
	}
	return false
}

// insertIntoSlots adds point into every slot its interval multiple is
// due at, alongside its remote's existing bucket if present. Must be
// called with g.mu held.
func (g *group) insertIntoSlots(point PointSchedule) {
	multiple, err := intervalMultiple(point.IntervalSeconds, g.plan.MinimumInterval)
	if err != nil {
		return
	}
	for k := int64(0); k < int64(g.plan.SlotCount); k++ {
		if k%multiple != 0 {
			continue
		}
		entries := g.plan.Slots[k]
		found := false
		for i := range entries {
			if entries[i].RemoteKey == point.RemoteKey {
				entries[i].PointIDs = insertSorted(entries[i].PointIDs, point.PointID)
				found = true
				break
			}
		}
		if !found {
			entries = append(entries, SlotEntry{RemoteKey: point.RemoteKey, PointIDs: []string{point.PointID}})
			sort.Slice(entries, func(i, j int) bool { return entries[i].RemoteKey < entries[j].RemoteKey })
		}
		g.plan.Slots[k] = entries
	}
}

func insertSorted(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	ids = append(ids, id)
	sort.Strings(ids)
	return ids
}

func removeString(ids []string, id string) []string {
	out := ids[:0]
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}

func pointSet(points []PointSchedule) map[string]PointSchedule {
	out := make(map[string]PointSchedule, len(points))
	for _, p := range points {
		out[p.PointID] = p
	}
	return out
}

func durationSeconds(s float64) time.Duration { return time.Duration(s * float64(time.Second)) }
