package reservation

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"platformdriver/internal/bus"
	"platformdriver/internal/config"
	"platformdriver/internal/driverrors"
	"platformdriver/internal/logging"
	"platformdriver/internal/notify"
)

// Manager arbitrates device time-slots across Tasks and runs the
// single "wake at earliest deadline" event loop.
type Manager struct {
	mu    sync.Mutex
	tasks map[string]*Task

	requiredForWrite bool
	preemptGrace     time.Duration
	publishInterval  time.Duration

	store     config.Store
	publisher bus.Publisher
	signal    *notify.Signal

	now    func() time.Time
	logger *slog.Logger
}

// Options configures a Manager.
type Options struct {
	ReservationRequiredForWrite bool
	PreemptGraceSeconds         float64
	PublishIntervalSeconds      float64
	Logger                      *slog.Logger
}

// New creates an empty Manager. Call Load before Run to restore
// persisted state.
func New(store config.Store, publisher bus.Publisher, opts Options) *Manager {
	return &Manager{
		tasks:            make(map[string]*Task),
		requiredForWrite: opts.ReservationRequiredForWrite,
		preemptGrace:     durationSeconds(opts.PreemptGraceSeconds),
		publishInterval:  durationSeconds(opts.PublishIntervalSeconds),
		store:            store,
		publisher:        publisher,
		signal:           notify.NewSignal(),
		now:              time.Now,
		logger:           logging.Default(opts.Logger).With("component", "reservation-manager"),
	}
}

func durationSeconds(s float64) time.Duration { return time.Duration(s * float64(time.Second)) }

// Load restores tasks from the configuration store, then performs one
// make_current pass to re-establish transitions that occurred while
// the process was offline.
func (m *Manager) Load(ctx context.Context) error {
	data, err := m.store.LoadBlob(ctx, config.ReservationStateKey)
	if err != nil {
		return fmt.Errorf("load reservation state: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	tasks, err := decodeTasks(data)
	if err != nil {
		return fmt.Errorf("decode reservation state: %w", err)
	}

	m.mu.Lock()
	m.tasks = tasks
	now := m.now()
	for _, t := range m.tasks {
		t.makeCurrent(now)
	}
	m.dropFinishedLocked()
	m.mu.Unlock()
	return nil
}

// Run starts the single event loop goroutine, returning once ctx is
// cancelled.
func (m *Manager) Run(ctx context.Context) {
	for {
		wake := m.nextWake()
		timer := time.NewTimer(time.Until(wake))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			m.tick(ctx)
		case <-m.signal.C():
			timer.Stop()
			m.tick(ctx)
		}
	}
}

func (m *Manager) nextWake() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	wake := m.now().Add(m.publishInterval)
	for _, t := range m.tasks {
		if d := t.nextDeadline(); !d.IsZero() && d.Before(wake) {
			wake = d
		}
	}
	return wake
}

func (m *Manager) tick(ctx context.Context) {
	m.mu.Lock()
	now := m.now()
	changed := false
	for _, t := range m.tasks {
		if t.makeCurrent(now) {
			changed = true
		}
	}
	m.dropFinishedLocked()
	m.mu.Unlock()

	if changed {
		m.persist(ctx)
	}
}

func (m *Manager) dropFinishedLocked() {
	for id, t := range m.tasks {
		if t.State == StateFinished {
			delete(m.tasks, id)
		}
	}
}

// NewTask validates and inserts a Task per the fixed validation order,
// returning whether any existing task was preempted as a side effect.
func (m *Manager) NewTask(ctx context.Context, sender, taskID, priorityStr string, rawRequests [][3]string) (preempted bool, err error) {
	if sender == "" {
		return false, newTaskError(CodeMissingAgentID, "sender must be a non-empty string")
	}
	if taskID == "" {
		return false, newTaskError(CodeMissingTaskID, "task_id must be a non-empty string")
	}
	if len(rawRequests) == 0 {
		return false, newTaskError(CodeMalformedRequestEmpty, "requests must be non-empty")
	}
	if priorityStr == "" {
		return false, newTaskError(CodeMissingPriority, "priority must be supplied")
	}
	priority, ok := ParsePriority(priorityStr)
	if !ok {
		return false, newTaskError(CodeInvalidPriority, "unrecognized priority %q", priorityStr)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tasks[taskID]; exists {
		return false, newTaskError(CodeTaskIDAlreadyExists, "task %q already exists", taskID)
	}

	requests := make([]Request, 0, len(rawRequests))
	for _, r := range rawRequests {
		device, startISO, endISO := r[0], r[1], r[2]
		if device == "" {
			return false, newTaskError(CodeMalformedRequest, "device must be a non-empty string")
		}
		start, err := time.Parse(time.RFC3339, startISO)
		if err != nil {
			return false, newTaskError(CodeMalformedRequest, "unparseable start timestamp %q", startISO)
		}
		end, err := time.Parse(time.RFC3339, endISO)
		if err != nil {
			return false, newTaskError(CodeMalformedRequest, "unparseable end timestamp %q", endISO)
		}
		if !start.Before(end) {
			return false, newTaskError(CodeMalformedRequest, "start must precede end for device %q", device)
		}
		requests = append(requests, Request{Device: device, Start: start.UTC(), End: end.UTC()})
	}

	candidate := &Task{Sender: sender, TaskID: taskID, Priority: priority, Requests: requests, State: StatePreRun}
	if candidate.selfConflict() {
		return false, newTaskError(CodeRequestConflictsWithSelf, "task %q has overlapping requests on the same device", taskID)
	}

	now := m.now()
	var preemptedTasks []*Task
	var discarded []string
	for _, existing := range m.tasks {
		if !candidate.conflictsWith(existing) {
			continue
		}
		if candidate.Priority == existing.Priority {
			return false, newTaskError(CodeConflictsWithExistingReservations, "task %q conflicts with existing task %q", taskID, existing.TaskID)
		}
		if candidate.Priority > existing.Priority {
			switch existing.State {
			case StatePreRun, StateFinished:
				discarded = append(discarded, existing.TaskID)
			case StateRunning:
				if existing.Priority != PriorityLowPreempt {
					return false, newTaskError(CodeConflictsWithExistingReservations, "task %q conflicts with non-preemptible running task %q", taskID, existing.TaskID)
				}
				preemptedTasks = append(preemptedTasks, existing)
			default:
				return false, newTaskError(CodeConflictsWithExistingReservations, "task %q conflicts with existing task %q", taskID, existing.TaskID)
			}
			continue
		}
		return false, newTaskError(CodeConflictsWithExistingReservations, "task %q conflicts with higher-priority task %q", taskID, existing.TaskID)
	}

	for _, id := range discarded {
		delete(m.tasks, id)
	}
	for _, e := range preemptedTasks {
		e.State = StatePreempted
		e.preemptedUntil = now.Add(m.preemptGrace)
		for i := range e.Requests {
			e.Requests[i].End = e.preemptedUntil
		}
		m.publish(ctx, "PREEMPTED", e)
		preempted = true
	}

	m.tasks[taskID] = candidate
	m.signal.Notify()
	m.persistLocked(ctx)
	return preempted, nil
}

// CancelTask removes a Task owned by sender.
func (m *Manager) CancelTask(ctx context.Context, sender, taskID string) error {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return newTaskError(CodeTaskIDDoesNotExist, "task %q does not exist", taskID)
	}
	if t.Sender != sender {
		m.mu.Unlock()
		return newTaskError(CodeAgentIDTaskIDMismatch, "task %q is not owned by %q", taskID, sender)
	}
	delete(m.tasks, taskID)
	m.signal.Notify()
	m.persistLocked(ctx)
	m.mu.Unlock()

	m.publish(ctx, "CANCELLED", t)
	return nil
}

// CheckWrite implements raise_on_locks: a write to device by sender is
// permitted iff reservation_required_for_write is false and no other
// RUNNING reservation holds the device, or sender itself holds a
// RUNNING reservation covering now for the device.
func (m *Manager) CheckWrite(device, sender string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()

	var holder *Task
	for _, t := range m.tasks {
		if t.State == StateRunning && t.coversDeviceAt(device, now) {
			holder = t
			break
		}
	}

	if holder == nil {
		if !m.requiredForWrite {
			return nil
		}
		return &driverrors.ReservationLockError{Device: device, Sender: sender}
	}
	if holder.Sender == sender {
		return nil
	}
	return &driverrors.ReservationLockError{Device: device, Sender: sender}
}

// ListTasks returns a snapshot of every currently tracked Task.
func (m *Manager) ListTasks() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, *t)
	}
	return out
}

func (m *Manager) persist(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persistLocked(ctx)
}

func (m *Manager) persistLocked(ctx context.Context) {
	data, err := encodeTasks(m.tasks)
	if err != nil {
		m.logger.Warn("encode reservation state failed", "error", err)
		return
	}
	if err := m.store.SaveBlob(ctx, config.ReservationStateKey, data); err != nil {
		m.logger.Warn("persist reservation state failed", "error", err)
	}
}

func (m *Manager) publish(ctx context.Context, kind string, t *Task) {
	if m.publisher == nil {
		return
	}
	body := fmt.Sprintf(`{"event":%q,"task_id":%q,"sender":%q}`, kind, t.TaskID, t.Sender)
	topic := "reservations/" + t.TaskID
	if err := m.publisher.Publish(ctx, bus.Message{Topic: topic, Payload: []byte(body)}); err != nil {
		m.logger.Warn("publish reservation notice failed", "kind", kind, "task", t.TaskID, "error", err)
	}
}

type persistedRequest struct {
	Device string    `msgpack:"device"`
	Start  time.Time `msgpack:"start"`
	End    time.Time `msgpack:"end"`
}

type persistedTask struct {
	Sender         string             `msgpack:"sender"`
	TaskID         string             `msgpack:"task_id"`
	Priority       string             `msgpack:"priority"`
	Requests       []persistedRequest `msgpack:"requests"`
	State          string             `msgpack:"state"`
	PreemptedUntil time.Time          `msgpack:"preempted_until"`
}

func encodeTasks(tasks map[string]*Task) ([]byte, error) {
	out := make([]persistedTask, 0, len(tasks))
	for _, t := range tasks {
		reqs := make([]persistedRequest, 0, len(t.Requests))
		for _, r := range t.Requests {
			reqs = append(reqs, persistedRequest{Device: r.Device, Start: r.Start, End: r.End})
		}
		out = append(out, persistedTask{
			Sender:         t.Sender,
			TaskID:         t.TaskID,
			Priority:       t.Priority.String(),
			Requests:       reqs,
			State:          string(t.State),
			PreemptedUntil: t.preemptedUntil,
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

func decodeTasks(data []byte) (map[string]*Task, error) {
	raw := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
	n, err := base64.StdEncoding.Decode(raw, data)
	if err != nil {
		return nil, err
	}
	var persisted []persistedTask
	if err := msgpack.Unmarshal(raw[:n], &persisted); err != nil {
		return nil, err
	}
	out := make(map[string]*Task, len(persisted))
	for _, pt := range persisted {
		priority, _ := ParsePriority(pt.Priority)
		reqs := make([]Request, 0, len(pt.Requests))
		for _, pr := range pt.Requests {
			reqs = append(reqs, Request{Device: pr.Device, Start: pr.Start, End: pr.End})
		}
		out[pt.TaskID] = &Task{
			Sender:         pt.Sender,
			TaskID:         pt.TaskID,
			Priority:       priority,
			Requests:       reqs,
			State:          State(pt.State),
			preemptedUntil: pt.PreemptedUntil,
		}
	}
	return out, nil
}
