package registry

import (
	"context"
	"log/slog"
	"sync"
)

// MemoryInterface is a protocol interface backed by an in-memory value
// map. Used in tests for the Driver Agent, Poll Scheduler, and
// Coordinator without a real wire protocol.
type MemoryInterface struct {
	mu       sync.Mutex
	remoteID string
	values   map[string]Value
	defaults map[string]Value
	fail     map[string]bool // pointIDs that always fail, for error-path tests
}

var _ Interface = (*MemoryInterface)(nil)

// NewMemoryInterface creates a MemoryInterface uniquely identified by
// remoteID, seeded with initial.
func NewMemoryInterface(remoteID string, initial map[string]Value) *MemoryInterface {
	values := make(map[string]Value, len(initial))
	defaults := make(map[string]Value, len(initial))
	for k, v := range initial {
		values[k] = v
		defaults[k] = v
	}
	return &MemoryInterface{remoteID: remoteID, values: values, defaults: defaults, fail: map[string]bool{}}
}

// FailPoint makes every call touching pointID return an ErrorInfo,
// simulating a remote-side fault.
func (m *MemoryInterface) FailPoint(pointID string, fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fail {
		m.fail[pointID] = true
	} else {
		delete(m.fail, pointID)
	}
}

func (m *MemoryInterface) UniqueRemoteID() string { return m.remoteID }

func (m *MemoryInterface) GetPoint(ctx context.Context, pointID string) (Value, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail[pointID] {
		return nil, &ErrorInfo{Code: "TransportError", Message: "point unreachable: " + pointID}
	}
	return m.values[pointID], nil
}

func (m *MemoryInterface) SetPoint(ctx context.Context, pointID string, value Value) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail[pointID] {
		return &ErrorInfo{Code: "TransportError", Message: "point unreachable: " + pointID}
	}
	m.values[pointID] = value
	return nil
}

func (m *MemoryInterface) RevertPoint(ctx context.Context, pointID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail[pointID] {
		return &ErrorInfo{Code: "TransportError", Message: "point unreachable: " + pointID}
	}
	m.values[pointID] = m.defaults[pointID]
	return nil
}

func (m *MemoryInterface) GetMultiplePoints(ctx context.Context, pointIDs []string) (map[string]Value, map[string]*ErrorInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	values := make(map[string]Value)
	errs := make(map[string]*ErrorInfo)
	for _, id := range pointIDs {
		if m.fail[id] {
			errs[id] = &ErrorInfo{Code: "TransportError", Message: "point unreachable: " + id}
			continue
		}
		values[id] = m.values[id]
	}
	return values, errs, nil
}

func (m *MemoryInterface) SetMultiplePoints(ctx context.Context, pairs map[string]Value) (map[string]*ErrorInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	errs := make(map[string]*ErrorInfo)
	for id, v := range pairs {
		if m.fail[id] {
			errs[id] = &ErrorInfo{Code: "TransportError", Message: "point unreachable: " + id}
			continue
		}
		m.values[id] = v
	}
	return errs, nil
}

func (m *MemoryInterface) Close() error { return nil }

// NewMemoryFactory returns a Factory producing MemoryInterface
// instances, keyed by the "remote_id" param (falling back to "memory"
// if unset).
func NewMemoryFactory() Factory {
	return func(params map[string]string, logger *slog.Logger) (Interface, error) {
		remoteID := params["remote_id"]
		if remoteID == "" {
			remoteID = "memory"
		}
		return NewMemoryInterface(remoteID, nil), nil
	}
}
