package driverrors

import (
	"errors"
	"strings"
	"testing"
)

func TestEquipmentErrorMentionsTopic(t *testing.T) {
	err := Equipment("devices/plant-1/meter-1/temp")
	if !strings.Contains(err.Error(), "devices/plant-1/meter-1/temp") {
		t.Fatalf("expected the topic in the error message, got %q", err.Error())
	}
	var s *Structured
	if !errors.As(err, &s) {
		t.Fatal("expected Equipment to return a *Structured")
	}
	if s.Type != "ValueError" {
		t.Fatalf("expected type ValueError, got %q", s.Type)
	}
}

func TestReservationLockErrorMessage(t *testing.T) {
	err := &ReservationLockError{Device: "devices/plant-1/meter-1", Sender: "agent-a"}
	msg := err.Error()
	if !strings.Contains(msg, "devices/plant-1/meter-1") || !strings.Contains(msg, "agent-a") {
		t.Fatalf("expected device and sender in message, got %q", msg)
	}
}

func TestOverrideErrorMessage(t *testing.T) {
	err := &OverrideError{Identifier: "devices/plant-1/meter-1/setpoint", Pattern: "devices/plant-1/**"}
	msg := err.Error()
	if !strings.Contains(msg, "devices/plant-1/**") {
		t.Fatalf("expected the blocking pattern in the message, got %q", msg)
	}
}

func TestUnknownWrapsUnderlyingError(t *testing.T) {
	s := Unknown(errors.New("dial tcp: connection refused"))
	if s.Type != "UnknownError" {
		t.Fatalf("expected type UnknownError, got %q", s.Type)
	}
	if !strings.Contains(s.Value, "connection refused") {
		t.Fatalf("expected the wrapped error text, got %q", s.Value)
	}
}

func TestRecoveredFormatsAnyPanicValue(t *testing.T) {
	s := Recovered("index out of range")
	if s.Type != "UnknownError" {
		t.Fatalf("expected type UnknownError, got %q", s.Type)
	}
	if s.Value != "index out of range" {
		t.Fatalf("expected the panic value formatted in Value, got %q", s.Value)
	}
}
