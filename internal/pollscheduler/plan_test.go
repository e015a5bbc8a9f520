package pollscheduler

import (
	"reflect"
	"testing"
)

func TestComputePlanLCMAndCoalescing(t *testing.T) {
	points := []PointSchedule{
		{PointID: "devices/a/temp", DeviceID: "devices/a", RemoteKey: "remote-1", IntervalSeconds: 10},
		{PointID: "devices/a/pressure", DeviceID: "devices/a", RemoteKey: "remote-1", IntervalSeconds: 20},
		{PointID: "devices/b/flow", DeviceID: "devices/b", RemoteKey: "remote-1", IntervalSeconds: 10},
		{PointID: "devices/c/level", DeviceID: "devices/c", RemoteKey: "remote-2", IntervalSeconds: 30},
	}

	plan, err := ComputePlan(10, 0, points)
	if err != nil {
		t.Fatalf("ComputePlan: %v", err)
	}

	if plan.SlotCount != 6 {
		t.Fatalf("SlotCount = %d, want 6 (lcm of 1,2,1,3)", plan.SlotCount)
	}
	if plan.CycleLength != 60 {
		t.Fatalf("CycleLength = %v, want 60", plan.CycleLength)
	}

	slot0 := plan.EntriesAt(0)
	var remote1 []string
	for _, e := range slot0 {
		if e.RemoteKey == "remote-1" {
			remote1 = e.PointIDs
		}
	}
	want := []string{"devices/a/pressure", "devices/a/temp", "devices/b/flow"}
	if !reflect.DeepEqual(remote1, want) {
		t.Errorf("slot 0 remote-1 points = %v, want %v (lexicographic)", remote1, want)
	}

	slot1 := plan.EntriesAt(1)
	for _, e := range slot1 {
		if e.RemoteKey == "remote-1" {
			for _, id := range e.PointIDs {
				if id == "devices/a/pressure" {
					t.Error("pressure (interval 20) should not be due at slot 1")
				}
			}
		}
	}
}

func TestComputePlanRejectsNonMultipleInterval(t *testing.T) {
	points := []PointSchedule{
		{PointID: "devices/a/temp", RemoteKey: "remote-1", IntervalSeconds: 15},
	}
	if _, err := ComputePlan(10, 0, points); err == nil {
		t.Fatal("expected error for interval not a multiple of minimum")
	}
}

func TestComputePlanEmptyPoints(t *testing.T) {
	plan, err := ComputePlan(10, 0, nil)
	if err != nil {
		t.Fatalf("ComputePlan: %v", err)
	}
	if plan.SlotCount != 1 {
		t.Fatalf("SlotCount = %d, want 1 for no points", plan.SlotCount)
	}
	if len(plan.EntriesAt(0)) != 0 {
		t.Error("expected no entries with no points")
	}
}

func TestComputePlanCycleWraps(t *testing.T) {
	points := []PointSchedule{
		{PointID: "p1", RemoteKey: "r1", IntervalSeconds: 10},
	}
	plan, err := ComputePlan(10, 0, points)
	if err != nil {
		t.Fatalf("ComputePlan: %v", err)
	}
	a := plan.EntriesAt(0)
	b := plan.EntriesAt(int64(plan.SlotCount))
	if !reflect.DeepEqual(a, b) {
		t.Errorf("plan should repeat after one cycle: %v != %v", a, b)
	}
}
