package equipment

import (
	"testing"

	"platformdriver/internal/config"
)

func buildFindTestTree(t *testing.T) *Tree {
	t.Helper()
	tree := New(nil)
	cfg := &config.DeviceConfig{Active: true, Enabled: true}
	rows := []config.PointDef{{Name: "temp"}, {Name: "pressure"}}
	if err := tree.AddDevice("devices/plant-1/meter-1", cfg, "remote-1", rows); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}
	if err := tree.AddDevice("devices/plant-2/meter-1", cfg, "remote-2", rows); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}
	return tree
}

func TestFindPointsGlobMatchesDoublestarSegments(t *testing.T) {
	tree := buildFindTestTree(t)

	nodes, err := tree.FindPoints("devices/plant-1/**", "")
	if err != nil {
		t.Fatalf("FindPoints: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("expected 2 points under plant-1, got %d", len(nodes))
	}
}

func TestFindPointsRegexIsAnchored(t *testing.T) {
	tree := buildFindTestTree(t)

	nodes, err := tree.FindPoints("", "devices/plant-1/meter-1/temp")
	if err != nil {
		t.Fatalf("FindPoints: %v", err)
	}
	if len(nodes) != 1 {
		t.Fatalf("expected exactly 1 match for the anchored regex, got %d", len(nodes))
	}

	nodes, err = tree.FindPoints("", "devices/plant-1/meter-1/tem")
	if err != nil {
		t.Fatalf("FindPoints: %v", err)
	}
	if len(nodes) != 0 {
		t.Fatalf("expected an anchored regex to reject a partial match, got %d", len(nodes))
	}
}

func TestFindPointsUnionsGlobAndRegexWithoutDuplicates(t *testing.T) {
	tree := buildFindTestTree(t)

	nodes, err := tree.FindPoints("devices/plant-1/**/temp", "devices/plant-2/meter-1/pressure")
	if err != nil {
		t.Fatalf("FindPoints: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("expected 2 distinct matches across glob+regex, got %d", len(nodes))
	}
}

func TestFindPointsInvalidRegexErrors(t *testing.T) {
	tree := buildFindTestTree(t)
	if _, err := tree.FindPoints("", "("); err == nil {
		t.Fatal("expected an error for an invalid regex")
	}
}

func TestListTopicsReturnsChildrenOfKnownTopic(t *testing.T) {
	tree := buildFindTestTree(t)

	topics := tree.ListTopics("devices/plant-1/meter-1", nil, nil)
	if len(topics) != 2 {
		t.Fatalf("expected 2 child points, got %v", topics)
	}
}

func TestListTopicsFallsBackToParentForUnknownTopic(t *testing.T) {
	tree := buildFindTestTree(t)

	// The unknown child falls back to its parent, the "temp" point,
	// which has no children of its own.
	topics := tree.ListTopics("devices/plant-1/meter-1/temp/unknown-child", nil, nil)
	if len(topics) != 0 {
		t.Fatalf("expected no children for a leaf point's nonexistent child, got %v", topics)
	}

	topics = tree.ListTopics("devices/plant-1/meter-1/nonexistent", nil, nil)
	if len(topics) != 2 {
		t.Fatalf("expected fallback to meter-1's 2 children, got %v", topics)
	}
}

func TestListTopicsFiltersByActiveAndEnabled(t *testing.T) {
	tree := buildFindTestTree(t)

	if _, err := tree.SetEnabled("devices/plant-1/meter-1/temp", false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}

	enabledOnly := true
	topics := tree.ListTopics("devices/plant-1/meter-1", nil, &enabledOnly)
	if len(topics) != 1 || topics[0] != "devices/plant-1/meter-1/pressure" {
		t.Fatalf("expected only the still-enabled pressure point, got %v", topics)
	}
}

func TestListTopicsUnknownTopicWithNoParentReturnsNil(t *testing.T) {
	tree := New(nil)
	if topics := tree.ListTopics("nowhere/at/all", nil, nil); topics != nil {
		t.Fatalf("expected nil for a topic whose parent also doesn't exist, got %v", topics)
	}
}
