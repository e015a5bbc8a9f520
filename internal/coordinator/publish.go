package coordinator

import (
	"context"
	"encoding/json"
	"time"

	"platformdriver/internal/bus"
	"platformdriver/internal/equipment"
)

// pointSample is one point's value in a group-breadth snapshot.
type pointSample struct {
	Value any       `json:"value"`
	Time  time.Time `json:"time"`
}

// publishGroupBreadth builds a device->point->sample snapshot across
// every device in group whose resolved publish policy passes want, and
// publishes it once to <group>/<topicSuffix>. This is the breadth half
// of the publish matrix: it spans every device in a scheduling group
// regardless of which remote or Driver Agent serves it, which is why
// it lives on the Coordinator rather than a single Agent.
func (c *Coordinator) publishGroupBreadth(ctx context.Context, group, topicSuffix string, want func(equipment.PublishPolicy) bool) {
	if c.publisher == nil {
		return
	}

	devices := c.tree.DevicesInGroup(group)
	snapshot := make(map[string]map[string]pointSample, len(devices))
	for _, d := range devices {
		if !want(c.tree.PublishPolicyFor(d.Identifier)) {
			continue
		}
		points := c.tree.Points(d.Identifier)
		perDevice := make(map[string]pointSample, len(points))
		for _, p := range points {
			if !p.Active {
				continue
			}
			perDevice[p.Identifier] = pointSample{Value: p.LastValue, Time: p.LastUpdated}
		}
		if len(perDevice) > 0 {
			snapshot[d.Identifier] = perDevice
		}
	}
	if len(snapshot) == 0 {
		return
	}

	body, err := json.Marshal(snapshot)
	if err != nil {
		c.logger.Warn("group breadth publish marshal failed", "group", group, "error", err)
		return
	}
	at := c.now()
	headers := map[string]string{"time": bus.NowHeader(at), "type": topicSuffix + "_breadth"}
	if err := c.publisher.Publish(ctx, bus.Message{Topic: group + "/" + topicSuffix, Headers: headers, Payload: body}); err != nil {
		c.logger.Warn("group breadth publish failed", "group", group, "error", err)
	}
}
