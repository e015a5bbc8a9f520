package equipment

import (
	"fmt"
	"regexp"

	"github.com/bmatcuk/doublestar/v4"
)

// FindPoints matches the union of a shell-style topicGlob (matched with
// "**"-aware segment wildcards, since identifiers are "/"-separated)
// and an anchored regex against every point identifier in the tree.
// Either matcher may be empty, in which case it contributes no matches.
func (t *Tree) FindPoints(topicGlob, regex string) ([]*Node, error) {
	var re *regexp.Regexp
	if regex != "" {
		compiled, err := regexp.Compile("^(?:" + regex + ")$")
		if err != nil {
			return nil, fmt.Errorf("invalid point regex %q: %w", regex, err)
		}
		re = compiled
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	seen := make(map[string]bool)
	var out []*Node
	for id, n := range t.nodes {
		if n.Kind != KindPoint {
			continue
		}
		matched := false
		if topicGlob != "" {
			if ok, _ := doublestar.Match(topicGlob, id); ok {
				matched = true
			}
		}
		if !matched && re != nil && re.MatchString(id) {
			matched = true
		}
		if matched && !seen[id] {
			seen[id] = true
			out = append(out, n.snapshot())
		}
	}
	return out, nil
}

// ListTopics returns the children of topic if it exists, otherwise the
// children of its parent (falls back silently per the Open Question
// decision in DESIGN.md — the source behavior is preserved rather than
// erroring on an unknown topic). When active/enabled filters are
// non-nil, only matching children are returned.
func (t *Tree) ListTopics(topic string, active, enabled *bool) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n, ok := t.nodes[topic]
	var children []string
	if ok {
		children = n.Children
	} else {
		parent, ok := t.nodes[parentOf(topic)]
		if !ok {
			return nil
		}
		children = parent.Children
	}

	out := make([]string, 0, len(children))
	for _, cid := range children {
		c, ok := t.nodes[cid]
		if !ok {
			continue
		}
		if active != nil && c.Active != *active {
			continue
		}
		if enabled != nil && c.Enabled != *enabled {
			continue
		}
		out = append(out, cid)
	}
	return out
}
