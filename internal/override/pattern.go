// Package override implements the Override Manager: an orthogonal
// veto layer that blocks writes on sub-trees for timed intervals,
// independent of the Reservation Manager's time-slot arbitration.
package override

import (
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Pattern is one timed write-block. An End of zero means no expiry —
// the pattern stays active until explicitly cleared.
type Pattern struct {
	Glob            string
	End             time.Time
	FailsafeRevert  bool
	StaggeredRevert bool
}

// active reports whether the pattern has not yet expired at instant
// at.
func (p Pattern) active(at time.Time) bool {
	return p.End.IsZero() || at.Before(p.End)
}

// matches reports whether identifier falls under the pattern's glob.
func (p Pattern) matches(identifier string) bool {
	ok, _ := doublestar.Match(p.Glob, identifier)
	return ok
}
