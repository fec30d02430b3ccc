package tasks

import "fmt"

// Reason explains why a task was released or an assignment rejected.
type Reason string

const (
	// Reconciliation.
	ReasonGone            Reason = "GONE"
	ReasonTooFar          Reason = "TOO_FAR"
	ReasonTimeout         Reason = "TIMEOUT"
	ReasonCompleted       Reason = "COMPLETED"
	ReasonAbandoned       Reason = "ABANDONED"
	ReasonPassedTarget    Reason = "PASSED_TARGET"
	ReasonPassedPlayer    Reason = "PASSED_PLAYER"
	ReasonUnsafeTarget    Reason = "UNSAFE_TARGET"
	ReasonPulloverSuspect Reason = "PULLOVER_SUSPECT"

	// Mass release.
	ReasonIntersectionCleared Reason = "INTERSECTION_CLEARED"
	ReasonPlayerStopped       Reason = "PLAYER_STOPPED"
	ReasonPlayerOnFoot        Reason = "PLAYER_ON_FOOT"
	ReasonDisengaged          Reason = "DISENGAGED"
	ReasonDisabled            Reason = "DISABLED"
	ReasonShutdown            Reason = "SHUTDOWN"

	// Assignment.
	ReasonAssigned Reason = "ASSIGNED"
	ReasonOwned    Reason = "OWNED"
)

var knownReasons = map[Reason]struct{}{
	ReasonGone:                {},
	ReasonTooFar:              {},
	ReasonTimeout:             {},
	ReasonCompleted:           {},
	ReasonAbandoned:           {},
	ReasonPassedTarget:        {},
	ReasonPassedPlayer:        {},
	ReasonUnsafeTarget:        {},
	ReasonPulloverSuspect:     {},
	ReasonIntersectionCleared: {},
	ReasonPlayerStopped:       {},
	ReasonPlayerOnFoot:        {},
	ReasonDisengaged:          {},
	ReasonDisabled:            {},
	ReasonShutdown:            {},
	ReasonAssigned:            {},
	ReasonOwned:               {},
}

func IsKnownReason(r Reason) bool {
	_, ok := knownReasons[r]
	return ok
}

// Failure is why a candidate search found no target. Values are ordered by
// how far the search progressed, so the largest failure over all attempts is
// the most informative one to report.
type Failure int

const (
	FailNone Failure = iota
	FailSideBlocked
	FailNoRoad
	FailBadHeading
	FailTargetTooFarOrHigh
	FailNoGround
	FailHeightDelta
	FailUnsafe
	FailTooClose
	FailPathBlocked
)

func (f Failure) String() string {
	switch f {
	case FailSideBlocked:
		return "SIDE_BLOCKED"
	case FailNoRoad:
		return "NO_ROAD"
	case FailBadHeading:
		return "BAD_HEADING"
	case FailTargetTooFarOrHigh:
		return "TARGET_TOO_FAR_OR_HIGH"
	case FailNoGround:
		return "NO_GROUND"
	case FailHeightDelta:
		return "HEIGHT_DELTA"
	case FailUnsafe:
		return "UNSAFE"
	case FailTooClose:
		return "TOO_CLOSE"
	case FailPathBlocked:
		return "PATH_BLOCKED"
	}
	return "NONE"
}

func (f Failure) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

func (f *Failure) UnmarshalText(b []byte) error {
	for c := FailNone; c <= FailPathBlocked; c++ {
		if c.String() == string(b) {
			*f = c
			return nil
		}
	}
	return fmt.Errorf("unknown failure %q", b)
}
