package capture

import "time"

// Phase is the current half of an alternating schedule.
type Phase int

const (
	PhaseMove Phase = iota
	PhaseCollect
)

func (p Phase) String() string {
	if p == PhaseCollect {
		return "collect"
	}
	return "move"
}

// TimeShare alternates MoveTime of driving with CollectTime of sensing,
// starting with a move phase at Start.
type TimeShare struct {
	Start       time.Time
	MoveTime    time.Duration
	CollectTime time.Duration
}

// PhaseAt returns the phase active at now. Times before Start are in the
// first move phase.
func (ts *TimeShare) PhaseAt(now time.Time) Phase {
	cycle := ts.MoveTime + ts.CollectTime
	if cycle <= 0 {
		return PhaseMove
	}
	offset := now.Sub(ts.Start)
	if offset < 0 {
		return PhaseMove
	}
	if offset%cycle < ts.MoveTime {
		return PhaseMove
	}
	return PhaseCollect
}

// Moving reports whether now falls in a move phase.
func (ts *TimeShare) Moving(now time.Time) bool {
	return ts.PhaseAt(now) == PhaseMove
}
