// pkg/core/motion.go
package core

import "time"

// MotionCommand is a drive instruction sent to the robot. It is never persisted.
type MotionCommand struct {
	Speed    int       `json:"speed"`
	Heading  int       `json:"heading"` // degrees, 0-359
	Reverse  bool      `json:"reverse"`
	IssuedAt time.Time `json:"issuedAt"`
}

// StopCommand returns a zero-speed command that keeps the given heading.
func StopCommand(heading int, at time.Time) MotionCommand {
	return MotionCommand{Speed: 0, Heading: NormalizeHeading(heading), IssuedAt: at}
}

// NormalizeHeading wraps any integer angle into [0, 360).
func NormalizeHeading(h int) int {
	h %= 360
	if h < 0 {
		h += 360
	}
	return h
}
