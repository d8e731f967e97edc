// Package capture holds the three producer loops of a session: the movement
// controller, the sensor sampler and the frame recorder.
package capture

import "errors"

var (
	// ErrCommandFailed wraps a motion command the device did not accept.
	ErrCommandFailed = errors.New("motion command failed")
	// ErrSensorRead wraps a failed IMU read.
	ErrSensorRead = errors.New("sensor read failed")
	// ErrFrameRead wraps a failed camera read.
	ErrFrameRead = errors.New("frame read failed")
)
