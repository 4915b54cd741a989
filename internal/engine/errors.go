package engine

import (
	"errors"

	"bken/aecd/internal/config"
)

// ErrInvalidConfiguration is config.ErrInvalidConfiguration, re-exported so
// callers can check every engine failure against this package.
var ErrInvalidConfiguration = config.ErrInvalidConfiguration

var (
	// ErrInvalidState is returned when an operation is not allowed in the
	// engine's current state.
	ErrInvalidState = errors.New("engine: invalid state")

	// ErrPlatformInitialization is returned when the acoustic engine or the
	// input stream cannot be created. The engine moves to Failed.
	ErrPlatformInitialization = errors.New("engine: platform initialization failed")

	// ErrPlatformStart is returned when the input stream refuses to start.
	// The engine moves to Failed.
	ErrPlatformStart = errors.New("engine: platform start failed")

	// ErrInputStream is reported on the error channel when the running input
	// stream fails. The engine moves to Failed.
	ErrInputStream = errors.New("engine: input stream failed")

	// ErrReentrantStop is returned when a lifecycle call is made from inside
	// the block callback.
	ErrReentrantStop = errors.New("engine: stop called from the audio callback")

	// ErrBufferSizeMismatch is returned by ProcessFrames when a buffer does
	// not hold numFrames frames at the configured channel count.
	ErrBufferSizeMismatch = errors.New("engine: buffer size mismatch")

	// ErrEngineNotConfigured is returned when no unit has been initialized.
	ErrEngineNotConfigured = errors.New("engine: not configured")

	// ErrReconfigurationFailed wraps any failure during UpdateConfig after
	// validation. The engine moves to Failed.
	ErrReconfigurationFailed = errors.New("engine: reconfiguration failed")

	// ErrStopTimeout is returned when the real-time loop did not exit within
	// the stop timeout. The engine moves to Failed.
	ErrStopTimeout = errors.New("engine: stop timed out")
)
