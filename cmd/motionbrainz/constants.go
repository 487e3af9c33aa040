package main

import "time"

// Linux input event types and codes (from <linux/input.h>)
const (
	EV_SYN = 0x00
	EV_ABS = 0x03

	SYN_REPORT  = 0
	SYN_DROPPED = 3

	ABS_X = 0x00
	ABS_Y = 0x01
	ABS_Z = 0x02
)

// Sampling and window defaults
const (
	defaultBufferSize = 50  // Samples kept in the window
	defaultSampleHz   = 200 // Motion update rate (Hz)
	defaultTickHz     = 50  // Reducer tick rate (Hz)
	defaultEvdevScale = 1.0 // Multiplier applied to raw ABS values
)

// Simulated source
const (
	defaultGestureEveryMS = 3000 // One synthetic gesture this often (ms)
	simBurstMS            = 150  // Length of a synthetic gesture (ms)
	simBurstAmplitude     = 1.0  // Peak per-axis value of a synthetic gesture
	simNoiseAmplitude     = 0.01 // Uniform idle noise per axis
)

// Trigger defaults
const (
	defaultThreshold  = 0.1  // |x|+|y|+|z| above this is a large motion
	defaultSettleMS   = 50   // Delay between crossing and classification (ms)
	defaultCooldownMS = 2000 // Re-arm delay after a classification (ms)

	// motionLevelFullScale maps magnitude to a 0..1 indicator level.
	motionLevelFullScale = 0.2
)

// Classifier defaults
const (
	defaultClassifierKind      = "axis"
	defaultClassifierTimeoutMS = 8000 // Overall budget per classification (ms), remote HTTP included
	defaultStateSize           = 400  // Length of the carried state blob
	defaultAxisMinEnergy       = 0.02 // Below this the window is "unknown"
	defaultStateDecay          = 0.5  // Weight of the previous state in the axis classifier

	defaultRemoteServerIP = "127.0.0.1"
	defaultRemotePort     = 8000
	defaultRemotePath     = "/predict"

	remoteRequestTimeoutMS  = 5000 // Time to first response byte (ms)
	remoteResourceTimeoutMS = 8000 // Whole request budget (ms)
)

// Serial IMU defaults
const (
	defaultSerialBaud     = 115200
	defaultSerialDataBits = 8
	defaultSerialStopBits = 1
	defaultSerialParity   = "none"
)

// Outputs
const (
	defaultHTTPPort   = 3002
	defaultMQTTTopic  = "motionbrainz/gestures"
	defaultMQTTQoS    = 0
	defaultIPCSocket  = "/tmp/motionbrainz.sock"
	defaultRecentRows = 20 // Default row count for /predictions

	journalWriteTimeout = 2 * time.Second
)
