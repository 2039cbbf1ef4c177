package laneq

import "errors"

// ErrUnknownStrategy is returned when a strategy name does not parse.
var ErrUnknownStrategy = errors.New("laneq: unknown strategy")

// ErrUnknownState is returned when an invalid queue state is used.
var ErrUnknownState = errors.New("laneq: unknown state")

// ErrUnknownLane is returned when a lane name is not in the configured set.
var ErrUnknownLane = errors.New("laneq: unknown lane")

// ErrNoLanes is returned when a lane table is built without any lanes.
var ErrNoLanes = errors.New("laneq: no lanes configured")

// ErrJobNotFound is returned when a job with the specified ID is not found.
var ErrJobNotFound = errors.New("laneq: job not found")

// ErrMissingJobID is returned when an intake message carries no job identifier.
var ErrMissingJobID = errors.New("laneq: missing job id")

// ErrInvalidPayload is returned when a submitted payload does not encode to a
// JSON object.
var ErrInvalidPayload = errors.New("laneq: payload must encode to a JSON object")
