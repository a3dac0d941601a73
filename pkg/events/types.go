// Package events provides real-time event delivery for benchmark runs.
//
// Each run gets its own topic. Every published event is kept in the
// topic's history, so a WebSocket client that connects after the run
// has started still receives the full event sequence in publish order
// before any live events. Topics are closed and discarded once the run
// finishes; finished runs are served from the archive instead.
package events

// Run lifecycle event types.
const (
	EventTypeRunCreated   = "run_created"
	EventTypeReadyToStart = "ready_to_start"
	EventTypeRunStart     = "run_start"
	EventTypeRunStopped   = "run_stopped"
	EventTypeRunCompleted = "run_completed"
	EventTypeError        = "error"
)

// Per-model event types.
const (
	EventTypeModelStart    = "model_start"
	EventTypeStep          = "step"
	EventTypeHallucination = "hallucination"
	EventTypeModelStopped  = "model_stopped"
	EventTypeModelComplete = "model_complete"
	EventTypeModelFinal    = "model_final"
)

// Control event types.
const (
	EventTypeStopRequested = "stop_requested"
)

// RunTopic returns the topic name for a run's events.
// Format: "run:{run_id}"
func RunTopic(runID string) string {
	return "run:" + runID
}
