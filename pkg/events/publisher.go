package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wikilabs/wikinav/pkg/models"
)

// Stamper issues RFC3339Nano timestamps that never go backwards, even if
// the wall clock does. Event consumers rely on non-decreasing timestamps
// within a topic.
type Stamper struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

// NewStamper builds a stamper on the wall clock.
func NewStamper() *Stamper {
	return &Stamper{now: time.Now}
}

// Next returns the current timestamp, clamped to be >= the previous one.
func (s *Stamper) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.now()
	if t.Before(s.last) {
		t = s.last
	}
	s.last = t
	return t.Format(time.RFC3339Nano)
}

// Publisher emits the benchmark's typed events onto a run's topic.
// Each public method accepts a specific payload struct — see payloads.go.
// The Type, RunID and Timestamp fields are filled in here; callers only
// provide the event-specific data.
type Publisher struct {
	bus     *Bus
	stamper *Stamper
	logger  *slog.Logger
}

// NewPublisher creates a Publisher on the given bus.
func NewPublisher(bus *Bus, logger *slog.Logger) *Publisher {
	return &Publisher{bus: bus, stamper: NewStamper(), logger: logger}
}

// Bus exposes the underlying bus for subscription management.
func (p *Publisher) Bus() *Bus {
	return p.bus
}

func (p *Publisher) emit(runID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("Failed to marshal event payload", "run_id", runID, "payload_type", fmt.Sprintf("%T", payload))
		return fmt.Errorf("failed to marshal %T: %w", payload, err)
	}
	p.bus.Publish(RunTopic(runID), data)
	return nil
}

// PublishRunCreated emits run_created for a freshly allocated run ID.
func (p *Publisher) PublishRunCreated(runID string) error {
	return p.emit(runID, RunCreatedPayload{
		Type:      EventTypeRunCreated,
		RunID:     runID,
		Status:    "created",
		Timestamp: p.stamper.Next(),
	})
}

// PublishReadyToStart emits ready_to_start once the run is about to begin.
func (p *Publisher) PublishReadyToStart(runID string) error {
	return p.emit(runID, ReadyToStartPayload{
		Type:      EventTypeReadyToStart,
		RunID:     runID,
		Timestamp: p.stamper.Next(),
	})
}

// PublishRunStart emits run_start.
func (p *Publisher) PublishRunStart(runID string, payload RunStartPayload) error {
	payload.Type = EventTypeRunStart
	payload.RunID = runID
	payload.Timestamp = p.stamper.Next()
	return p.emit(runID, payload)
}

// PublishModelStart emits model_start. Published before any step event
// of that model.
func (p *Publisher) PublishModelStart(runID string, payload ModelStartPayload) error {
	payload.Type = EventTypeModelStart
	payload.RunID = runID
	payload.Timestamp = p.stamper.Next()
	return p.emit(runID, payload)
}

// PublishStep emits a step event for one recorded iteration.
func (p *Publisher) PublishStep(runID string, payload StepPayload) error {
	payload.Type = EventTypeStep
	payload.RunID = runID
	payload.Timestamp = p.stamper.Next()
	return p.emit(runID, payload)
}

// PublishHallucination emits a hallucination event. The step event for
// the same record follows separately.
func (p *Publisher) PublishHallucination(runID string, payload HallucinationPayload) error {
	payload.Type = EventTypeHallucination
	payload.RunID = runID
	payload.Timestamp = p.stamper.Next()
	return p.emit(runID, payload)
}

// PublishModelStopped emits model_stopped when a stop request interrupts
// a model.
func (p *Publisher) PublishModelStopped(runID string, payload ModelStoppedPayload) error {
	payload.Type = EventTypeModelStopped
	payload.RunID = runID
	payload.Timestamp = p.stamper.Next()
	return p.emit(runID, payload)
}

// PublishModelFinal emits model_final with the model's metrics.
func (p *Publisher) PublishModelFinal(runID, modelID string, metrics *models.ModelMetrics) error {
	return p.emit(runID, ModelFinalPayload{
		Type:      EventTypeModelFinal,
		RunID:     runID,
		ModelID:   modelID,
		Data:      metrics,
		Timestamp: p.stamper.Next(),
	})
}

// PublishModelComplete emits model_complete after model_final.
func (p *Publisher) PublishModelComplete(runID string, payload ModelCompletePayload) error {
	payload.Type = EventTypeModelComplete
	payload.RunID = runID
	payload.Timestamp = p.stamper.Next()
	return p.emit(runID, payload)
}

// PublishRunStopped emits run_stopped.
func (p *Publisher) PublishRunStopped(runID string, payload RunStoppedPayload) error {
	payload.Type = EventTypeRunStopped
	payload.RunID = runID
	payload.Timestamp = p.stamper.Next()
	return p.emit(runID, payload)
}

// PublishRunCompleted emits run_completed, the terminal event of a
// successful run.
func (p *Publisher) PublishRunCompleted(runID string, payload RunCompletedPayload) error {
	payload.Type = EventTypeRunCompleted
	payload.RunID = runID
	payload.Timestamp = p.stamper.Next()
	return p.emit(runID, payload)
}

// PublishStopRequested emits stop_requested when a stop is accepted.
func (p *Publisher) PublishStopRequested(runID, message string) error {
	return p.emit(runID, StopRequestedPayload{
		Type:      EventTypeStopRequested,
		RunID:     runID,
		Message:   message,
		Timestamp: p.stamper.Next(),
	})
}

// PublishError emits error, the terminal event of a run that died on an
// unexpected failure.
func (p *Publisher) PublishError(runID string, payload ErrorPayload) error {
	payload.Type = EventTypeError
	payload.RunID = runID
	payload.Timestamp = p.stamper.Next()
	return p.emit(runID, payload)
}
