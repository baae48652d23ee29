package streaming

import (
	"context"
	"log/slog"

	"github.com/rendis/flowtrack/internal/tracker"
	"github.com/rendis/flowtrack/pkg/schema"
)

// Relay republishes tracker notifications on an EventHub. It is the
// bridge between one execution's tracker and any number of listeners.
type Relay struct {
	hub        EventHub
	workflowID string
	logger     *slog.Logger
}

// NewRelay creates a Relay that tags every event with workflowID.
func NewRelay(hub EventHub, workflowID string, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Relay{hub: hub, workflowID: workflowID, logger: logger}
}

// OnStatusUpdate publishes an execution.status_update event.
func (r *Relay) OnStatusUpdate(ev tracker.StatusUpdate) {
	r.publish(StreamEvent{
		ExecutionID: ev.ExecutionID,
		WorkflowID:  r.workflowID,
		StepKey:     ev.CurrentStep,
		EventType:   schema.EventExecutionStatusUpdate,
		Payload:     ev,
		Timestamp:   ev.Timestamp,
	})
}

// OnStepStatusChange publishes a step.status_change event.
func (r *Relay) OnStepStatusChange(ev tracker.StepStatusChange) {
	r.publish(StreamEvent{
		ExecutionID: ev.ExecutionID,
		WorkflowID:  r.workflowID,
		StepKey:     ev.StepKey,
		EventType:   schema.EventStepStatusChange,
		Payload:     ev,
		Timestamp:   ev.Timestamp,
	})
}

func (r *Relay) publish(ev StreamEvent) {
	if err := r.hub.Publish(context.Background(), ev); err != nil {
		r.logger.Warn("event relay failed", "event_type", ev.EventType, "execution_id", ev.ExecutionID, "error", err)
	}
}

var _ tracker.Subscriber = (*Relay)(nil)
