package events

import (
	"context"
	"log/slog"
	"time"

	v1 "github.com/Conversly/pulse/contracts/realtime/v1"
)

const sinkPublishTimeout = 5 * time.Second

// Sink adapts a Publisher to the gateway's escalation notifications.
// Publishes happen on a background goroutine so the websocket read loop
// never blocks on the broker.
type Sink struct {
	pub Publisher
	log *slog.Logger
}

// NewSink constructs a Sink.
func NewSink(pub Publisher, log *slog.Logger) *Sink {
	if log == nil {
		log = slog.Default()
	}
	return &Sink{pub: pub, log: log}
}

// EscalationRequested emits escalation.requested.v1.
func (s *Sink) EscalationRequested(ctx context.Context, esc v1.Escalation) {
	s.emit(ctx, KeyEscalationRequested, esc)
}

// EscalationClaimed emits escalation.claimed.v1.
func (s *Sink) EscalationClaimed(ctx context.Context, esc v1.Escalation) {
	s.emit(ctx, KeyEscalationClaimed, esc)
}

// EscalationResolved emits escalation.resolved.v1.
func (s *Sink) EscalationResolved(ctx context.Context, esc v1.Escalation) {
	s.emit(ctx, KeyEscalationResolved, esc)
}

func (s *Sink) emit(ctx context.Context, key string, esc v1.Escalation) {
	if s == nil || s.pub == nil {
		return
	}

	ev := EscalationEvent{
		EscalationID:        esc.ID,
		OwnerID:             esc.OwnerID,
		ConversationID:      esc.ConversationID,
		Status:              esc.Status,
		Reason:              esc.Reason,
		AssignedAgentUserID: esc.AssignedAgentUserID,
		RequestedAt:         esc.RequestedAt,
	}

	go func() {
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkPublishTimeout)
		defer cancel()

		if err := s.pub.Publish(pubCtx, key, Envelope{Data: ev}); err != nil {
			s.log.Warn("events.publish.fail", "key", key, "escalation_id", esc.ID, "err", err)
		}
	}()
}
