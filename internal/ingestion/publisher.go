package ingestion

import (
	"BackstopBootstrapper/internal/core"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// OutboundStream carries every command outcome to downstream consumers.
const OutboundStream = "BOOTSTRAPPER_EVENTS"

// OutboundPublisher publishes command outcomes to NATS.
// Applied commands go to bootstrapper.events.{event_type}.{bootstrap_id};
// rejections go to bootstrapper.events.rejected.{event_type}.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan *core.Outcome
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan *core.Outcome) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case o, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, o); err != nil {
				log.Printf("WARN: outbound publish failed command=%s seq=%d: %v", o.CommandID, o.Sequence, err)
				// Non-fatal: downstream consumers can query the event log directly
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, o *core.Outcome) error {
	if o.Duplicate {
		return nil
	}
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}

	_, err = op.js.Publish(ctx, OutcomeSubject(o), data, jetstream.WithMsgID(OutcomeMsgID(o)))
	return err
}

// OutcomeSubject returns the subject an outcome is published on.
func OutcomeSubject(o *core.Outcome) string {
	if !o.Applied {
		return fmt.Sprintf("bootstrapper.events.rejected.%s", o.EventType)
	}
	subject := fmt.Sprintf("bootstrapper.events.%s", o.EventType)
	if o.Bootstrap != nil {
		subject = fmt.Sprintf("%s.%d", subject, o.Bootstrap.ID)
	}
	return subject
}

// OutcomeMsgID lets JetStream drop republished outcomes inside its
// duplicate window.
func OutcomeMsgID(o *core.Outcome) string {
	if !o.Applied {
		return fmt.Sprintf("%s:rejected:%d", o.CommandID, o.Code)
	}
	return fmt.Sprintf("%s:%d", o.CommandID, o.Sequence)
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       OutboundStream,
		Subjects:   []string{"bootstrapper.events.>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Printf("INFO: ensured outbound stream %s", OutboundStream)
	return nil
}
