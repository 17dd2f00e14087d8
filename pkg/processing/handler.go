package processing

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/censys/scan-resolver/pkg/resolution"
)

// ScanAdder is the resolver dependency used by the handler.
type ScanAdder interface {
	AddObservation(o resolution.Observation) bool
	Closed() bool
	Seen(scanID string) bool
}

// Disposition tells the receive loop what to do with a handled message.
type Disposition int

const (
	// Ack settles the message now.
	Ack Disposition = iota
	// Nack asks for redelivery.
	Nack
	// Hold keeps the message outstanding until the run is settled.
	Hold
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Nack:
		return "nack"
	case Hold:
		return "hold"
	default:
		return "disposition(" + strconv.Itoa(int(d)) + ")"
	}
}

// DLQPublisher publishes malformed or rejected messages to a dead-letter topic.
type DLQPublisher interface {
	Publish(ctx context.Context, msg *pubsub.Message, reason string) error
}

// PubSubDLQPublisher implements DLQPublisher using a Pub/Sub topic.
type PubSubDLQPublisher struct {
	topic *pubsub.Topic
}

// NewPubSubDLQPublisher constructs a DLQ publisher for the given topic. If the
// topic is nil, publishes are treated as no-ops.
func NewPubSubDLQPublisher(topic *pubsub.Topic) *PubSubDLQPublisher {
	return &PubSubDLQPublisher{topic: topic}
}

// Publish sends the message to the DLQ topic. If topic is nil, it is a no-op.
func (p *PubSubDLQPublisher) Publish(ctx context.Context, msg *pubsub.Message, reason string) error {
	if p.topic == nil {
		return nil
	}
	attempt := 0
	if msg.DeliveryAttempt != nil {
		attempt = *msg.DeliveryAttempt
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := p.topic.Publish(ctx, &pubsub.Message{
		Data: msg.Data,
		Attributes: map[string]string{
			"reason":           reason,
			"orig_msg_id":      msg.ID,
			"delivery_attempt": strconv.Itoa(attempt),
		},
	}).Get(ctx)
	return err
}

// NoopDLQPublisher is used when no DLQ topic is configured.
type NoopDLQPublisher struct{}

func (n *NoopDLQPublisher) Publish(ctx context.Context, msg *pubsub.Message, reason string) error {
	return nil
}

// HandleMessage feeds one observation to the resolver.
//
// Accepted observations are held: they must stay outstanding until the run's
// check state is persisted. A redelivered copy of an accepted scan is held
// with it. Messages arriving after the resolver closed are nacked so the next
// run sees them. Malformed and rejected messages go to the DLQ and are acked,
// or nacked if the DLQ publish fails.
func HandleMessage(ctx context.Context, adder ScanAdder, dlq DLQPublisher, msg *pubsub.Message) Disposition {
	if dlq == nil {
		dlq = &NoopDLQPublisher{}
	}
	obs, err := ParseObservationMessage(msg.Data)
	if err != nil {
		slog.Warn("pushing message to DLQ", "reason", "parse_error", "error", err)
		return publishDLQ(ctx, dlq, msg, "parse_error")
	}

	if adder.AddObservation(obs.Observation()) {
		return Hold
	}
	if adder.Closed() {
		return Nack
	}
	if obs.ScanID != "" && adder.Seen(obs.ScanID) {
		slog.Debug("holding redelivered observation", "scan_id", obs.ScanID, "msg_id", msg.ID)
		return Hold
	}

	slog.Warn("pushing message to DLQ", "reason", "rejected",
		"scan_id", obs.ScanID, "project_id", obs.ProjectID, "scan_product", obs.ScanProduct)
	return publishDLQ(ctx, dlq, msg, "rejected")
}

func publishDLQ(ctx context.Context, dlq DLQPublisher, msg *pubsub.Message, reason string) Disposition {
	if err := dlq.Publish(ctx, msg, reason); err != nil {
		slog.Error("error publishing to DLQ", "reason", reason, "error", err)
		return Nack
	}
	return Ack
}
