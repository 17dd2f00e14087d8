package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/censys/scan-resolver/pkg/resolution"
)

// Publisher sends one export message downstream.
type Publisher interface {
	Publish(ctx context.Context, data []byte, attrs map[string]string) error
}

// TopicPublisher implements Publisher using a Pub/Sub topic.
type TopicPublisher struct {
	topic *pubsub.Topic
}

func NewTopicPublisher(topic *pubsub.Topic) *TopicPublisher {
	return &TopicPublisher{topic: topic}
}

// Publish blocks until the server acknowledges the message.
func (p *TopicPublisher) Publish(ctx context.Context, data []byte, attrs map[string]string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := p.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs}).Get(ctx)
	return err
}

// Envelope is the export message body for a resolved scan.
type Envelope struct {
	ProjectID     int       `json:"project_id"`
	ProjectName   string    `json:"project_name"`
	ScanType      string    `json:"scan_type"`
	ScanProduct   string    `json:"scan_product"`
	ScanID        string    `json:"scan_id"`
	FinishedStamp time.Time `json:"finished_stamp"`
}

// NewEnvelope builds the export message body for scan.
func NewEnvelope(scan resolution.ScanDescriptor) Envelope {
	return Envelope{
		ProjectID:     scan.Project.ID,
		ProjectName:   scan.Project.Name,
		ScanType:      scan.ScanType,
		ScanProduct:   scan.ScanProduct,
		ScanID:        scan.ScanID,
		FinishedStamp: scan.FinishedStamp.UTC(),
	}
}

// PublishTransform returns a transform that publishes each scan to p.
func PublishTransform(p Publisher) resolution.Transform {
	return func(ctx context.Context, scan resolution.ScanDescriptor) error {
		data, err := json.Marshal(NewEnvelope(scan))
		if err != nil {
			return fmt.Errorf("marshal scan %s: %w", scan.ScanID, err)
		}
		attrs := map[string]string{
			"scan_product": scan.ScanProduct,
			"scan_type":    scan.ScanType,
			"project_id":   strconv.Itoa(scan.Project.ID),
		}
		if err := p.Publish(ctx, data, attrs); err != nil {
			return fmt.Errorf("publish scan %s: %w", scan.ScanID, err)
		}
		return nil
	}
}

// NewDispatchTable binds every routed product to a publish transform. Products
// sharing a topic share a publisher.
func NewDispatchTable(routes map[string]string, publisherFor func(topicID string) Publisher) resolution.DispatchTable {
	publishers := make(map[string]Publisher, len(routes))
	table := make(resolution.DispatchTable, len(routes))
	for product, topicID := range routes {
		p, ok := publishers[topicID]
		if !ok {
			p = publisherFor(topicID)
			publishers[topicID] = p
		}
		table[product] = PublishTransform(p)
	}
	return table
}

// Run invokes the bound action of every scan and returns how many succeeded.
// Failures do not stop the remaining exports.
func Run(ctx context.Context, table resolution.DispatchTable, scans []resolution.ScanDescriptor) (int, error) {
	var (
		exported int
		errs     []error
	)
	for _, scan := range scans {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := table.Invoke(ctx, scan); err != nil {
			errs = append(errs, err)
			continue
		}
		exported++
	}
	return exported, errors.Join(errs...)
}
