package failures

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/solatis/populator/internal/types"
)

// KafkaWriter is the subset of *kafka.Writer the sink uses, so tests can
// substitute a recorder.
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter returns a writer publishing to topic. Messages with the same
// key land on the same partition.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
}

// failureEvent is the JSON message value.
type failureEvent struct {
	TenantID   string `json:"tenantId,omitempty"`
	RecordType string `json:"recordType,omitempty"`
	types.FailureReport
	ReportedAt time.Time `json:"reportedAt"`
}

// KafkaSink publishes one message per failure, keyed by record id (or the
// record's batch index when it has none).
type KafkaSink struct {
	writer KafkaWriter
	now    func() time.Time
}

func NewKafkaSink(w KafkaWriter) *KafkaSink {
	return &KafkaSink{writer: w, now: time.Now}
}

func (s *KafkaSink) Report(ctx context.Context, reports []types.FailureReport) error {
	origin := OriginFromContext(ctx)
	reportedAt := s.now().UTC()

	msgs := make([]kafka.Message, 0, len(reports))
	for _, r := range reports {
		value, err := json.Marshal(failureEvent{
			TenantID:      origin.TenantID,
			RecordType:    origin.RecordType,
			FailureReport: r,
			ReportedAt:    reportedAt,
		})
		if err != nil {
			return fmt.Errorf("encode failure event: %w", err)
		}

		key := string(r.RecordID)
		if key == "" {
			key = fmt.Sprintf("%s/%d", origin.RecordType, r.Index)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(key),
			Value: value,
			Headers: []kafka.Header{
				{Key: "tenant_id", Value: []byte(origin.TenantID)},
				{Key: "phase", Value: []byte(r.Phase)},
			},
		})
	}

	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish %d failure events: %w", len(msgs), err)
	}
	return nil
}

// Close closes the underlying writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
