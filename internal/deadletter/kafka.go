package deadletter

import (
	"context"
	"fmt"
	"strconv"
)

// Publisher is the subset of kafka.Producer used by KafkaSink.
type Publisher interface {
	Publish(ctx context.Context, key string, value any, headers map[string]string) error
}

// KafkaSink republishes records to a dead-letter topic keyed by their
// source position.
type KafkaSink struct {
	pub Publisher
}

func NewKafkaSink(pub Publisher) *KafkaSink {
	return &KafkaSink{pub: pub}
}

func (s *KafkaSink) Send(ctx context.Context, rec Record) error {
	rec = stamp(rec)
	key := fmt.Sprintf("%s/%d/%d", rec.Topic, rec.Partition, rec.Offset)
	headers := map[string]string{
		"dlq-stage":            rec.Stage,
		"dlq-source-topic":     rec.Topic,
		"dlq-source-partition": strconv.Itoa(rec.Partition),
		"dlq-source-offset":    strconv.FormatInt(rec.Offset, 10),
	}
	if err := s.pub.Publish(ctx, key, rec, headers); err != nil {
		return fmt.Errorf("publishing dead letter %s: %w", key, err)
	}
	return nil
}
