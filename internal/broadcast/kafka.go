package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/jonathanhollander/assetforge/internal/models"
)

// KafkaSinkConfig configures the optional progress-event egress to Kafka.
type KafkaSinkConfig struct {
	Brokers []string
	Topic   string

	// MaxAttempts is how many times a produce is retried on transient error.
	// Defaults to 3 if <= 0.
	MaxAttempts int

	// WriteTimeout is the per-attempt timeout. Defaults to 10s if zero.
	WriteTimeout time.Duration
}

// KafkaSink subscribes to a Broadcaster and mirrors every ProgressEvent onto
// a Kafka topic, keyed by batch id so one batch's events stay ordered within
// a partition. Losing Kafka never stalls the pipeline: the sink consumes
// through its own bounded subscription like any other observer.
type KafkaSink struct {
	writer      *kafka.Writer
	maxAttempts int
}

// NewKafkaSink constructs the sink.
func NewKafkaSink(cfg KafkaSinkConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka sink: topic required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		Async:        false,
	})
	return &KafkaSink{writer: w, maxAttempts: cfg.MaxAttempts}, nil
}

// Run consumes the subscription until ctx is cancelled or the subscription
// channel closes. Intended to run in its own goroutine.
func (s *KafkaSink) Run(ctx context.Context, sub *Subscription) {
	defer func() {
		if err := s.writer.Close(); err != nil {
			log.Printf("[broadcast.kafka] close writer: %v", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if err := s.produce(ctx, ev); err != nil {
				log.Printf("[broadcast.kafka] produce event seq=%d: %v", ev.Seq, err)
			}
		}
	}
}

func (s *KafkaSink) produce(ctx context.Context, ev models.ProgressEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	var lastErr error
	backoff := 100 * time.Millisecond
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := s.writer.WriteMessages(attemptCtx, kafka.Message{
			Key:   []byte(ev.BatchID.String()),
			Value: value,
			Time:  ev.TS,
		})
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		time.Sleep(backoff)
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	return fmt.Errorf("produce failed after %d attempts: %w", s.maxAttempts, lastErr)
}
