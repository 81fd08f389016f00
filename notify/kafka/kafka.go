// Package kafka delivers notify events to a Kafka topic consumed by the
// push-notification dispatcher. One message is written per event, keyed by
// recipient so a recipient's events stay ordered within a partition.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"github.com/xraph/haul/notify"
)

// Header keys set on every message.
const (
	HeaderEventID     = "event-id"
	HeaderEventType   = "event-type"
	HeaderRequestID   = "request-id"
	HeaderContentType = "content-type"
)

// ErrSinkClosed is returned after Close.
var ErrSinkClosed = errors.New("haul/kafka: sink closed")

// Writer is the subset of *kafka.Writer the sink uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Config configures a Sink.
type Config struct {
	Brokers      []string
	Topic        string
	Compression  string
	RequiredAcks int
	BatchTimeout time.Duration
	MaxAttempts  int
}

// Sink is a notify.Sink over a Kafka writer.
type Sink struct {
	writer Writer
	codec  notify.Codec
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// Option configures a Sink.
type Option func(*Sink)

// WithCodec sets the event codec. JSON by default.
func WithCodec(c notify.Codec) Option { return func(s *Sink) { s.codec = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Sink) { s.logger = l } }

// New creates a Sink writing to cfg.Topic.
func New(cfg Config, opts ...Option) (*Sink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("haul/kafka: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("haul/kafka: topic is required")
	}

	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: requiredAcks(cfg.RequiredAcks),
		Compression:  compression(cfg.Compression),
		MaxAttempts:  cfg.MaxAttempts,
		BatchTimeout: cfg.BatchTimeout,
	}
	return NewWithWriter(w, opts...), nil
}

// NewWithWriter creates a Sink over an existing writer.
func NewWithWriter(w Writer, opts ...Option) *Sink {
	s := &Sink{
		writer: w,
		codec:  notify.JSONCodec{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Deliver implements notify.Sink.
func (s *Sink) Deliver(ctx context.Context, events []notify.Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}

	msgs := make([]kafkago.Message, 0, len(events))
	for _, e := range events {
		msg, err := s.message(e)
		if err != nil {
			// An event that cannot be encoded will never succeed; skip it.
			s.logger.Error("haul/kafka: encode event",
				slog.String("event_id", e.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return nil
	}

	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("haul/kafka: write %d messages: %w", len(msgs), err)
	}
	return nil
}

// Close flushes and closes the writer.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.writer.Close()
}

func (s *Sink) message(e notify.Event) (kafkago.Message, error) {
	value, err := s.codec.Encode(e)
	if err != nil {
		return kafkago.Message{}, err
	}
	return kafkago.Message{
		Key:   []byte(e.Recipient),
		Value: value,
		Time:  e.OccurredAt,
		Headers: []kafkago.Header{
			{Key: HeaderEventID, Value: []byte(e.ID)},
			{Key: HeaderEventType, Value: []byte(e.Kind)},
			{Key: HeaderRequestID, Value: []byte(e.RequestID)},
			{Key: HeaderContentType, Value: []byte(s.codec.ContentType())},
		},
	}, nil
}

func compression(name string) compress.Compression {
	switch strings.ToLower(name) {
	case "gzip":
		return compress.Gzip
	case "lz4":
		return compress.Lz4
	case "zstd":
		return compress.Zstd
	case "none":
		return 0
	default:
		return compress.Snappy
	}
}

func requiredAcks(n int) kafkago.RequiredAcks {
	switch n {
	case 0:
		return kafkago.RequireNone
	case 1:
		return kafkago.RequireOne
	default:
		return kafkago.RequireAll
	}
}
