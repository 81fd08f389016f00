package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/xraph/haul/backoff"
)

var (
	// ErrOutboxFull is reported to the drop handler when the buffer is full.
	ErrOutboxFull = errors.New("notify: outbox full")
	// ErrOutboxClosed is reported for events published after Stop.
	ErrOutboxClosed = errors.New("notify: outbox closed")
)

// DropHandler is told about every event the outbox gives up on.
type DropHandler func(ctx context.Context, e Event, err error)

// Outbox decouples request handling from delivery. Publish never blocks;
// workers batch events, respect a rate limit and retry with backoff.
type Outbox struct {
	sink        Sink
	ch          chan Event
	workers     int
	batchSize   int
	maxAttempts int
	attemptTTL  time.Duration
	backoff     backoff.Strategy
	limiter     *rate.Limiter
	onDrop      DropHandler
	logger      *slog.Logger

	mu      sync.RWMutex
	running bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// OutboxOption configures an Outbox.
type OutboxOption func(*Outbox)

// WithWorkers sets the number of delivery goroutines.
func WithWorkers(n int) OutboxOption { return func(o *Outbox) { o.workers = n } }

// WithBuffer sets the queue capacity.
func WithBuffer(n int) OutboxOption { return func(o *Outbox) { o.ch = make(chan Event, n) } }

// WithBatchSize caps events per Deliver call.
func WithBatchSize(n int) OutboxOption { return func(o *Outbox) { o.batchSize = n } }

// WithMaxAttempts bounds delivery attempts per batch.
func WithMaxAttempts(n int) OutboxOption { return func(o *Outbox) { o.maxAttempts = n } }

// WithBackoff sets the retry strategy.
func WithBackoff(s backoff.Strategy) OutboxOption { return func(o *Outbox) { o.backoff = s } }

// WithRateLimit caps delivered events per second. Zero disables it.
func WithRateLimit(perSecond float64, burst int) OutboxOption {
	return func(o *Outbox) {
		if perSecond <= 0 {
			o.limiter = nil
			return
		}
		o.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	}
}

// WithDropHandler sets the drop handler.
func WithDropHandler(h DropHandler) OutboxOption { return func(o *Outbox) { o.onDrop = h } }

// WithOutboxLogger sets the logger.
func WithOutboxLogger(l *slog.Logger) OutboxOption { return func(o *Outbox) { o.logger = l } }

// NewOutbox creates an Outbox delivering to sink.
func NewOutbox(sink Sink, opts ...OutboxOption) *Outbox {
	o := &Outbox{
		sink:        sink,
		ch:          make(chan Event, 1024),
		workers:     2,
		batchSize:   50,
		maxAttempts: 5,
		attemptTTL:  10 * time.Second,
		backoff:     backoff.DefaultStrategy(),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Publish enqueues events. Events that do not fit are dropped and reported.
func (o *Outbox) Publish(ctx context.Context, events ...Event) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	for _, e := range events {
		if o.closed {
			o.drop(ctx, e, ErrOutboxClosed)
			continue
		}
		select {
		case o.ch <- e:
		default:
			o.drop(ctx, e, ErrOutboxFull)
		}
	}
}

// Start launches the delivery workers.
func (o *Outbox) Start(_ context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running || o.closed {
		return nil
	}
	o.running = true

	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	for range o.workers {
		o.wg.Add(1)
		go o.deliverLoop(ctx)
	}
	return nil
}

// Stop stops accepting events and drains the queue until ctx ends.
func (o *Outbox) Stop(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	running := o.running
	close(o.ch)
	o.mu.Unlock()

	if !running {
		return nil
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		o.logger.Warn("notify: outbox drain timed out, abandoning queued events")
		o.cancel()
		<-done
	}
	o.cancel()
	return nil
}

// Pending returns the number of queued events.
func (o *Outbox) Pending() int { return len(o.ch) }

func (o *Outbox) deliverLoop(ctx context.Context) {
	defer o.wg.Done()

	for {
		first, ok := <-o.ch
		if !ok {
			return
		}
		batch := []Event{first}
	fill:
		for len(batch) < o.batchSize {
			select {
			case e, ok := <-o.ch:
				if !ok {
					break fill
				}
				batch = append(batch, e)
			default:
				break fill
			}
		}
		o.deliver(ctx, batch)
	}
}

func (o *Outbox) deliver(ctx context.Context, batch []Event) {
	err := backoff.Retry(ctx, o.backoff, o.maxAttempts, nil, func(ctx context.Context) error {
		if o.limiter != nil {
			if err := o.limiter.WaitN(ctx, min(len(batch), o.limiter.Burst())); err != nil {
				return err
			}
		}
		attemptCtx, cancel := context.WithTimeout(ctx, o.attemptTTL)
		defer cancel()
		return o.sink.Deliver(attemptCtx, batch)
	})
	if err == nil {
		return
	}

	o.logger.Error("notify: delivery failed, dropping batch",
		slog.Int("events", len(batch)),
		slog.String("error", err.Error()),
	)
	for _, e := range batch {
		o.drop(ctx, e, err)
	}
}

func (o *Outbox) drop(ctx context.Context, e Event, err error) {
	if o.onDrop != nil {
		o.onDrop(ctx, e, err)
		return
	}
	o.logger.Warn("notify: event dropped",
		slog.String("event_id", e.ID),
		slog.String("kind", string(e.Kind)),
		slog.String("error", err.Error()),
	)
}
