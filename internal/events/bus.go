package events

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-microbatch"
	"github.com/rs/zerolog"

	"github.com/swarmctl/orchestrator/internal/orcherr"
)

// DurableLog is the append-only persistence hook for published events
// (spec.md §4.2 durability note). It is satisfied by internal/store.Store;
// a nil log simply means the bus runs without a replay log.
type DurableLog interface {
	AppendEvent(e *Event) error
}

// Config tunes the bus's flush/retry behavior (spec.md §6 defaults).
type Config struct {
	BufferSize    int
	FlushInterval time.Duration
	BatchSize     int
	MaxRetries    int
	RetryDelay    time.Duration
}

type subscriber struct {
	id      string
	handler Handler
}

// Bus is the single named event stream for a process. Publish is O(1) and
// non-blocking; a background batcher (github.com/joeycumines/go-microbatch)
// drains the buffer on a fixed interval, groups each flush by descending
// priority, and delivers the resulting batch to every subscriber with
// linear-backoff retries.
type Bus struct {
	cfg   Config
	log   zerolog.Logger
	store DurableLog

	mu          sync.RWMutex
	filters     map[string]Filter
	subscribers map[string]*subscriber

	buffer  chan *Event
	batcher *microbatch.Batcher[*Event]

	dropped   uint64
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewBus creates an event bus and starts its flush pipeline. Call Close to
// drain and stop it.
func NewBus(cfg Config, store DurableLog, log zerolog.Logger) *Bus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 200 * time.Millisecond
	}

	b := &Bus{
		cfg:         cfg,
		log:         log.With().Str("component", "eventbus").Logger(),
		store:       store,
		filters:     make(map[string]Filter),
		subscribers: make(map[string]*subscriber),
		buffer:      make(chan *Event, cfg.BufferSize),
		done:        make(chan struct{}),
	}

	b.batcher = microbatch.NewBatcher(
		&microbatch.BatcherConfig{
			MaxSize:        cfg.BatchSize,
			FlushInterval:  cfg.FlushInterval,
			MaxConcurrency: 1, // preserves per-partition publish ordering across flushes
		},
		b.processBatch,
	)

	b.wg.Add(1)
	go b.forward()

	return b
}

// forward drains the bounded buffer into the microbatch pipeline. Submit is
// allowed to block here — backpressure was already applied at Publish time
// by the non-blocking buffer send.
func (b *Bus) forward() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case e := <-b.buffer:
			if _, err := b.batcher.Submit(context.Background(), e); err != nil {
				b.log.Warn().Err(err).Str("event_id", e.ID).Msg("failed to submit event to batcher")
			}
		}
	}
}

// Publish admits an event to the bus. It returns false only when the
// bounded buffer is full; a filter rejection also returns false but is not
// counted against the dropped-event total (spec.md §4.2).
func (b *Bus) Publish(eventType EventType, payload map[string]interface{}, partitionKey string, priority int, tags []string) bool {
	e := newEvent(eventType, payload, partitionKey, priority, tags)

	b.mu.RLock()
	for _, f := range b.filters {
		if !f(e) {
			b.mu.RUnlock()
			return false
		}
	}
	b.mu.RUnlock()

	if b.store != nil {
		if err := b.store.AppendEvent(e); err != nil {
			b.log.Error().Err(err).Str("event_id", e.ID).Msg("failed to append event to durable log")
		}
	}

	select {
	case b.buffer <- e:
		return true
	default:
		atomic.AddUint64(&b.dropped, 1)
		b.log.Warn().Str("event_type", string(eventType)).Str("event_id", e.ID).Msg("event dropped: buffer full")
		return false
	}
}

// Subscribe registers a handler to receive every flushed batch. A
// previously registered consumerID is replaced.
func (b *Bus) Subscribe(consumerID string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[consumerID] = &subscriber{id: consumerID, handler: handler}
}

// Unsubscribe removes a subscriber.
func (b *Bus) Unsubscribe(consumerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, consumerID)
}

// AddFilter registers a predicate that must pass for every future Publish.
func (b *Bus) AddFilter(name string, predicate Filter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.filters[name] = predicate
}

// RemoveFilter removes a previously registered filter.
func (b *Bus) RemoveFilter(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.filters, name)
}

// DroppedCount returns the total number of events dropped for a full buffer.
func (b *Bus) DroppedCount() uint64 {
	return atomic.LoadUint64(&b.dropped)
}

// processBatch is the microbatch BatchProcessor: it orders the flush by
// descending priority, then hands the batch to every subscriber with
// linear-backoff retries (spec.md §4.2 delivery protocol).
func (b *Bus) processBatch(ctx context.Context, jobs []*Event) error {
	batch := make([]Event, len(jobs))
	for i, e := range jobs {
		batch[i] = *e
	}
	sort.SliceStable(batch, func(i, j int) bool { return batch[i].Priority > batch[j].Priority })

	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliverWithRetry(s, batch)
	}
	return nil
}

// deliverWithRetry retries a single subscriber's delivery up to MaxRetries
// times with linear backoff retry_delay*(attempt+1), per spec.md §4.2.
func (b *Bus) deliverWithRetry(s *subscriber, batch []Event) {
	var lastErr error
	for attempt := 0; attempt <= b.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(b.cfg.RetryDelay * time.Duration(attempt))
		}
		if err := s.handler(batch); err != nil {
			lastErr = err
			continue
		}
		return
	}
	b.log.Error().Err(lastErr).Str("consumer_id", s.id).Int("batch_size", len(batch)).
		Msg("subscriber delivery exhausted retries")
}

// Close stops the flush pipeline, waiting for in-flight batches to drain.
func (b *Bus) Close(ctx context.Context) error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		b.wg.Wait()
		err = b.batcher.Shutdown(ctx)
	})
	if err != nil {
		return orcherr.New(orcherr.KindTimeout, "eventbus", "shutdown did not complete in time", err)
	}
	return nil
}
