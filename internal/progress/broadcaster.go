package progress

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/feichai0017/recipe-pipeline/pkg/logger"
)

// ErrObserverNotFound is returned for unknown or already removed observers.
var ErrObserverNotFound = errors.New("observer not found")

// DefaultStaleAfter is how long an observer may stay silent before a sweep drops it.
const DefaultStaleAfter = 5 * time.Minute

// Subscription is an observer's receiving end. Events is closed after a
// terminal event, on Unsubscribe, or when the observer is swept.
type Subscription struct {
	ID      string
	BatchID string
	Events  <-chan Event
}

type observer struct {
	id       string
	batchID  string
	ch       chan Event
	lastSeen time.Time
	// published counts Publish calls that reached this observer.
	published int
}

// BroadcasterOption customises a Broadcaster.
type BroadcasterOption func(*Broadcaster)

// WithBuffer sets the per-observer channel capacity.
func WithBuffer(n int) BroadcasterOption {
	return func(b *Broadcaster) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithBroadcasterClock replaces time.Now.
func WithBroadcasterClock(now func() time.Time) BroadcasterOption {
	return func(b *Broadcaster) { b.now = now }
}

// Broadcaster fans batch events out to observers. It lives for the process
// and is never persisted; observers re-subscribe after a restart.
type Broadcaster struct {
	mu        sync.Mutex
	batches   map[string]map[string]*observer
	observers map[string]*observer
	buffer    int
	now       func() time.Time
	logger    logger.Logger
}

func NewBroadcaster(log logger.Logger, opts ...BroadcasterOption) *Broadcaster {
	if log == nil {
		log = logger.NewNop()
	}
	b := &Broadcaster{
		batches:   make(map[string]map[string]*observer),
		observers: make(map[string]*observer),
		buffer:    64,
		now:       time.Now,
		logger:    log.Named("broadcaster"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers an observer for batchID and queues the subscribed event.
func (b *Broadcaster) Subscribe(batchID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	o := &observer{
		id:       uuid.New().String(),
		batchID:  batchID,
		ch:       make(chan Event, b.buffer),
		lastSeen: b.now(),
	}
	set, ok := b.batches[batchID]
	if !ok {
		set = make(map[string]*observer)
		b.batches[batchID] = set
	}
	set[o.id] = o
	b.observers[o.id] = o
	o.ch <- NewSubscribedEvent(batchID, o.id, o.lastSeen)

	b.logger.Debug("Observer subscribed",
		logger.String("batch_id", batchID),
		logger.String("observer_id", o.id),
	)
	return &Subscription{ID: o.id, BatchID: batchID, Events: o.ch}
}

// Unsubscribe removes the observer and closes its channel.
func (b *Broadcaster) Unsubscribe(observerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.observers[observerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrObserverNotFound, observerID)
	}
	b.remove(o)
	b.logger.Debug("Observer unsubscribed",
		logger.String("batch_id", o.batchID),
		logger.String("observer_id", observerID),
	)
	return nil
}

// Publish delivers e to every observer of batchID and returns how many
// received it. Delivery never blocks: a full observer loses a progress event,
// and a terminal event displaces the oldest queued one so it always arrives.
// Observers are closed and removed after a terminal event.
func (b *Broadcaster) Publish(batchID string, e Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	delivered := 0
	for _, o := range b.batches[batchID] {
		o.published++
		if b.deliver(o, e) {
			delivered++
		}
	}
	return delivered
}

// Send delivers e to a single observer, for replaying state to a late subscriber.
func (b *Broadcaster) Send(observerID string, e Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.observers[observerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrObserverNotFound, observerID)
	}
	if !b.deliver(o, e) {
		return fmt.Errorf("observer %s buffer full", observerID)
	}
	return nil
}

// Replay sends a state snapshot taken after Subscribe. A non-terminal
// snapshot is skipped once a published event has reached the observer, since
// that event is at least as new. It reports whether e was queued.
func (b *Broadcaster) Replay(observerID string, e Event) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.observers[observerID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrObserverNotFound, observerID)
	}
	if o.published > 0 && !e.Terminal() {
		return false, nil
	}
	if !b.deliver(o, e) {
		return false, fmt.Errorf("observer %s buffer full", observerID)
	}
	return true, nil
}

// deliver must be called with mu held.
func (b *Broadcaster) deliver(o *observer, e Event) bool {
	ok := offer(o.ch, e)
	if !ok && e.Terminal() {
		select {
		case <-o.ch:
		default:
		}
		ok = offer(o.ch, e)
	}
	if !ok {
		b.logger.Warn("Observer buffer full, dropping event",
			logger.String("batch_id", o.batchID),
			logger.String("observer_id", o.id),
			logger.String("event", string(e.Type)),
		)
	}
	if e.Terminal() {
		b.remove(o)
	}
	return ok
}

func offer(ch chan Event, e Event) bool {
	select {
	case ch <- e:
		return true
	default:
		return false
	}
}

// remove must be called with mu held.
func (b *Broadcaster) remove(o *observer) {
	if _, ok := b.observers[o.id]; !ok {
		return
	}
	delete(b.observers, o.id)
	if set, ok := b.batches[o.batchID]; ok {
		delete(set, o.id)
		if len(set) == 0 {
			delete(b.batches, o.batchID)
		}
	}
	close(o.ch)
}

// Touch marks the observer as active.
func (b *Broadcaster) Touch(observerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.observers[observerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrObserverNotFound, observerID)
	}
	o.lastSeen = b.now()
	return nil
}

// Sweep drops observers not touched for longer than staleAfter.
func (b *Broadcaster) Sweep(staleAfter time.Duration) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	var removed []string
	for id, o := range b.observers {
		if now.Sub(o.lastSeen) > staleAfter {
			b.remove(o)
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		b.logger.Info("Swept stale observers",
			logger.Int("count", len(removed)),
			logger.Duration("stale_after", staleAfter),
		)
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (b *Broadcaster) Run(ctx context.Context, interval, staleAfter time.Duration) {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Sweep(staleAfter)
		}
	}
}

// BatchObservers is one line of Stats.
type BatchObservers struct {
	BatchID   string `json:"batchId"`
	Observers int    `json:"observers"`
}

// Stats describes the current observer map.
type Stats struct {
	TotalBatches   int              `json:"totalBatches"`
	TotalObservers int              `json:"totalObservers"`
	PerBatch       []BatchObservers `json:"perBatchObserverCounts"`
}

func (b *Broadcaster) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		TotalBatches:   len(b.batches),
		TotalObservers: len(b.observers),
		PerBatch:       make([]BatchObservers, 0, len(b.batches)),
	}
	for id, set := range b.batches {
		s.PerBatch = append(s.PerBatch, BatchObservers{BatchID: id, Observers: len(set)})
	}
	sort.Slice(s.PerBatch, func(i, j int) bool { return s.PerBatch[i].BatchID < s.PerBatch[j].BatchID })
	return s
}
