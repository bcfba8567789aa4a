package events

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/pitabwire/complyflow/internal/observability"
	"github.com/pitabwire/complyflow/model"
)

// Handler consumes one state change. Handlers run on the subscriber's own
// goroutine, in publish order.
type Handler func(ctx context.Context, change model.StateChange)

// MemoryBus is an in-process Publisher. Each subscriber owns a FIFO mailbox
// drained by its own goroutine. Publish never waits on a handler, so a
// handler may itself publish, or call code that publishes, without stalling
// the bus. A mailbox growing past the warn threshold is logged.
type MemoryBus struct {
	logger  *zap.Logger
	metrics *observability.Metrics
	warnAt  int

	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	closed bool
	wg     sync.WaitGroup
}

type subscriber struct {
	name   string
	warnAt int
	logger *zap.Logger

	mu     sync.Mutex
	queue  []model.StateChange
	closed bool
	warned bool
	wake   chan struct{}
	done   chan struct{}
}

// NewMemoryBus creates a bus that warns once a subscriber has more than
// warnAt undelivered changes. metrics may be nil.
func NewMemoryBus(warnAt int, metrics *observability.Metrics, logger *zap.Logger) *MemoryBus {
	if warnAt <= 0 {
		warnAt = 1
	}
	return &MemoryBus{
		logger:  logger.Named("events"),
		metrics: metrics,
		warnAt:  warnAt,
		subs:    make(map[int]*subscriber),
	}
}

// Subscribe registers h and starts its delivery goroutine. The returned
// function unsubscribes and waits for queued changes to be delivered.
func (b *MemoryBus) Subscribe(name string, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	id := b.nextID
	b.nextID++
	s := &subscriber{
		name:   name,
		warnAt: b.warnAt,
		logger: b.logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	b.subs[id] = s
	b.wg.Add(1)
	b.mu.Unlock()

	go b.deliver(s, h)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				s.close()
			}
			b.mu.Unlock()
			<-s.done
		})
	}
}

func (s *subscriber) push(change model.StateChange) {
	s.mu.Lock()
	s.queue = append(s.queue, change)
	if n := len(s.queue); n > s.warnAt && !s.warned {
		s.warned = true
		s.logger.Warn("subscriber falling behind",
			zap.String("subscriber", s.name),
			zap.Int("backlog", n),
		)
	}
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// next blocks until a change is queued. It reports false once the
// subscriber is closed and its mailbox drained.
func (s *subscriber) next() (model.StateChange, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			change := s.queue[0]
			s.queue[0] = model.StateChange{}
			s.queue = s.queue[1:]
			if len(s.queue) == 0 {
				s.queue = nil
				s.warned = false
			}
			s.mu.Unlock()
			return change, true
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return model.StateChange{}, false
		}
		<-s.wake
	}
}

func (b *MemoryBus) deliver(s *subscriber, h Handler) {
	defer b.wg.Done()
	defer close(s.done)
	for {
		change, ok := s.next()
		if !ok {
			return
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panicked",
						zap.String("subscriber", s.name),
						zap.String("type", change.Type),
						zap.Any("panic", r),
					)
				}
			}()
			h(context.Background(), change)
		}()
	}
}

// Publish queues each change for every subscriber. It does not wait for
// delivery.
func (b *MemoryBus) Publish(ctx context.Context, changes ...model.StateChange) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}

	for _, change := range changes {
		for _, s := range b.subs {
			s.push(change)
		}
		b.metrics.RecordEventPublished(change.Type, nil)
	}
	return nil
}

// Close stops accepting changes, drains subscriber mailboxes and waits for
// handlers to return.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, s := range b.subs {
		s.close()
		delete(b.subs, id)
	}
	b.mu.Unlock()
	b.wg.Wait()
}
