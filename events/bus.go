package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/taskmesh/bus"
	"github.com/vinayprograms/taskmesh/logging"
	"github.com/vinayprograms/taskmesh/state"
)

// DefaultRetention is the number of events kept per kind.
const DefaultRetention = 1000

// Bus is the lifecycle event log. Published events are appended to a
// bounded per-kind window, optionally persisted, and fanned out to live
// subscribers over a MessageBus.
type Bus struct {
	transport bus.MessageBus
	store     state.StateStore
	retention int
	logger    *logging.Logger
	now       func() time.Time

	mu       sync.RWMutex
	logs     map[Kind]*ring
	written  map[Kind]int
	subs     map[*subscription]struct{}
	closed   bool
	trimming sync.Mutex
}

// Option configures a Bus.
type Option func(*Bus)

// WithStore persists the retained window so it survives restarts.
func WithStore(s state.StateStore) Option {
	return func(b *Bus) { b.store = s }
}

// WithRetention sets how many events per kind are kept.
func WithRetention(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.retention = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(b *Bus) { b.logger = l.WithComponent("events") }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// New creates an event bus over transport.
func New(transport bus.MessageBus, opts ...Option) *Bus {
	b := &Bus{
		transport: transport,
		retention: DefaultRetention,
		logger:    logging.Discard(),
		now:       time.Now,
		logs:      make(map[Kind]*ring),
		written:   make(map[Kind]int),
		subs:      make(map[*subscription]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	for _, k := range []Kind{KindTask, KindAgent} {
		b.logs[k] = newRing(b.retention)
	}
	return b
}

// Restore reloads the retained window from the store, if one is set.
func (b *Bus) Restore(ctx context.Context) error {
	if b.store == nil {
		return nil
	}
	for _, k := range []Kind{KindTask, KindAgent} {
		evs, err := restore(ctx, b.store, k, b.retention)
		if err != nil {
			return err
		}
		b.mu.Lock()
		r := newRing(b.retention)
		for _, e := range evs {
			r.push(e)
		}
		b.logs[k] = r
		b.mu.Unlock()
		b.logger.Debug("events_restored", map[string]interface{}{"kind": k, "count": len(evs)})
	}
	return nil
}

// Publish appends an event and fans it out. Failures are logged and never
// returned; a broken observer must not abort a state transition.
func (b *Bus) Publish(ctx context.Context, kind Kind, typ Type, entityID string, payload interface{}) {
	e := Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Kind:      kind,
		EntityID:  entityID,
		Timestamp: b.now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			b.logger.Warn("event_payload_unmarshalable", map[string]interface{}{
				"type": typ, "entity": entityID, "error": err.Error(),
			})
		} else {
			e.Payload = raw
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	r, ok := b.logs[kind]
	if !ok {
		r = newRing(b.retention)
		b.logs[kind] = r
	}
	r.push(e)
	b.written[kind]++
	needTrim := b.store != nil && b.written[kind]%trimEvery(b.retention) == 0
	b.mu.Unlock()

	if b.store != nil {
		if err := persist(ctx, b.store, e); err != nil {
			b.logger.Warn("event_persist_failed", map[string]interface{}{"type": typ, "error": err.Error()})
		}
		if needTrim {
			b.trim(ctx, kind)
		}
	}

	data, err := json.Marshal(e)
	if err != nil {
		b.logger.Error("event_marshal_failed", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := b.transport.Publish(kind.Subject(), data); err != nil {
		b.logger.Warn("event_publish_failed", map[string]interface{}{
			"type": typ, "entity": entityID, "error": err.Error(),
		})
	}
}

func trimEvery(retention int) int {
	n := retention / 10
	if n < 1 {
		n = 1
	}
	return n
}

func (b *Bus) trim(ctx context.Context, kind Kind) {
	if !b.trimming.TryLock() {
		return
	}
	defer b.trimming.Unlock()
	removed, err := trim(ctx, b.store, kind, b.retention)
	if err != nil {
		b.logger.Warn("event_trim_failed", map[string]interface{}{"kind": kind, "error": err.Error()})
		return
	}
	if removed > 0 {
		b.logger.Debug("events_trimmed", map[string]interface{}{"kind": kind, "removed": removed})
	}
}

// Recent returns up to n of the newest retained events of kind, oldest
// first. n <= 0 returns the whole window.
func (b *Bus) Recent(kind Kind, n int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.logs[kind]
	if !ok {
		return []Event{}
	}
	return r.last(n)
}

type subscription struct {
	sub  bus.Subscription
	done chan struct{}
	once sync.Once
}

// Subscribe delivers every future event of kind to h on a dedicated
// goroutine. Events published while h's queue is full are dropped. The
// returned function unsubscribes and is safe to call more than once.
func (b *Bus) Subscribe(kind Kind, h Handler) (func(), error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, bus.ErrClosed
	}
	sub, err := b.transport.Subscribe(kind.Subject())
	if err != nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("subscribe %s: %w", kind, err)
	}
	s := &subscription{sub: sub, done: make(chan struct{})}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go b.deliver(kind, s, h)

	return func() { b.unsubscribe(s) }, nil
}

func (b *Bus) deliver(kind Kind, s *subscription, h Handler) {
	defer close(s.done)
	for msg := range s.sub.Messages() {
		var e Event
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			b.logger.Warn("event_decode_failed", map[string]interface{}{"subject": msg.Subject, "error": err.Error()})
			continue
		}
		b.invoke(kind, h, e)
	}
}

func (b *Bus) invoke(kind Kind, h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.HandlerPanic(kind.Subject(), r)
		}
	}()
	h(e)
}

func (b *Bus) unsubscribe(s *subscription) {
	s.once.Do(func() {
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
		if err := s.sub.Unsubscribe(); err != nil {
			b.logger.Debug("event_unsubscribe", map[string]interface{}{"error": err.Error()})
		}
	})
}

// Close ends every subscription and waits for in-flight handlers to return.
// The transport belongs to the caller.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		b.unsubscribe(s)
		<-s.done
	}
	return nil
}
