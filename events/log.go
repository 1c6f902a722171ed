package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vinayprograms/taskmesh/state"
)

// ring is a fixed-capacity FIFO of events. Not safe for concurrent use.
type ring struct {
	buf   []Event
	start int
	size  int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Event, capacity)}
}

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	idx := (r.start + r.size) % len(r.buf)
	r.buf[idx] = e
	if r.size < len(r.buf) {
		r.size++
		return
	}
	r.start = (r.start + 1) % len(r.buf)
}

// last returns up to n of the newest events, oldest first.
// n <= 0 returns everything retained.
func (r *ring) last(n int) []Event {
	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]Event, n)
	skip := r.size - n
	for i := 0; i < n; i++ {
		out[i] = r.buf[(r.start+skip+i)%len(r.buf)]
	}
	return out
}

// eventKey orders persisted events lexically by time, then id.
func eventKey(e Event) string {
	return fmt.Sprintf("%s%020d-%s", keyPrefix(e.Kind), e.Timestamp.UnixNano(), strings.ReplaceAll(e.ID, "-", ""))
}

func keyPrefix(k Kind) string {
	return "events." + string(k) + "."
}

// persist writes e to the store.
func persist(ctx context.Context, store state.StateStore, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := store.Put(ctx, eventKey(e), data); err != nil {
		return fmt.Errorf("persist event: %w", err)
	}
	return nil
}

// trim deletes the oldest persisted events of kind beyond keep.
func trim(ctx context.Context, store state.StateStore, kind Kind, keep int) (int, error) {
	keys, err := store.Keys(ctx, keyPrefix(kind)+"*")
	if err != nil {
		return 0, fmt.Errorf("list events: %w", err)
	}
	excess := len(keys) - keep
	removed := 0
	for i := 0; i < excess; i++ {
		if err := store.Delete(ctx, keys[i]); err != nil {
			return removed, fmt.Errorf("trim events: %w", err)
		}
		removed++
	}
	return removed, nil
}

// restore loads the newest keep events of kind, oldest first.
func restore(ctx context.Context, store state.StateStore, kind Kind, keep int) ([]Event, error) {
	keys, err := store.Keys(ctx, keyPrefix(kind)+"*")
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	if len(keys) > keep {
		keys = keys[len(keys)-keep:]
	}
	out := make([]Event, 0, len(keys))
	for _, key := range keys {
		kv, err := store.Get(ctx, key)
		if err == state.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load event %s: %w", key, err)
		}
		var e Event
		if err := json.Unmarshal(kv.Value, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
