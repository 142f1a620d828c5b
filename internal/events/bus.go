// Package events carries the execution event stream. One bus stamps,
// persists and fans out every event the workflow engine and the
// scheduling core emit; live subscribers observe what the durable log
// records.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/baton/pkg/schema"
)

const subscriberBuffer = 64

// EventSink is the durable half of the bus, usually the store's event
// log. Append failures surface to the caller but never stop fan-out.
type EventSink interface {
	AppendEvent(ctx context.Context, event *schema.Event) error
}

// Filter selects which events a subscriber receives. The zero value
// receives everything.
type Filter struct {
	ExecutionID string
	Types       []string
}

type subscriber struct {
	ch     chan *schema.Event
	filter Filter
}

// Bus is the in-process event pipeline. Callers hand over fresh events;
// the bus owns identity, sequence and timestamp stamping.
type Bus struct {
	sink EventSink

	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID atomic.Uint64

	seqMu sync.Mutex
	seqs  map[string]int64
}

// New creates a bus. A nil sink keeps events purely in-flight.
func New(sink EventSink) *Bus {
	return &Bus{
		sink: sink,
		subs: make(map[uint64]*subscriber),
		seqs: make(map[string]int64),
	}
}

// AppendEvent stamps the event, appends it to the durable sink and fans
// it out to matching subscribers. Fan-out never blocks; a slow
// subscriber loses events while the durable log stays complete. The
// returned error reflects only the sink write.
func (b *Bus) AppendEvent(ctx context.Context, event *schema.Event) error {
	if event == nil {
		return schema.NewError(schema.ErrCodeValidation, "nil event")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b.stamp(event)

	var sinkErr error
	if b.sink != nil {
		if err := b.sink.AppendEvent(ctx, event); err != nil {
			sinkErr = schema.NewErrorf(schema.ErrCodeStore, "append event: %s", err.Error()).WithCause(err)
		}
	}

	b.mu.RLock()
	for _, sub := range b.subs {
		if !matches(sub.filter, event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
	b.mu.RUnlock()
	return sinkErr
}

// stamp fills identity, timestamp and sequence when the caller left them
// empty. Sequences count per execution; events without an execution ID
// share the fleet stream.
func (b *Bus) stamp(event *schema.Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Sequence == 0 {
		b.seqMu.Lock()
		b.seqs[event.ExecutionID]++
		event.Sequence = b.seqs[event.ExecutionID]
		b.seqMu.Unlock()
	}
}

// Subscribe registers a filtered listener. The returned cancel func
// removes the subscription; the channel is buffered and never closed by
// the bus.
func (b *Bus) Subscribe(ctx context.Context, filter Filter) (<-chan *schema.Event, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	id := b.nextID.Add(1)
	ch := make(chan *schema.Event, subscriberBuffer)

	b.mu.Lock()
	b.subs[id] = &subscriber{ch: ch, filter: filter}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
	return ch, cancel, nil
}

func matches(f Filter, e *schema.Event) bool {
	if f.ExecutionID != "" && f.ExecutionID != e.ExecutionID {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
