package environment

import (
	"sync"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/crucible-sim/crucible/log"
	"github.com/crucible-sim/crucible/metrics"
)

// subscriberBuffer is the per-subscriber queue depth. Subscribers that fall
// this far behind lose events rather than stall the worker.
const subscriberBuffer = 512

// Broadcast is one message on the event bus.
type Broadcast interface {
	isBroadcast()
}

// StopSignal announces environment shutdown to all subscribers.
type StopSignal struct{}

// Event carries the logs emitted by one committed transaction.
type Event struct {
	Logs []*types.Log
}

func (*StopSignal) isBroadcast() {}
func (*Event) isBroadcast()      {}

// EventBroadcaster fans worker broadcasts out to subscribers. Sends never
// block: a subscriber whose queue is full simply misses the message. The
// worker is the only producer.
type EventBroadcaster struct {
	mu     sync.Mutex
	subs   map[uint64]chan Broadcast
	nextID uint64
	warned bool

	logger *log.Logger
}

// newEventBroadcaster creates a broadcaster with no subscribers.
func newEventBroadcaster(logger *log.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		subs:   make(map[uint64]chan Broadcast),
		logger: logger,
	}
}

// Subscribe registers a new subscriber and returns its id together with
// the receive channel. The channel is buffered; see subscriberBuffer.
func (b *EventBroadcaster) Subscribe() (uint64, <-chan Broadcast) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Broadcast, subscriberBuffer)
	b.subs[id] = ch
	metrics.Subscribers.Inc()
	return id, ch
}

// Unsubscribe removes a subscriber. Its channel is closed so pending
// readers observe end-of-stream.
func (b *EventBroadcaster) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
		metrics.Subscribers.Dec()
	}
}

// send delivers the broadcast to every subscriber without blocking. When a
// transaction event finds no subscribers at all, a warning is logged once
// per broadcaster; the transaction itself is unaffected.
func (b *EventBroadcaster) send(bc Broadcast) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.subs) == 0 {
		if _, ok := bc.(*Event); ok && !b.warned {
			b.warned = true
			b.logger.Warn("event was not sent to any listeners; are there any listeners?")
		}
		return
	}

	metrics.EventsBroadcast.Inc()
	for _, ch := range b.subs {
		select {
		case ch <- bc:
		default:
			metrics.EventsDropped.Inc()
		}
	}
}
