package environment

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/crucible-sim/crucible/log"
)

func testLog(addr common.Address) *types.Log {
	return &types.Log{Address: addr}
}

func TestBroadcasterFanOut(t *testing.T) {
	b := newEventBroadcaster(log.Default())

	_, first := b.Subscribe()
	_, second := b.Subscribe()

	event := &Event{Logs: []*types.Log{testLog(common.HexToAddress("0x01"))}}
	b.send(event)

	for i, ch := range []<-chan Broadcast{first, second} {
		select {
		case got := <-ch:
			received, ok := got.(*Event)
			if !ok {
				t.Fatalf("subscriber %d received %T, want *Event", i, got)
			}
			if len(received.Logs) != 1 {
				t.Errorf("subscriber %d received %d logs, want 1", i, len(received.Logs))
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d received nothing", i)
		}
	}
}

func TestBroadcasterStopSignal(t *testing.T) {
	b := newEventBroadcaster(log.Default())
	_, ch := b.Subscribe()

	b.send(&StopSignal{})

	select {
	case got := <-ch:
		if _, ok := got.(*StopSignal); !ok {
			t.Fatalf("received %T, want *StopSignal", got)
		}
	case <-time.After(time.Second):
		t.Fatal("received nothing")
	}
}

// A subscriber that falls behind loses events; the sender never blocks.
func TestBroadcasterLossy(t *testing.T) {
	b := newEventBroadcaster(log.Default())
	_, ch := b.Subscribe()

	sendDone := make(chan struct{})
	go func() {
		defer close(sendDone)
		for i := 0; i < subscriberBuffer+100; i++ {
			b.send(&Event{})
		}
	}()

	select {
	case <-sendDone:
	case <-time.After(5 * time.Second):
		t.Fatal("send blocked on a full subscriber")
	}

	var drained int
	for {
		select {
		case <-ch:
			drained++
		default:
			if drained != subscriberBuffer {
				t.Errorf("drained %d events, want %d", drained, subscriberBuffer)
			}
			return
		}
	}
}

func TestBroadcasterUnsubscribe(t *testing.T) {
	b := newEventBroadcaster(log.Default())
	id, ch := b.Subscribe()

	b.Unsubscribe(id)

	if _, open := <-ch; open {
		t.Fatal("channel still open after Unsubscribe")
	}

	// Double unsubscribe is harmless.
	b.Unsubscribe(id)
}

// An event with no subscribers is dropped without blocking; the
// transaction path is unaffected.
func TestBroadcasterNoSubscribers(t *testing.T) {
	b := newEventBroadcaster(log.Default())
	b.send(&Event{Logs: []*types.Log{testLog(common.HexToAddress("0x01"))}})
	b.send(&Event{}) // the warning fires only once
	b.send(&StopSignal{})
}
