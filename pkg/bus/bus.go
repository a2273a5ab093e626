package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// EventKind classifies outbound events crossing the presentation boundary.
type EventKind string

const (
	// EventDelta carries one incremental chunk of a streaming answer.
	EventDelta EventKind = "delta"
	// EventFinal carries the complete answer for a finished turn.
	EventFinal EventKind = "final"
	// EventState announces a coordinator state transition.
	EventState EventKind = "state"
	// EventError carries a user-facing turn failure.
	EventError EventKind = "error"
)

// InboundMessage is a user message handed to the coordinator worker.
type InboundMessage struct {
	SessionKey string
	TurnID     string
	Content    string
	ReceivedAt time.Time
}

// OutboundMessage is an event flowing from the coordinator to the caller.
type OutboundMessage struct {
	SessionKey string
	TurnID     string
	Kind       EventKind
	Content    string
	State      string
	Retryable  bool
}

// MessageBus decouples the coordinator worker from whoever hosts it.
// Publishing never blocks past a short grace timeout; overflow is
// counted, not silently discarded without trace.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage
	closed   bool
	dropped  droppedCounters
	mu       sync.RWMutex
}

type droppedCounters struct {
	inbound  atomic.Uint64
	outbound atomic.Uint64
}

const publishTimeout = 100 * time.Millisecond

func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:  make(chan InboundMessage, 100),
		outbound: make(chan OutboundMessage, 256),
	}
}

func (mb *MessageBus) PublishInbound(msg InboundMessage) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return
	}

	select {
	case mb.inbound <- msg:
	default:
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case mb.inbound <- msg:
		case <-timer.C:
			mb.dropped.inbound.Add(1)
		}
	}
}

func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg, ok := <-mb.inbound:
		if !ok {
			return InboundMessage{}, false
		}
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

func (mb *MessageBus) PublishOutbound(msg OutboundMessage) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return
	}

	select {
	case mb.outbound <- msg:
	default:
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case mb.outbound <- msg:
		case <-timer.C:
			mb.dropped.outbound.Add(1)
		}
	}
}

func (mb *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg, ok := <-mb.outbound:
		if !ok {
			return OutboundMessage{}, false
		}
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

func (mb *MessageBus) Close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return
	}
	mb.closed = true
	close(mb.inbound)
	close(mb.outbound)
}

func (mb *MessageBus) DroppedInbound() uint64 {
	return mb.dropped.inbound.Load()
}

func (mb *MessageBus) DroppedOutbound() uint64 {
	return mb.dropped.outbound.Load()
}
