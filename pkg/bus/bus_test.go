package bus

import (
	"context"
	"testing"
	"time"
)

func TestMessageBus_PublishInboundDropsWhenBufferFull(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	for i := 0; i < cap(mb.inbound); i++ {
		mb.PublishInbound(InboundMessage{SessionKey: "s", TurnID: "t", Content: "msg"})
	}

	mb.PublishInbound(InboundMessage{SessionKey: "s", TurnID: "t", Content: "overflow"})
	if mb.DroppedInbound() != 1 {
		t.Fatalf("expected dropped inbound count 1, got %d", mb.DroppedInbound())
	}
}

func TestMessageBus_PublishOutboundDropsWhenBufferFull(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	for i := 0; i < cap(mb.outbound); i++ {
		mb.PublishOutbound(OutboundMessage{SessionKey: "s", Kind: EventDelta, Content: "msg"})
	}

	mb.PublishOutbound(OutboundMessage{SessionKey: "s", Kind: EventDelta, Content: "overflow"})
	if mb.DroppedOutbound() != 1 {
		t.Fatalf("expected dropped outbound count 1, got %d", mb.DroppedOutbound())
	}
}

func TestMessageBus_ClosedChannelsReturnFalse(t *testing.T) {
	mb := NewMessageBus()
	mb.Close()

	if _, ok := mb.ConsumeInbound(context.Background()); ok {
		t.Fatalf("expected closed inbound consume to return ok=false")
	}
	if _, ok := mb.SubscribeOutbound(context.Background()); ok {
		t.Fatalf("expected closed outbound subscribe to return ok=false")
	}
}

func TestMessageBus_DeltaOrderPreserved(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	chunks := []string{"Hel", "lo", " wor", "ld"}
	for _, c := range chunks {
		mb.PublishOutbound(OutboundMessage{SessionKey: "s", TurnID: "t1", Kind: EventDelta, Content: c})
	}
	mb.PublishOutbound(OutboundMessage{SessionKey: "s", TurnID: "t1", Kind: EventFinal, Content: "Hello world"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var got string
	for {
		msg, ok := mb.SubscribeOutbound(ctx)
		if !ok {
			t.Fatalf("bus closed before final event")
		}
		if msg.Kind == EventFinal {
			if got != msg.Content {
				t.Fatalf("assembled deltas %q do not match final %q", got, msg.Content)
			}
			return
		}
		got += msg.Content
	}
}
