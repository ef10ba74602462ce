package fanout

import (
	"fmt"
	"testing"
	"time"

	"github.com/chorushq/chorus/internal/common/logger"
	v1 "github.com/chorushq/chorus/pkg/api/v1"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stderr",
	})
	if err != nil {
		t.Fatalf("failed to create test logger: %v", err)
	}
	return NewBroker(log)
}

func receiveEvent(t *testing.T, ch <-chan v1.Event) v1.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("channel closed while waiting for event")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return v1.Event{}
}

func TestBroker_BroadcastToKey(t *testing.T) {
	b := newTestBroker(t)

	planCh := b.Subscribe("ui-1", "plan-1")
	otherCh := b.Subscribe("ui-2", "plan-2")

	b.Broadcast("plan-1", v1.Event{Type: v1.EventDispatchStarted})

	ev := receiveEvent(t, planCh)
	if ev.Type != v1.EventDispatchStarted {
		t.Errorf("expected dispatch_started, got %s", ev.Type)
	}
	if ev.Key != "plan-1" {
		t.Errorf("expected key plan-1, got %s", ev.Key)
	}
	if ev.Timestamp.IsZero() {
		t.Error("broadcast should stamp the timestamp")
	}

	select {
	case ev := <-otherCh:
		t.Errorf("subscriber of plan-2 received %s for plan-1", ev.Type)
	default:
	}
}

func TestBroker_PerSubscriberOrder(t *testing.T) {
	b := newTestBroker(t)
	ch := b.Subscribe("ui-1", "req-1")
	b.Subscribe("ui-1", "plan-1")

	// Events across both keys funnel through one channel in order.
	types := []v1.EventType{
		v1.EventPlanApproved,
		v1.EventDispatchStarted,
		v1.EventStepCompleted,
		v1.EventExecutionDone,
	}
	keys := []string{"req-1", "plan-1", "plan-1", "req-1"}
	for i, typ := range types {
		b.Broadcast(keys[i], v1.Event{Type: typ})
	}

	for i, want := range types {
		got := receiveEvent(t, ch)
		if got.Type != want {
			t.Fatalf("event %d: expected %s, got %s", i, want, got.Type)
		}
	}
}

func TestBroker_MultipleSubscribersSameKey(t *testing.T) {
	b := newTestBroker(t)
	ch1 := b.Subscribe("ui-1", "task-1")
	ch2 := b.Subscribe("ui-2", "task-1")

	b.Broadcast("task-1", v1.Event{Type: v1.EventStepCompleted})

	if ev := receiveEvent(t, ch1); ev.Type != v1.EventStepCompleted {
		t.Errorf("ui-1: got %s", ev.Type)
	}
	if ev := receiveEvent(t, ch2); ev.Type != v1.EventStepCompleted {
		t.Errorf("ui-2: got %s", ev.Type)
	}
}

func TestBroker_Unsubscribe(t *testing.T) {
	b := newTestBroker(t)
	ch := b.Subscribe("ui-1", "plan-1")
	b.Subscribe("ui-1", "plan-2")

	b.Unsubscribe("ui-1", "plan-1")
	b.Broadcast("plan-1", v1.Event{Type: v1.EventPaused})
	b.Broadcast("plan-2", v1.Event{Type: v1.EventResumed})

	// Only the remaining subscription delivers.
	ev := receiveEvent(t, ch)
	if ev.Type != v1.EventResumed || ev.Key != "plan-2" {
		t.Errorf("expected resumed on plan-2, got %s on %s", ev.Type, ev.Key)
	}
}

func TestBroker_DropClosesChannel(t *testing.T) {
	b := newTestBroker(t)
	ch := b.Subscribe("ui-1", "plan-1")

	b.Drop("ui-1")

	if _, ok := <-ch; ok {
		t.Error("dropped subscriber's channel should be closed")
	}
	if b.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers, got %d", b.SubscriberCount())
	}

	// Broadcasting to the old key is a no-op.
	b.Broadcast("plan-1", v1.Event{Type: v1.EventPaused})
}

func TestBroker_SlowSubscriberEvicted(t *testing.T) {
	b := newTestBroker(t)
	b.bufferSize = 2
	slow := b.Subscribe("slow", "plan-1")
	b.bufferSize = 8
	fast := b.Subscribe("fast", "plan-1")

	// Nobody drains slow; the third broadcast overflows its buffer.
	for i := 0; i < 3; i++ {
		b.Broadcast("plan-1", v1.Event{Type: v1.EventStepCompleted, Payload: i})
	}

	for i := 0; i < 3; i++ {
		receiveEvent(t, fast)
	}

	// The slow subscriber got the buffered two, then the close.
	for i := 0; i < 2; i++ {
		receiveEvent(t, slow)
	}
	if _, ok := <-slow; ok {
		t.Error("evicted subscriber's channel should be closed")
	}
	if b.SubscriberCount() != 1 {
		t.Errorf("expected 1 remaining subscriber, got %d", b.SubscriberCount())
	}
}

func TestBroker_SendDirect(t *testing.T) {
	b := newTestBroker(t)
	ch := b.Subscribe("ui-1", "plan-1")

	b.SendDirect("ui-1", v1.Event{Type: v1.EventExecutionFailed, Key: "task-9"})

	ev := receiveEvent(t, ch)
	if ev.Type != v1.EventExecutionFailed {
		t.Errorf("expected execution_failed, got %s", ev.Type)
	}
	if ev.Key != "task-9" {
		t.Errorf("direct sends keep the caller's key, got %s", ev.Key)
	}

	// Unknown subscriber is a no-op.
	b.SendDirect("ghost", v1.Event{Type: v1.EventPaused})
}

func TestBroker_ConcurrentBroadcastAndDrop(t *testing.T) {
	b := newTestBroker(t)
	for i := 0; i < 8; i++ {
		b.Subscribe(fmt.Sprintf("ui-%d", i), "plan-1")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			b.Broadcast("plan-1", v1.Event{Type: v1.EventStepCompleted})
		}
	}()
	for i := 0; i < 8; i++ {
		b.Drop(fmt.Sprintf("ui-%d", i))
	}
	<-done

	if b.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers, got %d", b.SubscriberCount())
	}
}
