package bus

import (
	"context"
	"errors"
	"testing"
	"time"
)

// ============================================================================
// Topic Builder Tests
// ============================================================================

func TestTopicBuilders(t *testing.T) {
	if got := EventTopic("tenant-a"); got != "tenants/tenant-a/events" {
		t.Errorf("EventTopic = %q", got)
	}
	if got := ViolationTopic("tenant-a"); got != "tenants/tenant-a/violations" {
		t.Errorf("ViolationTopic = %q", got)
	}
	if got := SessionTopic("sess-1"); got != "sessions/sess-1" {
		t.Errorf("SessionTopic = %q", got)
	}
}

// ============================================================================
// In-Process Bus Tests
// ============================================================================

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe("tenants/tenant-a/events", 4)
	defer cancel()

	msg := Message{Topic: "tenants/tenant-a/events", Type: "event.evaluated", TenantID: "tenant-a"}
	if err := b.Publish(context.Background(), msg); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case got := <-ch:
		if got.Type != "event.evaluated" || got.TenantID != "tenant-a" {
			t.Errorf("got %+v", got)
		}
		if got.Timestamp.IsZero() {
			t.Error("Expected publish to stamp the message")
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for message")
	}
}

func TestBus_TopicIsolation(t *testing.T) {
	b := New()
	chA, cancelA := b.Subscribe(EventTopic("tenant-a"), 4)
	defer cancelA()
	chB, cancelB := b.Subscribe(EventTopic("tenant-b"), 4)
	defer cancelB()

	b.Publish(context.Background(), Message{Topic: EventTopic("tenant-a"), Type: "event.evaluated"})

	select {
	case <-chA:
	case <-time.After(time.Second):
		t.Fatal("subscriber on the published topic got nothing")
	}

	select {
	case got := <-chB:
		t.Fatalf("foreign-topic subscriber received %+v", got)
	default:
	}
}

func TestBus_FullSubscriberDrops(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe("topic", 1)
	defer cancel()

	// Second publish hits a full channel and must not block.
	done := make(chan struct{})
	go func() {
		b.Publish(context.Background(), Message{Topic: "topic", Type: "first"})
		b.Publish(context.Background(), Message{Topic: "topic", Type: "second"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	got := <-ch
	if got.Type != "first" {
		t.Errorf("kept message = %s, want first", got.Type)
	}
}

func TestBus_CancelClosesChannel(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe("topic", 4)
	cancel()

	if _, open := <-ch; open {
		t.Error("Expected channel to be closed after cancel")
	}

	// Publishing after cancel must not panic or deliver.
	if err := b.Publish(context.Background(), Message{Topic: "topic"}); err != nil {
		t.Errorf("Publish after cancel failed: %v", err)
	}
}

// ============================================================================
// Multi Publisher Tests
// ============================================================================

type countingPublisher struct {
	n   int
	err error
}

func (p *countingPublisher) Publish(ctx context.Context, msg Message) error {
	p.n++
	return p.err
}

func TestMulti_FansOutAndSwallowsErrors(t *testing.T) {
	healthy := &countingPublisher{}
	broken := &countingPublisher{err: errors.New("transport down")}
	trailing := &countingPublisher{}

	m := NewMulti(healthy, broken, trailing)
	if err := m.Publish(context.Background(), Message{Topic: "topic"}); err != nil {
		t.Fatalf("Multi.Publish returned %v, want nil", err)
	}

	if healthy.n != 1 || broken.n != 1 || trailing.n != 1 {
		t.Errorf("publish counts = %d/%d/%d, want 1/1/1", healthy.n, broken.n, trailing.n)
	}
}
