package event

import (
	"testing"
	"time"
)

func TestBus_PublishAndSubscribe(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Logf("valve %d open", 1)

	select {
	case ev := <-ch:
		if ev.Kind != TypeLog {
			t.Errorf("kind = %q, want %q", ev.Kind, TypeLog)
		}
		if ev.Text != "valve 1 open" {
			t.Errorf("text = %q, want %q", ev.Text, "valve 1 open")
		}
		if ev.Stamp.IsZero() {
			t.Error("event not timestamped")
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBus()
	_, cancel := b.Subscribe() // never drained
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			b.Progress(i, float64(i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestBus_CancelStopsDelivery(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe()
	cancel()

	b.Summary(3.0, 0)

	if _, open := <-ch; open {
		t.Error("expected closed channel after cancel")
	}
	// second cancel must be a no-op
	cancel()
}
