package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOut(t *testing.T) {
	b := New()
	ch1, unsub1 := b.Subscribe(4)
	ch2, unsub2 := b.Subscribe(4)
	defer unsub1()
	defer unsub2()

	b.Publish(Event{Type: ActionFired, Data: "a_1"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Type != ActionFired || e.Time.IsZero() {
				t.Fatalf("event=%+v", e)
			}
		case <-time.After(time.Second):
			t.Fatalf("event not delivered")
		}
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: TaskStarted})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked on a full subscriber")
	}
	if len(ch) != 1 {
		t.Fatalf("buffered=%d want 1", len(ch))
	}
	if got := b.Dropped(); got != 99 {
		t.Fatalf("dropped=%d want 99", got)
	}
}

func TestSubscribeFiltersByType(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(4, ActionFailed, MonitorStopped)
	defer unsub()

	b.Publish(Event{Type: ActionFired})
	b.Publish(Event{Type: ActionFailed})
	b.Publish(Event{Type: TaskStarted})
	b.Publish(Event{Type: MonitorStopped})

	var got []string
	for len(ch) > 0 {
		got = append(got, (<-ch).Type)
	}
	if len(got) != 2 || got[0] != ActionFailed || got[1] != MonitorStopped {
		t.Fatalf("got=%v", got)
	}
	if b.Dropped() != 0 {
		t.Fatalf("filtered events must not count as dropped")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("channel still open")
	}
	b.Publish(Event{Type: MonitorStopped})
}
