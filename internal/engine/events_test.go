package engine

import (
	"testing"

	"github.com/seantiz/qgate/internal/model"
)

func event(id, status string) model.JobEvent {
	return model.JobEvent{JobID: id, Status: status}
}

func TestEventBrokerSingleSubscriber(t *testing.T) {
	b := NewEventBroker()
	ch, unsub := b.Subscribe("j1")
	defer unsub()

	b.Publish(event("j1", model.StatusRunning))
	b.Publish(event("j1", model.StatusSucceeded))
	b.Close("j1")

	var got []string
	for ev := range ch {
		got = append(got, ev.Status)
	}

	want := []string{model.StatusRunning, model.StatusSucceeded}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestEventBrokerMultipleSubscribers(t *testing.T) {
	b := NewEventBroker()
	ch1, unsub1 := b.Subscribe("j1")
	defer unsub1()
	ch2, unsub2 := b.Subscribe("j1")
	defer unsub2()

	b.Publish(event("j1", model.StatusRunning))
	b.Close("j1")

	for i, ch := range []<-chan model.JobEvent{ch1, ch2} {
		var n int
		for range ch {
			n++
		}
		if n != 1 {
			t.Errorf("subscriber %d got %d events, want 1", i+1, n)
		}
	}
}

func TestEventBrokerTopicsAreIsolated(t *testing.T) {
	b := NewEventBroker()
	ch, unsub := b.Subscribe("j1")
	defer unsub()

	b.Publish(event("j2", model.StatusRunning))

	select {
	case ev := <-ch:
		t.Errorf("received event for another job: %+v", ev)
	default:
	}
}

func TestEventBrokerUnsubscribeStopsDelivery(t *testing.T) {
	b := NewEventBroker()
	ch, unsub := b.Subscribe("j1")
	unsub()

	b.Publish(event("j1", model.StatusRunning))

	select {
	case ev := <-ch:
		t.Errorf("got event %+v after unsubscribe", ev)
	default:
	}
}

func TestEventBrokerReleasesTopics(t *testing.T) {
	b := NewEventBroker()

	_, unsub := b.Subscribe("j1")
	unsub()
	if n := b.topicCount(); n != 0 {
		t.Errorf("topics after unsubscribe = %d, want 0", n)
	}

	_, unsub = b.Subscribe("j2")
	b.Close("j2")
	unsub()
	if n := b.topicCount(); n != 0 {
		t.Errorf("topics after close = %d, want 0", n)
	}
}

func TestEventBrokerPublishToUnknownJobIsNoop(t *testing.T) {
	b := NewEventBroker()
	b.Publish(event("missing", model.StatusRunning))
	b.Close("missing")
}

func TestEventBrokerDropsForSlowSubscriber(t *testing.T) {
	b := NewEventBroker()
	ch, unsub := b.Subscribe("j1")
	defer unsub()

	for range subscriberBufferSize + 5 {
		b.Publish(event("j1", model.StatusRunning))
	}
	b.Close("j1")

	var n int
	for range ch {
		n++
	}
	if n != subscriberBufferSize {
		t.Errorf("got %d events, want %d", n, subscriberBufferSize)
	}
}
