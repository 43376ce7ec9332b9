package engine

import (
	"sync"

	"github.com/seantiz/qgate/internal/model"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// A job emits at most three events, so a full buffer means a stuck reader.
const subscriberBufferSize = 8

// EventBroker fans out job status events to subscribers. It is safe for
// concurrent use.
//
// Topics exist only while someone is subscribed. Subscribers that arrive
// after a job finished never see its events, so callers must read the job's
// current state after subscribing.
type EventBroker struct {
	mu     sync.Mutex
	topics map[string]*eventTopic
}

type eventTopic struct {
	subs   map[int]chan model.JobEvent
	nextID int
}

// NewEventBroker creates an empty broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{
		topics: make(map[string]*eventTopic),
	}
}

// Subscribe returns a channel receiving events for jobID and an unsubscribe
// function. The channel is closed when the job reaches a terminal state.
func (b *EventBroker) Subscribe(jobID string) (<-chan model.JobEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		t = &eventTopic{subs: make(map[int]chan model.JobEvent)}
		b.topics[jobID] = t
	}

	ch := make(chan model.JobEvent, subscriberBufferSize)
	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		cur, ok := b.topics[jobID]
		if !ok || cur != t {
			return
		}
		delete(t.subs, id)
		if len(t.subs) == 0 {
			delete(b.topics, jobID)
		}
	}
}

// Publish delivers ev to every subscriber of its job. Events are dropped for
// subscribers whose buffers are full.
func (b *EventBroker) Publish(ev model.JobEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[ev.JobID]
	if !ok {
		return
	}
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close ends the stream for jobID, closing all subscriber channels.
func (b *EventBroker) Close(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		return
	}
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
	delete(b.topics, jobID)
}

// topicCount reports the number of live topics.
func (b *EventBroker) topicCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}
