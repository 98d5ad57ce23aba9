package async

import (
	"sync"
	"time"
)

// EventType identifies an indexer event.
type EventType string

const (
	EventRunStarted       EventType = "run_started"
	EventDocumentIndexed  EventType = "document_indexed"
	EventDocumentRemoved  EventType = "document_removed"
	EventDocumentDeferred EventType = "document_deferred"
	EventRunFinished      EventType = "run_finished"
	EventRunCancelled     EventType = "run_cancelled"
)

// Event is delivered to subscribers of a BackgroundIndexer.
type Event struct {
	Type       EventType
	DocumentID string
	Path       string
	Stats      RunStats // Set on run_finished and run_cancelled
	Err        error    // Set on run_finished when the run failed
	Time       time.Time
}

// eventBroker fans events out to subscribers. Publishing never blocks:
// a subscriber whose buffer is full misses events.
type eventBroker struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

func newEventBroker() *eventBroker {
	return &eventBroker{subs: make(map[int]chan Event)}
}

func (b *eventBroker) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *eventBroker) publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
