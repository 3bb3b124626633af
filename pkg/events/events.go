// Package events is an in-process, best-effort pub/sub broker for
// pipeline lifecycle events. It is consumed by the shard status endpoint
// (through Recorder); it is never on the critical path of the ingestion
// pipeline itself — publishers never block.
package events

import (
	"sync"
	"time"
)

// Type identifies a pipeline lifecycle event.
type Type string

const (
	ShardStarted       Type = "shard.started"
	PageFetched        Type = "page.fetched"
	BatchCommitted     Type = "batch.committed"
	FileUploaded       Type = "file.uploaded"
	FileUploadFailed   Type = "file.upload_failed"
	GCSConfirmed       Type = "gcs.confirmed"
	ShardComplete      Type = "shard.complete"
	GapFound           Type = "gap.found"
	GapRecovered       Type = "gap.recovered"
	PartitionRepaired  Type = "partition.repaired"
	SnapshotFinalized  Type = "snapshot.finalized"
)

// Event is one pipeline lifecycle occurrence.
type Event struct {
	ID        string
	Type      Type
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker fans published events out to subscribers without ever blocking
// the publisher: a subscriber whose buffer is full simply misses the
// event.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns its channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish sends an event to all subscribers. Never blocks: if the
// broker's internal queue is full, the event is dropped.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	default:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Recorder subscribes to a Broker and retains the last N published
// events in memory, for the /status endpoint and other consumers that
// read after the fact rather than holding a live channel open.
type Recorder struct {
	mu     sync.Mutex
	ring   []*Event
	size   int
	sub    Subscriber
	broker *Broker
	stopCh chan struct{}
}

// NewRecorder subscribes to b and starts draining it in the background,
// retaining at most size of the most recently published events.
func NewRecorder(b *Broker, size int) *Recorder {
	if size <= 0 {
		size = 100
	}
	r := &Recorder{
		size:   size,
		sub:    b.Subscribe(),
		broker: b,
		stopCh: make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	for {
		select {
		case ev, ok := <-r.sub:
			if !ok {
				return
			}
			r.mu.Lock()
			r.ring = append(r.ring, ev)
			if len(r.ring) > r.size {
				r.ring = r.ring[len(r.ring)-r.size:]
			}
			r.mu.Unlock()
		case <-r.stopCh:
			return
		}
	}
}

// Recent returns a copy of the currently retained events, oldest first.
func (r *Recorder) Recent() []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Event, len(r.ring))
	copy(out, r.ring)
	return out
}

// Close unsubscribes from the broker and stops draining.
func (r *Recorder) Close() {
	close(r.stopCh)
	r.broker.Unsubscribe(r.sub)
}
