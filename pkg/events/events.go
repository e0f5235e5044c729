// Package events fans a single stream of telemetry records out to the
// durable JSON-lines sink on disk and to in-process subscribers (the
// dashboard's live feed, tests). Telemetry is best-effort by design:
// publishing never blocks a worker mid-task, and a consumer that cannot
// keep up loses records rather than slowing the daemon down.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType represents the type of a telemetry record.
type EventType string

const (
	EventHostingRequest     EventType = "hosting.request"
	EventHostingRateLimit   EventType = "hosting.rate_limited"
	EventTaskClaimed        EventType = "task.claimed"
	EventTaskStatus         EventType = "task.status_changed"
	EventTaskEscalated      EventType = "task.escalated"
	EventTaskDone           EventType = "task.done"
	EventMergeConflict      EventType = "merge.conflict"
	EventMergeSucceeded     EventType = "merge.succeeded"
	EventGovernorDeferred   EventType = "governor.deferred"
	EventWorkerCheckpoint   EventType = "worker.checkpoint.reached"
	EventWorkerPause        EventType = "worker.pause.requested"
	EventWorkerPauseReached EventType = "worker.pause.reached"
	EventWorkerPauseCleared EventType = "worker.pause.cleared"
)

// Level is the telemetry record's severity, independent of EventType.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event is the structured telemetry record shape: {ts, repo, type,
// level, data}.
type Event struct {
	ID        string
	Type      EventType
	Level     Level
	Timestamp time.Time
	Repo      string
	Message   string
	Metadata  map[string]string
}

// publishQueueDepth bounds in-flight records between Publish and the
// delivery goroutine. Sized for a burst of every worker slot emitting a
// handful of records in the same instant; past that point the backlog is
// stale telemetry and dropping beats blocking task progress.
const publishQueueDepth = 256

// subscriberBuffer is the per-feed buffer. A live dashboard that falls
// this far behind is skipped for the record, not waited on.
const subscriberBuffer = 64

// Subscription is a live feed handle. Receive from C; Cancel detaches the
// feed and closes C.
type Subscription struct {
	C      <-chan *Event
	cancel func()
}

// Cancel detaches the subscription. Safe to call more than once.
func (s *Subscription) Cancel() { s.cancel() }

// Broker delivers published records to the sink first (durability), then
// to whatever live feeds are attached.
type Broker struct {
	sink *Sink

	mu     sync.Mutex
	subs   map[uint64]chan *Event
	nextID uint64

	queue   chan *Event
	done    chan struct{}
	stopped chan struct{}
	dropped atomic.Uint64
}

// NewBroker creates a broker. sink may be nil, in which case records are
// only fanned out to in-process subscribers.
func NewBroker(sink *Sink) *Broker {
	return &Broker{
		sink:    sink,
		subs:    make(map[uint64]chan *Event),
		queue:   make(chan *Event, publishQueueDepth),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Start launches the delivery goroutine.
func (b *Broker) Start() {
	go b.deliverLoop()
}

// Stop shuts delivery down, draining records already queued so telemetry
// emitted just before shutdown still reaches the sink.
func (b *Broker) Stop() {
	close(b.done)
	<-b.stopped
}

// Subscribe attaches a live feed.
func (b *Broker) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan *Event, subscriberBuffer)
	b.subs[id] = ch
	return &Subscription{C: ch, cancel: func() { b.unsubscribe(id) }}
}

func (b *Broker) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish enqueues a record for delivery, stamping a zero timestamp so
// every sink line carries one. It never blocks: a full queue drops the
// record and counts the drop.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case b.queue <- event:
	default:
		b.dropped.Add(1)
	}
}

// Dropped reports how many records were discarded on a full publish queue
// or a full subscriber buffer since the broker started.
func (b *Broker) Dropped() uint64 { return b.dropped.Load() }

func (b *Broker) deliverLoop() {
	defer close(b.stopped)
	for {
		select {
		case event := <-b.queue:
			b.deliver(event)
		case <-b.done:
			for {
				select {
				case event := <-b.queue:
					b.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (b *Broker) deliver(event *Event) {
	if b.sink != nil {
		b.sink.Write(event)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}
