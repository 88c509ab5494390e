// Package eventbus routes client-side device events to subscribers through
// a bounded worker pool, so a slow subscriber never stalls the network
// read loops that publish.
package eventbus

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// EventType classifies a published event.
type EventType string

const (
	// EventDeviceDiscovered fires once per device, on first sighting.
	EventDeviceDiscovered EventType = "device_discovered"
	// EventDeviceStatus carries an uncorrelated STATUS_RESPONSE push.
	EventDeviceStatus EventType = "device_status"
	// EventDeviceEvent carries device notifications (EVENT frames,
	// online/offline transitions).
	EventDeviceEvent EventType = "device_event"
)

// Default pool sizing, used when config leaves them unset.
const (
	DefaultWorkerCount = 4
	DefaultQueueSize   = 100
)

// Event is one published occurrence. Data holds the typed payload for the
// event kind (a *hlp.Device, *hlp.StatusResponse, ...).
type Event struct {
	Type     EventType
	DeviceID string
	Data     any
}

// Handler consumes events. Handlers run on pool workers and may block
// without affecting publishers.
type Handler func(Event)

type work struct {
	event   Event
	handler Handler
}

// Bus fans events out to subscribers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler

	workQueue chan work
	wg        sync.WaitGroup

	// closing is closed exactly once to stop publishers; checking a
	// channel in select is race-free where a mutex-guarded bool is not.
	closing   chan struct{}
	closeOnce sync.Once
}

// New creates a bus with default pool sizing.
func New() *Bus {
	return NewWithConfig(DefaultWorkerCount, DefaultQueueSize)
}

// NewWithConfig creates a bus with an explicit worker count and queue size.
func NewWithConfig(workerCount, queueSize int) *Bus {
	b := &Bus{
		handlers:  make(map[EventType][]Handler),
		workQueue: make(chan work, queueSize),
		closing:   make(chan struct{}),
	}
	for i := 0; i < workerCount; i++ {
		b.wg.Add(1)
		go b.worker(i)
	}
	log.Debug().Int("workers", workerCount).Int("queue_size", queueSize).Msg("Event bus started")
	return b
}

func (b *Bus) worker(id int) {
	defer b.wg.Done()
	for w := range b.workQueue {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Interface("panic", r).
						Str("event_type", string(w.event.Type)).
						Int("worker", id).
						Msg("Event handler panicked")
				}
			}()
			w.handler(w.event)
		}()
	}
}

// Subscribe registers a handler for an event type. There is no unsubscribe;
// subscriptions live as long as the bus, which lives as long as the client.
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish dispatches an event to all subscribers. Non-blocking: when the
// queue is full or the bus is closing, the event is dropped with a warning.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	handlers := b.handlers[event.Type]
	b.mu.RUnlock()

	for _, handler := range handlers {
		select {
		case <-b.closing:
			log.Warn().Str("event_type", string(event.Type)).Msg("Event bus closing, dropping event")
			return
		case b.workQueue <- work{event: event, handler: handler}:
		default:
			log.Warn().
				Str("event_type", string(event.Type)).
				Str("device_id", event.DeviceID).
				Msg("Event bus queue full, dropping event")
		}
	}
}

// Close drains the pool. First publishers are signalled to stop, then the
// queue is closed and workers are awaited, bounded by ctx.
func (b *Bus) Close(ctx context.Context) {
	b.closeOnce.Do(func() {
		close(b.closing)
	})
	close(b.workQueue)

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug().Msg("Event bus workers stopped")
	case <-ctx.Done():
		log.Warn().Msg("Event bus shutdown timed out, some events may be lost")
	}
}
