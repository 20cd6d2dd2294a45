// internal/handler/event_bus.go
package handler

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"sensorhub/internal/decoder"
)

const (
	busQueueSize        = 1000
	subscriberQueueSize = 100
)

// EventBus fans decoded samples out to stream subscribers.
// Publishing never blocks: a full queue or a slow subscriber loses samples.
type EventBus struct {
	subscribers map[string]chan decoder.Report
	events      chan decoder.Report
	done        chan struct{}
	mutex       sync.RWMutex
	closeOnce   sync.Once
	dropped     atomic.Int64
	logger      *zap.Logger
}

// NewEventBus creates a new event bus
func NewEventBus(logger *zap.Logger) *EventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventBus{
		subscribers: make(map[string]chan decoder.Report),
		events:      make(chan decoder.Report, busQueueSize),
		done:        make(chan struct{}),
		logger:      logger.With(zap.String("component", "event-bus")),
	}
}

// Start distributes published samples until Close
func (eb *EventBus) Start() {
	for {
		select {
		case report := <-eb.events:
			eb.distribute(report)
		case <-eb.done:
			return
		}
	}
}

// Report implements decoder.ReportSink
func (eb *EventBus) Report(r decoder.Report) {
	eb.Publish(r)
}

// Publish queues a sample for distribution
func (eb *EventBus) Publish(r decoder.Report) {
	select {
	case eb.events <- r:
	default:
		if eb.dropped.Add(1)%busQueueSize == 1 {
			eb.logger.Warn("Event bus full, dropping samples",
				zap.String("sensor", r.Type.String()),
				zap.Int64("dropped", eb.dropped.Load()),
			)
		}
	}
}

// Subscribe registers a subscriber under id
func (eb *EventBus) Subscribe(id string) <-chan decoder.Report {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	subscriber := make(chan decoder.Report, subscriberQueueSize)
	eb.subscribers[id] = subscriber
	return subscriber
}

// Unsubscribe removes a subscriber and closes its channel
func (eb *EventBus) Unsubscribe(id string) {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	if subscriber, ok := eb.subscribers[id]; ok {
		delete(eb.subscribers, id)
		close(subscriber)
	}
}

// Subscribers returns the number of subscribers
func (eb *EventBus) Subscribers() int {
	eb.mutex.RLock()
	defer eb.mutex.RUnlock()
	return len(eb.subscribers)
}

// Dropped returns how many samples were lost to full queues
func (eb *EventBus) Dropped() int64 {
	return eb.dropped.Load()
}

// Close stops distribution and closes every subscriber
func (eb *EventBus) Close() {
	eb.closeOnce.Do(func() {
		close(eb.done)

		eb.mutex.Lock()
		defer eb.mutex.Unlock()
		for id, subscriber := range eb.subscribers {
			delete(eb.subscribers, id)
			close(subscriber)
		}
	})
}

func (eb *EventBus) distribute(report decoder.Report) {
	eb.mutex.RLock()
	defer eb.mutex.RUnlock()

	for _, subscriber := range eb.subscribers {
		select {
		case subscriber <- report:
		default:
			// Subscriber is slow, skip
			eb.dropped.Add(1)
		}
	}
}
