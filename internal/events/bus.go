// Package events delivers notifications as CloudEvents, in process to the
// websocket stream and optionally to Google Cloud Pub/Sub.
package events

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NoticeType is the CloudEvent type of every player notification.
const NoticeType = "waypoint.notice"

// EventEmitter is the interface for publishing CloudEvents.
// Both the in-memory EventBus and PubSubEventBus satisfy this interface.
type EventEmitter interface {
	Emit(eventType, source, subject string, data map[string]interface{})
}

// CloudEvent is the CloudEvents 1.0 envelope.
type CloudEvent struct {
	SpecVersion string                 `json:"specversion"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	ID          string                 `json:"id"`
	Time        time.Time              `json:"time"`
	Subject     string                 `json:"subject,omitempty"`
	Data        map[string]interface{} `json:"data"`
}

// NewCloudEvent creates a CloudEvents 1.0 compliant event
func NewCloudEvent(eventType, source, subject string, data map[string]interface{}) *CloudEvent {
	return &CloudEvent{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      source,
		ID:          "ce-" + uuid.New().String(),
		Time:        time.Now().UTC(),
		Subject:     subject,
		Data:        data,
	}
}

// JSON serializes the event
func (ce *CloudEvent) JSON() ([]byte, error) {
	return json.Marshal(ce)
}

type subscription struct {
	ch      chan *CloudEvent
	subject string
}

// EventBus is an in-process pub/sub event bus. Slow subscribers drop events
// instead of blocking the publisher.
type EventBus struct {
	mu         sync.RWMutex
	subs       []subscription
	logger     *log.Logger
	bufferSize int
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		logger:     log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
		bufferSize: 100,
	}
}

// Subscribe returns a channel of events whose subject equals subject.
// An empty subject receives every event.
func (eb *EventBus) Subscribe(subject string) chan *CloudEvent {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan *CloudEvent, eb.bufferSize)
	eb.subs = append(eb.subs, subscription{ch: ch, subject: subject})
	return ch
}

// Unsubscribe removes a subscription channel and closes it.
func (eb *EventBus) Unsubscribe(ch chan *CloudEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	filtered := eb.subs[:0]
	for _, s := range eb.subs {
		if s.ch == ch {
			close(ch)
			continue
		}
		filtered = append(filtered, s)
	}
	eb.subs = filtered
}

// Publish sends an event to all matching subscribers
func (eb *EventBus) Publish(event *CloudEvent) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	for _, s := range eb.subs {
		if s.subject != "" && s.subject != event.Subject {
			continue
		}
		select {
		case s.ch <- event:
		default:
			// Channel full, skip
			eb.logger.Printf("Dropped %s for slow subscriber (subject=%s)", event.ID, event.Subject)
		}
	}
}

// Emit is a convenience method to create and publish an event
func (eb *EventBus) Emit(eventType, source, subject string, data map[string]interface{}) {
	eb.Publish(NewCloudEvent(eventType, source, subject, data))
}

// SubscriberCount returns the total number of active subscribers
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subs)
}
