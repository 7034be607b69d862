package server

import (
	"context"
	"sync"
	"time"
)

const (
	RealtimeEventAccountLinked  = "account-linked"
	RealtimeEventAccountUpdated = "account-updated"
	RealtimeEventReviewChanged  = "review-changed"
	realtimeEventHeartbeat      = "heartbeat"
	realtimeSubscriberBuffer    = 16
)

// RealtimeMessage is an event addressed to one account.
type RealtimeMessage struct {
	UserID    string
	EventType string
	Payload   map[string]any
	Timestamp time.Time
}

// RealtimeDispatcher fans account events out to that account's open streams.
// Slow subscribers drop messages rather than block publishers.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]chan RealtimeMessage
	nextID      int64
	clock       func() time.Time
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]chan RealtimeMessage),
		clock:       time.Now,
	}
}

// Subscribe registers a stream for userID that is removed when ctx ends or cleanup runs.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, userID string) (<-chan RealtimeMessage, func()) {
	if userID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	stream := make(chan RealtimeMessage, realtimeSubscriberBuffer)

	d.mu.Lock()
	d.nextID++
	id := d.nextID
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]chan RealtimeMessage)
	}
	d.subscribers[userID][id] = stream
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unsubscribe(userID, id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

// Publish delivers message to every stream of message.UserID.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.UserID == "" || message.EventType == "" {
		return
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = d.clock().UTC()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, stream := range d.subscribers[message.UserID] {
		select {
		case stream <- message:
		default:
		}
	}
}

// SubscriberCount reports the number of open streams for userID.
func (d *RealtimeDispatcher) SubscriberCount(userID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[userID])
}

func (d *RealtimeDispatcher) unsubscribe(userID string, id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subscribers := d.subscribers[userID]
	if subscribers == nil {
		return
	}
	delete(subscribers, id)
	if len(subscribers) == 0 {
		delete(d.subscribers, userID)
	}
}
