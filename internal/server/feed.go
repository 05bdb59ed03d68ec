package server

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/kobosync/internal/registrations"
)

const (
	feedEventDecision  = "decision"
	feedEventHeartbeat = "heartbeat"
	defaultFeedBuffer  = 16
)

// DecisionFeed fans relay decisions out to live subscribers. Slow subscribers
// miss events rather than blocking the relay.
type DecisionFeed struct {
	mu          sync.RWMutex
	subscribers map[int64]*feedSubscriber
	nextID      int64
	bufferSize  int
	closed      bool
}

type feedSubscriber struct {
	id     int64
	stream chan registrations.RelayEvent
}

// NewDecisionFeed constructs an empty feed.
func NewDecisionFeed() *DecisionFeed {
	return &DecisionFeed{
		subscribers: make(map[int64]*feedSubscriber),
		bufferSize:  defaultFeedBuffer,
	}
}

// Subscribe registers a subscriber until ctx ends or the returned cleanup runs.
func (f *DecisionFeed) Subscribe(ctx context.Context) (<-chan registrations.RelayEvent, func()) {
	subscriber := &feedSubscriber{stream: make(chan registrations.RelayEvent, f.bufferSize)}
	f.register(subscriber)

	var once sync.Once
	cleanup := func() {
		once.Do(func() { f.unregister(subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish implements registrations.DecisionPublisher.
func (f *DecisionFeed) Publish(event registrations.RelayEvent) {
	if event.Decision == "" {
		return
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, subscriber := range f.subscribers {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

// Close ends every subscription by closing its stream. Later subscribers
// receive an already closed stream and later events are dropped.
func (f *DecisionFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, subscriber := range f.subscribers {
		close(subscriber.stream)
		delete(f.subscribers, id)
	}
}

// Subscribers reports the number of active subscribers.
func (f *DecisionFeed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subscribers)
}

func (f *DecisionFeed) register(subscriber *feedSubscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		close(subscriber.stream)
		return
	}
	f.nextID++
	subscriber.id = f.nextID
	f.subscribers[subscriber.id] = subscriber
}

func (f *DecisionFeed) unregister(subscriberID int64) {
	f.mu.Lock()
	delete(f.subscribers, subscriberID)
	f.mu.Unlock()
}
