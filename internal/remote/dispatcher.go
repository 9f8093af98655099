package remote

import (
	"context"
	"sync"
)

// Dispatcher fans full-collection updates out to facility subscribers.
// Sends never block; a slow consumer misses intermediate sets, not the
// stream itself, and each message carries the complete current set.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*dispatcherSubscriber
	nextID      int64
	bufferSize  int
}

type dispatcherSubscriber struct {
	id     int64
	stream chan []Document
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*dispatcherSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a facility listener. The stream stops receiving when
// cleanup runs or the context ends; it is never closed, so consumers must
// select on their own context.
func (d *Dispatcher) Subscribe(ctx context.Context, facility string) (<-chan []Document, func()) {
	if facility == "" {
		ch := make(chan []Document)
		close(ch)
		return ch, func() {}
	}
	subscriber := &dispatcherSubscriber{
		id:     d.nextSequence(),
		stream: make(chan []Document, d.bufferSize),
	}
	d.registerSubscriber(facility, subscriber)
	cleanup := func() {
		d.unregisterSubscriber(facility, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the document set to every subscriber of the facility.
func (d *Dispatcher) Publish(facility string, documents []Document) {
	if facility == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[facility]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*dispatcherSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- documents:
		default:
		}
	}
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) registerSubscriber(facility string, subscriber *dispatcherSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[facility]; !ok {
		d.subscribers[facility] = make(map[int64]*dispatcherSubscriber)
	}
	d.subscribers[facility][subscriber.id] = subscriber
}

func (d *Dispatcher) unregisterSubscriber(facility string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[facility]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, facility)
		}
	}
	d.mu.Unlock()
}
