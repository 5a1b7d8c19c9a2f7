// Package events implements the internal event bus (spec.md §4.8):
// topic-keyed synchronous dispatch, grounded on the EventManager/Emit
// broadcast pattern (core/event_management.go), generalized from a
// ledger-persisted event log to an in-memory pub/sub — sync event
// persistence is out of scope per spec.md §1; only the mount adapter and
// UI consume these.
package events

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/parsec-cloud/parsec-sync/internal/model"
)

// Topic names exactly the set spec.md §4.8 requires the core to produce.
type Topic string

const (
	TopicEntrySynced        Topic = "fs.entry.synced"
	TopicMountpointStarting Topic = "mountpoint.starting"
	TopicMountpointStarted  Topic = "mountpoint.started"
	TopicMountpointStopped  Topic = "mountpoint.stopped"
	TopicBackendOnline      Topic = "backend.online"
	TopicBackendOffline     Topic = "backend.offline"
)

// Event is one dispatched notification.
type Event struct {
	Topic   Topic
	EntryID model.EntryID // set for fs.entry.synced
	Path    string        // set for mountpoint.*
}

// Handler consumes one Event. Per spec.md §4.8, handlers run synchronously
// in the emitter's goroutine and must not block the core — a handler doing
// non-trivial work must enqueue onto its own buffered channel and return
// immediately; see Async below for that wrapping.
type Handler func(Event)

// Bus is a topic-keyed synchronous pub/sub, directly grounded on
// EventManager.Emit/Broadcast (core/event_management.go), minus ledger
// persistence.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Topic][]*subscription
	logger   *logrus.Logger
}

type subscription struct {
	handler Handler
}

func New(logger *logrus.Logger) *Bus {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Bus{handlers: make(map[Topic][]*subscription), logger: logger}
}

// Subscribe registers h for topic, returning an unsubscribe function.
func (b *Bus) Subscribe(topic Topic, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &subscription{handler: h}
	b.handlers[topic] = append(b.handlers[topic], sub)
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.handlers[topic]
		for i, s := range subs {
			if s == sub {
				b.handlers[topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Emit dispatches ev to every subscriber of ev.Topic, in subscription
// order, synchronously in the caller's goroutine.
func (b *Bus) Emit(ev Event) {
	b.mu.RLock()
	subs := append([]*subscription(nil), b.handlers[ev.Topic]...)
	b.mu.RUnlock()

	b.logger.WithFields(logrus.Fields{
		"topic":     string(ev.Topic),
		"listeners": len(subs),
	}).Debug("events: dispatching")

	for _, s := range subs {
		s.handler(ev)
	}
}

// EntrySynced emits fs.entry.synced(id).
func (b *Bus) EntrySynced(id model.EntryID) {
	b.Emit(Event{Topic: TopicEntrySynced, EntryID: id})
}

// MountpointStarting/Started/Stopped emit the corresponding mountpoint.*(path) events.
func (b *Bus) MountpointStarting(path string) { b.Emit(Event{Topic: TopicMountpointStarting, Path: path}) }
func (b *Bus) MountpointStarted(path string)  { b.Emit(Event{Topic: TopicMountpointStarted, Path: path}) }
func (b *Bus) MountpointStopped(path string)  { b.Emit(Event{Topic: TopicMountpointStopped, Path: path}) }

// BackendOnline/Offline emit the backend connectivity events driving the
// syncer's transient-failure backoff policy (spec.md §7).
func (b *Bus) BackendOnline()  { b.Emit(Event{Topic: TopicBackendOnline}) }
func (b *Bus) BackendOffline() { b.Emit(Event{Topic: TopicBackendOffline}) }

// Async wraps h so Emit never blocks on it: each event is pushed onto a
// per-subscription buffered channel, processed by one dedicated goroutine.
// Events beyond the buffer are dropped with a warning — callers needing
// lossless delivery must size buffer generously or consume promptly.
func Async(h Handler, buffer int) Handler {
	ch := make(chan Event, buffer)
	go func() {
		for e := range ch {
			h(e)
		}
	}()
	return func(ev Event) {
		select {
		case ch <- ev:
		default:
			logrus.StandardLogger().WithField("topic", string(ev.Topic)).Warn("events: async handler buffer full, dropping event")
		}
	}
}
