// Package eventlog is the append-only log of pipeline events, with a
// clearable visible window and non-blocking subscribers.
package eventlog

import (
	"sync"

	"rangelink/models"
)

// DefaultMaxEntries bounds the history kept by logs built with New(DefaultMaxEntries).
const DefaultMaxEntries = 1000

// DefaultSubscriberBuffer matches the buffer the host uses for its journal and printer.
const DefaultSubscriberBuffer = 64

// Log is safe for concurrent use.
type Log struct {
	mu          sync.Mutex
	entries     []models.DiscoveryEvent
	firstSeq    uint64 // sequence number of entries[0]
	visibleFrom uint64
	maxEntries  int

	subs    map[uint64]chan models.DiscoveryEvent
	nextSub uint64
	dropped uint64
	closed  bool
}

// New returns an empty log keeping at most maxEntries events; older events are
// evicted first. maxEntries <= 0 keeps everything.
func New(maxEntries int) *Log {
	return &Log{
		maxEntries: maxEntries,
		subs:       make(map[uint64]chan models.DiscoveryEvent),
	}
}

// Append records an event and offers it to every subscriber. A subscriber
// whose buffer is full misses the event instead of blocking the caller.
func (l *Log) Append(event models.DiscoveryEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, event)
	if l.maxEntries > 0 && len(l.entries) > l.maxEntries {
		evict := len(l.entries) - l.maxEntries
		l.entries = append(l.entries[:0:0], l.entries[evict:]...)
		l.firstSeq += uint64(evict)
	}

	for _, ch := range l.subs {
		select {
		case ch <- event:
		default:
			l.dropped++
		}
	}
}

// Entries returns the events appended since the last Clear that are still retained.
func (l *Log) Entries() []models.DiscoveryEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := 0
	if l.visibleFrom > l.firstSeq {
		start = int(l.visibleFrom - l.firstSeq)
	}
	if start >= len(l.entries) {
		return []models.DiscoveryEvent{}
	}
	return append([]models.DiscoveryEvent(nil), l.entries[start:]...)
}

// All returns every retained event, including cleared ones.
func (l *Log) All() []models.DiscoveryEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.DiscoveryEvent{}, l.entries...)
}

// Clear empties the visible window. History and subscribers are unaffected.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.visibleFrom = l.firstSeq + uint64(len(l.entries))
}

// Len is the number of retained events.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Dropped counts deliveries skipped because a subscriber was full.
func (l *Log) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Subscribe returns a channel receiving every event appended from now on and a
// cancel func that closes it. On a closed log the channel is already closed.
func (l *Log) Subscribe(buffer int) (<-chan models.DiscoveryEvent, func()) {
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan models.DiscoveryEvent, buffer)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		close(ch)
		return ch, func() {}
	}

	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if sub, ok := l.subs[id]; ok {
				delete(l.subs, id)
				close(sub)
			}
		})
	}
}

// Close ends every subscription. Events appended afterwards are still retained.
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.closed = true
	for id, ch := range l.subs {
		delete(l.subs, id)
		close(ch)
	}
}
