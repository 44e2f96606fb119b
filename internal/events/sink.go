package events

import (
	"sync"
	"sync/atomic"
)

// DropPolicy decides what a full ChannelSink does with new events.
type DropPolicy int

const (
	// DropLowest discards the lowest-priority event, preferring to keep
	// run and node boundary events over per-attempt noise.
	DropLowest DropPolicy = iota
	// Block makes Emit wait for buffer space. Only for consumers that
	// are known to keep up.
	Block
)

// ChannelSink buffers events for one consumer. Emit never blocks under
// DropLowest; overflow drops the least important event and counts it.
type ChannelSink struct {
	mu        sync.Mutex
	buf       []Event
	cap       int
	policy    DropPolicy
	dropped   atomic.Uint64
	ch        chan Event
	closed    bool
	discarded chan struct{}
	space     *sync.Cond
}

// NewChannelSink returns a sink buffering up to capacity events.
func NewChannelSink(capacity int, policy DropPolicy) *ChannelSink {
	if capacity <= 0 {
		capacity = 256
	}
	s := &ChannelSink{cap: capacity, policy: policy, ch: make(chan Event), discarded: make(chan struct{})}
	s.space = sync.NewCond(&s.mu)
	go s.drain()
	return s
}

// Emit implements Sink.
func (s *ChannelSink) Emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if len(s.buf) >= s.cap {
		switch s.policy {
		case Block:
			for len(s.buf) >= s.cap && !s.closed {
				s.space.Wait()
			}
			if s.closed {
				return
			}
		default:
			if !s.evictLowerThan(ev.Type.priority()) {
				// Nothing buffered is less important; drop the newcomer.
				s.dropped.Add(1)
				return
			}
		}
	}
	s.buf = append(s.buf, ev)
	s.space.Broadcast()
}

// evictLowerThan removes the oldest buffered event with priority below p.
func (s *ChannelSink) evictLowerThan(p int) bool {
	for i, ev := range s.buf {
		if ev.Type.priority() < p {
			s.buf = append(s.buf[:i], s.buf[i+1:]...)
			s.dropped.Add(1)
			return true
		}
	}
	return false
}

// Events is the consumer side. The channel closes after Close once the
// buffer drains.
func (s *ChannelSink) Events() <-chan Event {
	return s.ch
}

// Dropped reports how many events were discarded.
func (s *ChannelSink) Dropped() uint64 {
	return s.dropped.Load()
}

// Close stops the sink. Buffered events are still delivered, so callers
// that stream Events must keep reading until the channel closes.
func (s *ChannelSink) Close() {
	s.mu.Lock()
	s.closed = true
	s.space.Broadcast()
	s.mu.Unlock()
}

// Discard closes a sink nobody is reading: buffered and in-flight
// events are dropped and counted, and the drain goroutine exits instead
// of waiting forever on an absent consumer.
func (s *ChannelSink) Discard() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.discarded)
	}
	s.dropped.Add(uint64(len(s.buf)))
	s.buf = nil
	s.space.Broadcast()
	s.mu.Unlock()
}

func (s *ChannelSink) drain() {
	for {
		s.mu.Lock()
		for len(s.buf) == 0 && !s.closed {
			s.space.Wait()
		}
		if len(s.buf) == 0 && s.closed {
			s.mu.Unlock()
			close(s.ch)
			return
		}
		ev := s.buf[0]
		s.buf = s.buf[1:]
		s.space.Broadcast()
		s.mu.Unlock()

		select {
		case s.ch <- ev:
		case <-s.discarded:
			s.dropped.Add(1)
		}
	}
}

// Bus fans events out to multiple sinks.
type Bus struct {
	mu    sync.RWMutex
	sinks []Sink
}

// NewBus returns a bus over the given sinks.
func NewBus(sinks ...Sink) *Bus {
	return &Bus{sinks: sinks}
}

// Subscribe adds a sink. Events emitted before Subscribe are not replayed.
func (b *Bus) Subscribe(sink Sink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, sink)
	b.mu.Unlock()
}

// Emit implements Sink.
func (b *Bus) Emit(ev Event) {
	b.mu.RLock()
	sinks := b.sinks
	b.mu.RUnlock()
	for _, s := range sinks {
		s.Emit(ev)
	}
}

// Collector records every event it sees. Intended for tests.
type Collector struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements Sink.
func (c *Collector) Emit(ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// ByNode filters recorded events to one node id.
func (c *Collector) ByNode(nodeID string) []Event {
	var out []Event
	for _, ev := range c.Events() {
		if ev.NodeID == nodeID {
			out = append(out, ev)
		}
	}
	return out
}
