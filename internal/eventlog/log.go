// Package eventlog implements the append-only change-event log that the
// entity store publishes to and background components subscribe to.
//
// Delivery is at-least-once: a subscription re-delivers every event after its
// last acknowledged sequence number when rewound, so consumers must be
// idempotent per Seq.
package eventlog

import (
	"context"
	"fmt"
	"sync"

	"github.com/ppiankov/evidentia/internal/model"
)

// Log is an in-memory, seq-numbered event log
type Log struct {
	mu      sync.Mutex
	events  []model.ChangeEvent // retained tail, ascending Seq
	lastSeq uint64
	notify  chan struct{}
	subs    map[string]*Subscription
}

// New creates an empty log
func New() *Log {
	return &Log{
		notify: make(chan struct{}),
		subs:   make(map[string]*Subscription),
	}
}

// Restore seeds the log with journaled events, typically on startup
func (l *Log) Restore(events []model.ChangeEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, ev := range events {
		if ev.Seq <= l.lastSeq {
			continue
		}
		l.events = append(l.events, ev)
		l.lastSeq = ev.Seq
	}
}

// Stamp assigns consecutive sequence numbers to events without publishing them.
// Stamp and the matching Publish must be serialized by the single writer.
func (l *Log) Stamp(events []model.ChangeEvent) []model.ChangeEvent {
	l.mu.Lock()
	next := l.lastSeq
	l.mu.Unlock()

	out := make([]model.ChangeEvent, len(events))
	for i, ev := range events {
		next++
		ev.Seq = next
		out[i] = ev
	}
	return out
}

// Publish appends stamped events and wakes subscribers
func (l *Log) Publish(events []model.ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, ev := range events {
		if ev.Seq != l.lastSeq+1 {
			return fmt.Errorf("publish event: sequence gap (last %d, got %d)", l.lastSeq, ev.Seq)
		}
		l.events = append(l.events, ev)
		l.lastSeq = ev.Seq
	}

	close(l.notify)
	l.notify = make(chan struct{})
	return nil
}

// LastSeq returns the highest published sequence number
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

// Since returns retained events with Seq > after, at most limit (0 = all)
func (l *Log) Since(after uint64, limit int) []model.ChangeEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []model.ChangeEvent
	for _, ev := range l.events {
		if ev.Seq <= after {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Subscribe returns the named subscription, creating it at the start of the
// retained log if it does not exist yet
func (l *Log) Subscribe(name string) *Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()

	if sub, ok := l.subs[name]; ok {
		return sub
	}

	var start uint64
	if len(l.events) > 0 {
		start = l.events[0].Seq - 1
	}
	sub := &Subscription{name: name, log: l, cursor: start, acked: start}
	l.subs[name] = sub
	return sub
}

// Compact drops events acknowledged by every subscriber, keeping at least keep events
func (l *Log) Compact(keep int) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.subs) == 0 {
		return 0
	}

	minAck := l.lastSeq
	for _, sub := range l.subs {
		sub.mu.Lock()
		if sub.acked < minAck {
			minAck = sub.acked
		}
		sub.mu.Unlock()
	}

	drop := 0
	for drop < len(l.events)-keep && l.events[drop].Seq <= minAck {
		drop++
	}
	if drop > 0 {
		l.events = append([]model.ChangeEvent(nil), l.events[drop:]...)
	}
	return drop
}

// next returns the first retained event after seq, or a channel to wait on
func (l *Log) next(after uint64) (model.ChangeEvent, bool, <-chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, ev := range l.events {
		if ev.Seq > after {
			return ev, true, nil
		}
	}
	return model.ChangeEvent{}, false, l.notify
}

// Subscription is a named consumer cursor over the log
type Subscription struct {
	name string
	log  *Log

	mu     sync.Mutex
	cursor uint64 // last delivered
	acked  uint64 // last acknowledged
}

// Name returns the subscription name
func (s *Subscription) Name() string {
	return s.name
}

// Next blocks until an event after the cursor is available or ctx is done
func (s *Subscription) Next(ctx context.Context) (model.ChangeEvent, error) {
	for {
		s.mu.Lock()
		cursor := s.cursor
		s.mu.Unlock()

		ev, ok, wait := s.log.next(cursor)
		if ok {
			s.mu.Lock()
			if ev.Seq > s.cursor {
				s.cursor = ev.Seq
			}
			s.mu.Unlock()
			return ev, nil
		}

		select {
		case <-ctx.Done():
			return model.ChangeEvent{}, ctx.Err()
		case <-wait:
		}
	}
}

// Ack commits the cursor up to seq
func (s *Subscription) Ack(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.acked {
		s.acked = seq
	}
}

// Rewind moves the cursor back to the last acknowledged event so that
// everything after it is delivered again
func (s *Subscription) Rewind() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = s.acked
}

// Acked returns the last acknowledged sequence number
func (s *Subscription) Acked() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acked
}
