package events

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"xdao.co/agentpay/identity"
)

// ErrSlowConsumer is reported by a subscription that was dropped because its
// buffer filled. The consumer can resume with Log.Since from its last Seq.
var ErrSlowConsumer = errors.New("events: subscriber fell behind and was dropped")

// Filter selects events. The zero Filter matches everything.
type Filter struct {
	// Kinds restricts to the listed kinds when non-empty.
	Kinds []Kind
	// Party restricts to events involving this address when non-zero.
	Party identity.Address
}

func (f Filter) Match(e Event) bool {
	if len(f.Kinds) > 0 {
		ok := false
		for _, k := range f.Kinds {
			if e.Kind() == k {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if !f.Party.IsZero() && !e.Involves(f.Party) {
		return false
	}
	return true
}

// Log is an append-only, in-memory event log. Safe for concurrent use.
type Log struct {
	mu     sync.RWMutex
	events []Event
	subs   map[uuid.UUID]*Subscription
}

func NewLog() *Log {
	return &Log{subs: make(map[uuid.UUID]*Subscription)}
}

// Append assigns consecutive sequence numbers to evs, records them and fans
// them out to subscribers. It returns the stored events.
func (l *Log) Append(evs ...Event) []Event {
	if len(evs) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Event, len(evs))
	for i, e := range evs {
		e.Seq = uint64(len(l.events)) + 1
		l.events = append(l.events, e)
		out[i] = e
	}
	for id, s := range l.subs {
		for _, e := range out {
			if !s.filter.Match(e) {
				continue
			}
			select {
			case s.ch <- e:
			default:
				s.drop(ErrSlowConsumer)
				delete(l.subs, id)
			}
			if s.dropped() {
				break
			}
		}
	}
	return out
}

// Head returns the sequence number of the newest event, 0 when empty.
func (l *Log) Head() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.events))
}

// Since returns events with Seq > cursor, oldest first. limit <= 0 means no limit.
func (l *Log) Since(cursor uint64, limit int) []Event {
	return l.SinceFiltered(cursor, limit, Filter{})
}

// SinceFiltered is Since restricted to events matching f. limit counts
// matching events.
func (l *Log) SinceFiltered(cursor uint64, limit int, f Filter) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.collect(cursor, limit, f)
}

func (l *Log) collect(cursor uint64, limit int, f Filter) []Event {
	if cursor >= uint64(len(l.events)) {
		return nil
	}
	var out []Event
	for _, e := range l.events[cursor:] {
		if !f.Match(e) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Subscribe registers a push subscription for events matching f. The events
// already in the log after cursor and matching f are returned as backlog; the
// subscription then delivers every later matching event, so backlog followed
// by the channel is gap-free.
//
// buffer is the channel capacity (minimum 1). A subscriber that lets the
// buffer fill is dropped: its channel is closed and Err returns
// ErrSlowConsumer.
func (l *Log) Subscribe(cursor uint64, f Filter, buffer int) ([]Event, *Subscription) {
	if buffer < 1 {
		buffer = 1
	}
	s := &Subscription{
		ID:     uuid.New(),
		filter: f,
		ch:     make(chan Event, buffer),
		log:    l,
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	backlog := l.collect(cursor, 0, f)
	l.subs[s.ID] = s
	return backlog, s
}

func (l *Log) unsubscribe(id uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.subs[id]; ok {
		delete(l.subs, id)
		s.drop(nil)
	}
}

// Subscribers returns the number of live subscriptions.
func (l *Log) Subscribers() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.subs)
}

// Subscription is a live feed of log events.
type Subscription struct {
	ID uuid.UUID

	filter Filter
	ch     chan Event
	log    *Log

	once sync.Once
	mu   sync.Mutex
	err  error
	done bool
}

// C delivers matching events in log order. It is closed when the
// subscription ends.
func (s *Subscription) C() <-chan Event { return s.ch }

// Err returns why the subscription ended: nil after Close, ErrSlowConsumer
// after a drop.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.log.unsubscribe(s.ID)
}

// drop must be called with the log's write lock held.
func (s *Subscription) drop(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.done = true
		s.mu.Unlock()
		close(s.ch)
	})
}

func (s *Subscription) dropped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}
