// Package broker buffers each debate's event stream so a subscriber can
// attach at any point, replay from the first event and follow live. The
// producer never blocks on a slow or absent consumer.
package broker

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"dev.helix.reason/internal/debate"
)

var (
	ErrUnknownDebate = errors.New("unknown debate")
	ErrDuplicateID   = errors.New("debate id already registered")
	ErrBusy          = errors.New("debate already has a subscriber")
)

// Broker holds the per-debate event logs. Finished debates are kept for the
// retention window so late subscribers can still replay them.
type Broker struct {
	mu        sync.Mutex
	streams   map[string]*stream
	retention time.Duration
	buffer    int
	logger    *logrus.Logger
}

// entry pairs an event with its position in the debate's total order, so a
// subscriber's cursor survives evictions under buffer pressure.
type entry struct {
	seq int
	ev  debate.Event
}

type stream struct {
	entries   []entry
	nextSeq   int
	truncated int  // events evicted under buffer pressure
	done      bool // terminal event appended
	busy      bool // a subscriber is attached
	updated   chan struct{}
	expire    *time.Timer
}

// New creates a broker. buffer caps the number of retained events per
// debate; retention is how long a finished debate's log stays available.
func New(retention time.Duration, buffer int, logger *logrus.Logger) *Broker {
	if buffer < 16 {
		buffer = 16
	}
	if retention <= 0 {
		retention = 5 * time.Minute
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Broker{
		streams:   make(map[string]*stream),
		retention: retention,
		buffer:    buffer,
		logger:    logger,
	}
}

// Register creates the event log for a debate. Must be called before the
// first Publish so no subscriber can observe a gap at the head.
func (b *Broker) Register(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.streams[id]; ok {
		return ErrDuplicateID
	}
	b.streams[id] = &stream{updated: make(chan struct{})}
	return nil
}

// Publish appends one event to a debate's log and wakes the subscriber.
// After the terminal event the log is scheduled for expiry.
func (b *Broker) Publish(id string, ev debate.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.streams[id]
	if !ok || st.done {
		return
	}

	if len(st.entries) >= b.buffer {
		b.evictOldest(id, st)
	}
	st.entries = append(st.entries, entry{seq: st.nextSeq, ev: ev})
	st.nextSeq++

	if ev.Terminal() {
		st.done = true
		st.expire = time.AfterFunc(b.retention, func() { b.remove(id) })
	}

	close(st.updated)
	st.updated = make(chan struct{})
}

// evictOldest drops the oldest droppable event. Terminal and early-stop
// events survive buffer pressure.
func (b *Broker) evictOldest(id string, st *stream) {
	for i, e := range st.entries {
		if e.ev.Critical() {
			continue
		}
		st.entries = append(st.entries[:i], st.entries[i+1:]...)
		st.truncated++
		if st.truncated == 1 {
			b.logger.WithField("debate", id).Warn("Event buffer full, dropping oldest events")
		}
		return
	}
}

// Run drains a debate's producer channel into the log. It always consumes
// the channel to the end, so subscriber disconnects never stall the debate.
func (b *Broker) Run(id string, events <-chan debate.Event) {
	for ev := range events {
		b.Publish(id, ev)
	}
}

// Subscription is a live view over one debate's event log.
type Subscription struct {
	// Events replays the log from the oldest retained event, then follows
	// live. It is closed after the terminal event or on Cancel.
	Events <-chan debate.Event
	// Truncated counts events lost to buffer pressure before the subscriber
	// attached.
	Truncated int

	cancel chan struct{}
	once   sync.Once
}

// Cancel detaches the subscriber. The debate keeps running.
func (s *Subscription) Cancel() {
	s.once.Do(func() { close(s.cancel) })
}

// Subscribe attaches the single allowed subscriber to a debate. The returned
// subscription must be cancelled when the consumer goes away.
func (b *Broker) Subscribe(id string) (*Subscription, error) {
	b.mu.Lock()
	st, ok := b.streams[id]
	if !ok {
		b.mu.Unlock()
		return nil, ErrUnknownDebate
	}
	if st.busy {
		b.mu.Unlock()
		return nil, ErrBusy
	}
	st.busy = true
	truncated := st.truncated
	b.mu.Unlock()

	out := make(chan debate.Event)
	sub := &Subscription{Events: out, Truncated: truncated, cancel: make(chan struct{})}

	go func() {
		defer close(out)
		defer b.release(id)

		cursor := 0 // seq of the next event to deliver
		for {
			b.mu.Lock()
			st, ok := b.streams[id]
			if !ok {
				b.mu.Unlock()
				return
			}
			var pending []debate.Event
			for _, e := range st.entries {
				if e.seq >= cursor {
					pending = append(pending, e.ev)
					cursor = e.seq + 1
				}
			}
			done := st.done
			updated := st.updated
			b.mu.Unlock()

			for _, ev := range pending {
				select {
				case out <- ev:
				case <-sub.cancel:
					return
				}
			}
			if done {
				return
			}

			select {
			case <-updated:
			case <-sub.cancel:
				return
			}
		}
	}()

	return sub, nil
}

func (b *Broker) release(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.streams[id]; ok {
		st.busy = false
	}
}

func (b *Broker) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.streams[id]; ok {
		delete(b.streams, id)
		close(st.updated)
	}
}

// Has reports whether a debate's log is still retained.
func (b *Broker) Has(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.streams[id]
	return ok
}

// Active counts debates whose terminal event has not arrived yet.
func (b *Broker) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, st := range b.streams {
		if !st.done {
			n++
		}
	}
	return n
}

// Close drops all logs and stops the expiry timers.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, st := range b.streams {
		if st.expire != nil {
			st.expire.Stop()
		}
		delete(b.streams, id)
		close(st.updated)
	}
}
