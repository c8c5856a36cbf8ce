// Package progress implements the per-job multicast progress bus (spec
// §4.3): publish is non-blocking for the publisher, a slow subscriber is
// dropped rather than allowed to stall it, and each subscriber sees
// messages for a job in strict publish order.
package progress

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// subscriberBufferSize bounds how many undelivered messages a subscriber
// may accumulate before it is dropped (drop-subscriber-on-overflow).
const subscriberBufferSize = 64

// Sink receives messages for a subscription. Implementations must not
// block indefinitely; the bus delivers by a non-blocking channel send and
// drops the subscriber on overflow, so a Sink backed by a bounded channel
// is the expected shape.
type Sink chan<- Message

// Handle identifies a subscription returned by Subscribe, for Unsubscribe.
type Handle struct {
	jobID string
	id    uint64
}

type subscription struct {
	id     uint64
	ch     chan Message
	closed bool
}

type jobState struct {
	mu   sync.Mutex
	subs map[uint64]*subscription
	seq  int64
}

// Bus is the process-wide progress multicast. The zero value is not
// usable; use New.
type Bus struct {
	mu      sync.RWMutex
	jobs    map[string]*jobState
	nextSub atomic.Uint64
	logger  *slog.Logger
}

// New creates an empty Bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{jobs: make(map[string]*jobState), logger: logger}
}

func (b *Bus) stateFor(jobID string, createIfMissing bool) *jobState {
	b.mu.RLock()
	st, ok := b.jobs[jobID]
	b.mu.RUnlock()
	if ok || !createIfMissing {
		return st
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok = b.jobs[jobID]; ok {
		return st
	}
	st = &jobState{subs: make(map[uint64]*subscription)}
	b.jobs[jobID] = st
	return st
}

// Subscribe registers a channel to receive messages for jobID from this
// point forward (late joiners do not replay history; query the session
// store for that). Returns a bounded-buffer channel and a Handle for
// Unsubscribe.
func (b *Bus) Subscribe(jobID string) (<-chan Message, Handle) {
	st := b.stateFor(jobID, true)

	id := b.nextSub.Add(1)
	ch := make(chan Message, subscriberBufferSize)

	st.mu.Lock()
	st.subs[id] = &subscription{id: id, ch: ch}
	st.mu.Unlock()

	return ch, Handle{jobID: jobID, id: id}
}

// Unsubscribe removes a subscription and closes its channel. Idempotent.
func (b *Bus) Unsubscribe(h Handle) {
	st := b.stateFor(h.jobID, false)
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	b.closeSubLocked(st, h.id)
}

func (b *Bus) closeSubLocked(st *jobState, id uint64) {
	sub, ok := st.subs[id]
	if !ok {
		return
	}
	delete(st.subs, id)
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

// Publish delivers message to every live subscriber of jobID, assigning it
// the next per-job sequence number and a timestamp. Both are stamped here
// (under the per-job lock), not by the caller: concurrent publishers for
// the same job may race to call Publish, so only the lock's serialization
// can guarantee Seq and Timestamp increase together in delivery order.
// Non-blocking: a subscriber whose buffer is full is dropped instead of
// stalling the publisher.
func (b *Bus) Publish(jobID string, msg Message) {
	st := b.stateFor(jobID, true)

	st.mu.Lock()
	st.seq++
	msg.JobID = jobID
	msg.Seq = st.seq
	msg.Timestamp = time.Now()

	// Deliver while still holding the lock: sends are non-blocking, so this
	// cannot stall on a slow subscriber, and it keeps delivery in Seq order
	// across concurrent publishers and keeps a concurrent Unsubscribe from
	// closing a channel mid-send.
	ids := make([]uint64, 0, len(st.subs))
	subs := make([]*subscription, 0, len(st.subs))
	for id, sub := range st.subs {
		ids = append(ids, id)
		subs = append(subs, sub)
	}

	var overflowed []uint64
	for i, sub := range subs {
		select {
		case sub.ch <- msg:
		default:
			overflowed = append(overflowed, ids[i])
		}
	}
	st.mu.Unlock()

	if len(overflowed) == 0 {
		return
	}
	st.mu.Lock()
	for _, id := range overflowed {
		b.logger.Warn("dropping slow progress subscriber", "jobId", jobID, "subscriptionId", id)
		b.closeSubLocked(st, id)
	}
	st.mu.Unlock()
}

// CloseJob closes every subscription for jobID and releases its state.
// Any messages already buffered in subscriber channels remain readable
// until drained; no further Publish for jobID will reach them.
func (b *Bus) CloseJob(jobID string) {
	b.mu.Lock()
	st, ok := b.jobs[jobID]
	if ok {
		delete(b.jobs, jobID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	for id := range st.subs {
		b.closeSubLocked(st, id)
	}
}
