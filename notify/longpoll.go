package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chainview/chainview-go/internal/queue"
)

// pollExpireCount is the number of liveness checks a LongPoll may miss
// before it is considered abandoned. Expiry is permanent; an expired channel
// is replaced by re-registering the session.
const pollExpireCount = 5

// LongPoll buffers events until the client issues a poll. The buffer is
// unbounded: back-pressure is explicitly not this layer's job, and delivery
// must never block the dispatch pipeline.
//
// mu serializes Respond and is shared with IsLive via a try-lock: a poll
// response in progress counts as recent activity, so IsLive succeeds without
// touching the expiry counter while the lock is held.
type LongPoll struct {
	mu    sync.Mutex
	count atomic.Uint32
	buf   *queue.Queue[Event]

	// isReady lets an in-flight poll notice that the owning session is not
	// serving (shutdown in progress) and return a terminal result early.
	isReady func() bool
}

var _ Channel = (*LongPoll)(nil)

func NewLongPoll(isReady func() bool) *LongPoll {
	if isReady == nil {
		isReady = func() bool { return true }
	}
	return &LongPoll{
		buf:     queue.New[Event](),
		isReady: isReady,
	}
}

func (l *LongPoll) Deliver(ev Event) {
	_ = l.buf.Push(ev)
}

// Respond blocks until at least one event is buffered, the owning session
// stops serving, the channel is shut down, or maxWait elapses. On data it
// drains the entire buffer as one ordered batch; maxWait expiry returns an
// empty batch and nil error so the client can re-poll. Either way a completed
// response resets the expiry counter: an empty poll still proves the client
// is there. Termination returns ErrTerminated, as do all later calls.
func (l *LongPoll) Respond(ctx context.Context, maxWait time.Duration) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.count.Load() >= pollExpireCount {
		// Expired while nobody was polling. Make the terminal state sticky
		// before reporting it.
		l.buf.Terminate()
	}
	if !l.isReady() {
		return nil, ErrTerminated
	}

	batch, err := l.buf.PopAll(ctx, maxWait)
	if err != nil {
		if err == queue.ErrTerminated {
			return nil, ErrTerminated
		}
		return nil, err
	}
	l.count.Store(0)
	return batch, nil
}

// IsLive increments the expiry counter unless a poll response is in flight,
// and reports whether the counter is still below the expiry threshold.
func (l *LongPoll) IsLive() bool {
	if !l.mu.TryLock() {
		// A responder holds the lock: the client is actively polling.
		return true
	}
	defer l.mu.Unlock()
	return l.count.Add(1) < pollExpireCount
}

// Terminated reports whether the channel has reached its terminal state.
func (l *LongPoll) Terminated() bool {
	return l.buf.Terminated()
}

// Shutdown terminates the buffer, then takes the response lock. The ordering
// matters: termination wakes any blocked responder, and acquiring the lock
// afterwards guarantees no in-flight response is still reading session state
// when Shutdown returns.
func (l *LongPoll) Shutdown() {
	l.buf.Terminate()
	l.mu.Lock()
	l.mu.Unlock() //nolint:staticcheck // the acquire is the synchronization point
}
