package gateway

import (
	"sync"

	"optionrelay/pkg/types"
)

// frameQueue is the bounded outbound queue for one client transport.
//
// Overflow policy: market updates are elastic, control frames are not. When
// the queue is full, the oldest MARKET_UPDATE is evicted and its payload
// merged forward (latest value per key wins), so a stalled client catches up
// to current prices instead of replaying history. FEED_STATE, errors, and
// other control frames are never dropped; if the queue is somehow full of
// control frames it grows past the cap rather than lose one.
type frameQueue struct {
	mu     sync.Mutex
	frames []types.Frame
	limit  int
	notify chan struct{}
	closed bool
	once   sync.Once
}

func newFrameQueue(limit int) *frameQueue {
	if limit < 1 {
		limit = 1
	}
	return &frameQueue{
		limit:  limit,
		notify: make(chan struct{}, 1),
	}
}

// push enqueues a frame, applying the overflow policy. Returns true when an
// older market update was merged away to make room.
func (q *frameQueue) push(f types.Frame) (droppedUpdate bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}

	if len(q.frames) >= q.limit {
		if i := q.oldestUpdateLocked(); i >= 0 {
			evicted := q.frames[i]
			q.frames = append(q.frames[:i], q.frames[i+1:]...)
			droppedUpdate = true
			if f.Type == types.TypeMarketUpdate {
				f = mergeUpdates(evicted, f)
			} else if j := q.oldestUpdateLocked(); j >= 0 {
				// Control frame made room: carry the evicted payload into
				// the next queued update so no key silently loses its value.
				q.frames[j] = mergeUpdates(evicted, q.frames[j])
			}
		} else if f.Type == types.TypeMarketUpdate {
			// Full of control frames; the update yields.
			q.mu.Unlock()
			return true
		}
	}

	q.frames = append(q.frames, f)
	// Notify under the mutex: close() flips the closed flag while holding it
	// before closing the channel, so a send here can never race the close.
	select {
	case q.notify <- struct{}{}:
	default:
	}
	q.mu.Unlock()
	return droppedUpdate
}

// pop removes and returns the oldest frame.
func (q *frameQueue) pop() (types.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return types.Frame{}, false
	}
	f := q.frames[0]
	q.frames = q.frames[1:]
	return f, true
}

// len reports the queued frame count.
func (q *frameQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// wait signals when frames are available; the channel closes when the queue
// closes.
func (q *frameQueue) wait() <-chan struct{} {
	return q.notify
}

// close stops the queue. Remaining frames stay poppable so the write pump
// can drain before shutting the connection.
func (q *frameQueue) close() {
	q.once.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		close(q.notify)
	})
}

func (q *frameQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *frameQueue) oldestUpdateLocked() int {
	for i, f := range q.frames {
		if f.Type == types.TypeMarketUpdate {
			return i
		}
	}
	return -1
}

// mergeUpdates folds an older market update under a newer one. The newer
// value wins per key; keys only the older frame carried are preserved. The
// result is a fresh map: frames are shared across transports and must not be
// mutated.
func mergeUpdates(older, newer types.Frame) types.Frame {
	oldData, okOld := older.Data.(types.MarketUpdateData)
	newData, okNew := newer.Data.(types.MarketUpdateData)
	if !okOld || !okNew {
		return newer
	}
	merged := make(types.MarketUpdateData, len(oldData)+len(newData))
	for k, v := range oldData {
		merged[k] = v
	}
	for k, v := range newData {
		merged[k] = v
	}
	return types.Frame{Type: types.TypeMarketUpdate, Data: merged}
}
