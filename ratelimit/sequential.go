package ratelimit

import (
	"sync"
	"time"
)

// DoneFunc is handed to every SequentialBucket task. The task must call it
// exactly once when the transport round-trip finishes; resetAt and remaining
// update the bucket from response headers. Pass a zero resetAt / negative
// remaining to leave a field unchanged.
type DoneFunc func(resetAt time.Time, remaining int)

// SequentialBucket runs tasks strictly one at a time, waiting out the window
// whenever the transport reports the allowance is spent. One bucket exists
// per canonicalized REST route.
type SequentialBucket struct {
	mu sync.Mutex

	Limit     int
	remaining int
	resetAt   time.Time

	busy  bool
	queue []func(DoneFunc)
}

func NewSequentialBucket(limit int) *SequentialBucket {
	return &SequentialBucket{Limit: limit, remaining: limit}
}

// Remaining reports the per-window allowance last seen from the transport.
func (b *SequentialBucket) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remaining
}

// ResetAt reports when the current window ends.
func (b *SequentialBucket) ResetAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resetAt
}

// Queue appends task and starts the drain if idle.
func (b *SequentialBucket) Queue(task func(DoneFunc)) {
	b.mu.Lock()
	b.queue = append(b.queue, task)
	if !b.busy {
		b.busy = true
		go b.next()
	}
	b.mu.Unlock()
}

func (b *SequentialBucket) next() {
	b.mu.Lock()
	if len(b.queue) == 0 {
		b.busy = false
		b.mu.Unlock()
		return
	}

	// Out of allowance: sleep until the window resets, then refill.
	if b.remaining <= 0 {
		wait := time.Until(b.resetAt)
		b.mu.Unlock()
		if wait > 0 {
			time.Sleep(wait)
		}
		b.mu.Lock()
		b.remaining = b.Limit
		if b.remaining <= 0 {
			b.remaining = 1
		}
	}

	task := b.queue[0]
	b.queue = b.queue[1:]
	b.remaining--
	b.mu.Unlock()

	var once sync.Once
	task(func(resetAt time.Time, remaining int) {
		once.Do(func() {
			b.mu.Lock()
			if !resetAt.IsZero() {
				b.resetAt = resetAt
			}
			if remaining >= 0 {
				b.remaining = remaining
			}
			wait := time.Until(b.resetAt)
			needWait := b.remaining <= 0 && wait > 0
			b.mu.Unlock()

			// The window wait and the next dispatch happen off the task's
			// goroutine, so the task that reported a spent window returns
			// at once and only the next task waits.
			go func() {
				if needWait {
					time.Sleep(wait)
					b.mu.Lock()
					b.remaining = b.Limit
					if b.remaining <= 0 {
						b.remaining = 1
					}
					b.mu.Unlock()
				}
				b.next()
			}()
		})
	})
}
