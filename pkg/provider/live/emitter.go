package live

import (
	"context"
	"sync"
	"time"
)

// DefaultEventBuffer is the capacity of an [Emitter]'s channel.
const DefaultEventBuffer = 64

// finishTimeout bounds how long terminal events wait for a reader that has
// stopped consuming.
const finishTimeout = 2 * time.Second

// Emitter owns a session's event channel. It has a single writer: the
// transport's receive goroutine calls Emit for every event and Finish once
// when the session ends; no other goroutine may call either.
type Emitter struct {
	ch   chan InboundEvent
	once sync.Once
}

// NewEmitter returns an Emitter whose channel buffers size events. A
// non-positive size selects [DefaultEventBuffer].
func NewEmitter(size int) *Emitter {
	if size <= 0 {
		size = DefaultEventBuffer
	}
	return &Emitter{ch: make(chan InboundEvent, size)}
}

// Events returns the receive side of the channel.
func (e *Emitter) Events() <-chan InboundEvent { return e.ch }

// Emit delivers ev, blocking while the buffer is full. It returns false if
// ctx is cancelled first, in which case ev is dropped.
func (e *Emitter) Emit(ctx context.Context, ev InboundEvent) bool {
	select {
	case e.ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Finish delivers the terminal events in order and closes the channel. Only
// the first call has any effect. Delivery waits at most two seconds in
// total for buffer space; events that cannot be delivered in time are
// dropped so the channel is always closed.
func (e *Emitter) Finish(evs ...InboundEvent) {
	e.once.Do(func() {
		timer := time.NewTimer(finishTimeout)
		defer timer.Stop()
		for _, ev := range evs {
			select {
			case e.ch <- ev:
			case <-timer.C:
				close(e.ch)
				return
			}
		}
		close(e.ch)
	})
}
