package live

import (
	"sync"

	"github.com/MrWong99/livevox/pkg/audio"
)

// DefaultOutboxSize holds roughly one minute of 256 ms capture frames.
const DefaultOutboxSize = 256

// Outbox is a bounded FIFO of outbound packets shared between the caller of
// SendAudio and a transport's writer goroutine. Push never blocks.
type Outbox struct {
	mu    sync.Mutex
	items []audio.EncodedPacket
	limit int
	ready chan struct{}
}

// NewOutbox returns an Outbox holding at most limit packets. A non-positive
// limit selects [DefaultOutboxSize].
func NewOutbox(limit int) *Outbox {
	if limit <= 0 {
		limit = DefaultOutboxSize
	}
	return &Outbox{limit: limit, ready: make(chan struct{}, 1)}
}

// Push appends pkt or returns [ErrQueueFull] without modifying the queue.
func (o *Outbox) Push(pkt audio.EncodedPacket) error {
	o.mu.Lock()
	if len(o.items) >= o.limit {
		o.mu.Unlock()
		return ErrQueueFull
	}
	o.items = append(o.items, pkt)
	o.mu.Unlock()
	o.Notify()
	return nil
}

// Pop removes and returns the oldest packet.
func (o *Outbox) Pop() (audio.EncodedPacket, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) == 0 {
		return audio.EncodedPacket{}, false
	}
	pkt := o.items[0]
	o.items[0] = audio.EncodedPacket{}
	o.items = o.items[1:]
	if len(o.items) == 0 {
		o.items = nil
	}
	return pkt, true
}

// Len returns the number of queued packets.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

// Reset discards every queued packet and returns how many were dropped.
func (o *Outbox) Reset() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := len(o.items)
	o.items = nil
	return n
}

// Ready is signalled after Push and after Notify. It carries at most one
// pending signal, so a writer must drain the queue fully on each wake-up.
func (o *Outbox) Ready() <-chan struct{} { return o.ready }

// Notify wakes the writer without enqueuing anything, e.g. when the session
// becomes Open and buffered packets may now be flushed.
func (o *Outbox) Notify() {
	select {
	case o.ready <- struct{}{}:
	default:
	}
}
