// Package stream multiplexes the shared backend event bus onto
// per-session client sinks.
package stream

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/marketmind/marketmind/pkg/models"
)

// subscriberBuffer is the channel depth handed to each subscriber. A full
// buffer applies backpressure to publishers rather than dropping events,
// preserving per-session ordering.
const subscriberBuffer = 256

// Bus is the shared in-process event bus for backend analyst events.
// Publishers are decoupled from subscriber liveness: publishing never
// returns an error and never panics after Close.
type Bus struct {
	mu     sync.RWMutex
	subs   []chan *models.AnalystEvent
	closed bool
	seq    atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Publish stamps the event with a monotonic sequence number and delivers
// it to every subscriber in publish order. Events published after Close
// are dropped.
func (b *Bus) Publish(ev *models.AnalystEvent) {
	if ev == nil {
		return
	}
	ev.Sequence = b.seq.Add(1)
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		ch <- ev
	}
}

// Subscribe returns a channel receiving every subsequently published
// event. The channel is closed by Close.
func (b *Bus) Subscribe() <-chan *models.AnalystEvent {
	ch := make(chan *models.AnalystEvent, subscriberBuffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
