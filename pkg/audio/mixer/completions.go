package mixer

import "sync"

// Completions hands onEnded callbacks from the audio thread to a notifier
// goroutine. Push never blocks on the consumer and never drops a callback.
type Completions struct {
	mu    sync.Mutex
	fns   []func()
	ready chan struct{}
}

// NewCompletions returns an empty queue.
func NewCompletions() *Completions {
	return &Completions{ready: make(chan struct{}, 1)}
}

// Push appends fns and wakes the consumer.
func (c *Completions) Push(fns []func()) {
	if len(fns) == 0 {
		return
	}
	c.mu.Lock()
	c.fns = append(c.fns, fns...)
	c.mu.Unlock()
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

// Ready is signalled after Push. One signal may cover several pushes.
func (c *Completions) Ready() <-chan struct{} { return c.ready }

// Drain removes and returns every queued callback in push order.
func (c *Completions) Drain() []func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	fns := c.fns
	c.fns = nil
	return fns
}

// Len returns the number of queued callbacks.
func (c *Completions) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.fns)
}
