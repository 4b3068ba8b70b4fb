package hostsync

import (
	"sync"
)

// Cond is a host condition variable. Waiters are woken in FIFO order. The
// zero value is ready to use.
type Cond struct {
	mu      sync.Mutex
	waiters []chan struct{}
}

// Wait atomically releases m and blocks until woken by Signal or Broadcast,
// then reacquires m before returning. The caller must hold m.
//
// There are no spurious wakeups, but callers must still re-check their
// condition, as another party may run between the wakeup and the
// reacquisition of m.
func (c *Cond) Wait(m *Mutex) {
	ch := make(chan struct{})
	c.mu.Lock()
	c.waiters = append(c.waiters, ch)
	c.mu.Unlock()
	m.Exit()
	<-ch
	m.Enter()
}

// Signal wakes the longest waiting goroutine, if any.
func (c *Cond) Signal() {
	c.mu.Lock()
	if len(c.waiters) != 0 {
		close(c.waiters[0])
		c.waiters[0] = nil
		c.waiters = c.waiters[1:]
	}
	c.mu.Unlock()
}

// Broadcast wakes all waiting goroutines.
func (c *Cond) Broadcast() {
	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

// Waiters returns the number of goroutines blocked in Wait.
func (c *Cond) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}
