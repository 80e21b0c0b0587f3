// Package credit implements the client side of SMB2 credit flow control.
//
// The server grants credits in every response; each request consumes its
// CreditCharge. The Controller is a fair counting pool: waiters are served
// strictly in arrival order, so a large request is never starved by a
// stream of small ones.
//
// # Credit charge
//
// One credit covers 64 KiB of payload. Dialects before 2.1 have no
// multi-credit support and every request costs exactly one credit.
//
//	charge = max(1, ceil(payloadBytes / 65536))
//
// Reference: [MS-SMB2] Section 3.2.4.1.5
package credit

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
)

// UnitSize is the payload size covered by one credit.
const UnitSize = 65536

// ErrTimeout is returned when credits could not be obtained in time. It is
// retryable: the connection stays usable.
var ErrTimeout = errors.New("failed to acquire credits in time")

// ErrClosed is returned to waiters when the pool is closed.
var ErrClosed = errors.New("credit pool closed")

type waiter struct {
	n     int
	ready chan struct{}
	err   error
}

// Controller is a fair counting pool of credits. The zero value is not
// usable; use New.
type Controller struct {
	mu        sync.Mutex
	available int
	waiters   list.List
	closed    error
}

// New returns a Controller holding initial credits.
func New(initial int) *Controller {
	return &Controller{available: initial}
}

// Available returns the credits currently in the pool.
func (c *Controller) Available() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.available
}

// Waiting returns the number of blocked acquirers.
func (c *Controller) Waiting() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiters.Len()
}

// TryAcquire takes n credits without blocking. It fails when waiters are
// queued, preserving FIFO order.
func (c *Controller) TryAcquire(n int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed == nil && c.waiters.Len() == 0 && c.available >= n {
		c.available -= n
		return true
	}
	return false
}

// Acquire blocks until n credits are available or ctx ends. A context
// deadline is reported as ErrTimeout.
func (c *Controller) Acquire(ctx context.Context, n int) error {
	c.mu.Lock()
	if c.closed != nil {
		err := c.closed
		c.mu.Unlock()
		return err
	}
	if c.waiters.Len() == 0 && c.available >= n {
		c.available -= n
		c.mu.Unlock()
		return nil
	}

	w := &waiter{n: n, ready: make(chan struct{})}
	elem := c.waiters.PushBack(w)
	c.mu.Unlock()

	select {
	case <-w.ready:
		return w.err
	case <-ctx.Done():
		c.mu.Lock()
		select {
		case <-w.ready:
			// granted while cancelling: give the credits back
			if w.err == nil {
				c.available += n
				c.notifyLocked()
			}
		default:
			isFront := c.waiters.Front() == elem
			c.waiters.Remove(elem)
			// removing the head may unblock smaller requests behind it
			if isFront {
				c.notifyLocked()
			}
		}
		c.mu.Unlock()

		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: need %d", ErrTimeout, n)
		}
		return ctx.Err()
	}
}

// Release returns n credits to the pool. Servers may grant more than was
// consumed, so there is no upper bound.
func (c *Controller) Release(n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	c.available += n
	c.notifyLocked()
	c.mu.Unlock()
}

// Reset sets the pool to n credits and reopens it, as after a fresh
// negotiation.
func (c *Controller) Reset(n int) {
	c.mu.Lock()
	c.available = n
	c.closed = nil
	c.notifyLocked()
	c.mu.Unlock()
}

// Close fails all current and future waiters with err until Reset.
func (c *Controller) Close(err error) {
	if err == nil {
		err = ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = err
	c.available = 0
	for e := c.waiters.Front(); e != nil; e = c.waiters.Front() {
		w := c.waiters.Remove(e).(*waiter)
		w.err = err
		close(w.ready)
	}
}

func (c *Controller) notifyLocked() {
	for {
		front := c.waiters.Front()
		if front == nil {
			return
		}
		w := front.Value.(*waiter)
		if c.available < w.n {
			return
		}
		c.available -= w.n
		c.waiters.Remove(front)
		close(w.ready)
	}
}

// Charge returns the credit charge for a request carrying payload bytes.
func Charge(payload int, multiCredit bool) uint16 {
	if !multiCredit || payload <= UnitSize {
		return 1
	}
	return uint16((payload-1)/UnitSize + 1)
}

// Request computes how many credits to ask for on the head of a chain of n
// requests: enough to bring the pool back to desired, and at least one.
func Request(desired, available, n int) uint16 {
	return uint16(max(1, desired-available-n+1))
}
