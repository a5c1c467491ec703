// Package notify provides the signalling primitives the queue engines are
// built on: interrupt lines from a device to its driver and a worker that
// runs deferred work outside of interrupt context.
package notify

import (
	"errors"
	"sync"
)

// ErrClosed is returned when a closed line or worker is used.
var ErrClosed = errors.New("closed")

// Line is an interrupt line from a device to its driver.
//
// Raise never blocks. Raises that arrive while a previous one has not been
// delivered yet are merged into one delivery. The bound handler runs on a
// goroutine owned by the line, which plays the role of interrupt context: it
// must return quickly and never block.
type Line interface {
	Raise() error
	Bind(handler func()) error
	Close() error
}

// ChanLine is an in-process [Line] backed by a channel.
type ChanLine struct {
	pending chan struct{}

	mu      sync.Mutex
	handler func()
	closed  bool
	quit    chan struct{}
	done    chan struct{}
}

func NewChanLine() *ChanLine {
	return &ChanLine{
		pending: make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Raise asserts the line. It is delivered once a handler is bound.
func (c *ChanLine) Raise() error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	select {
	case c.pending <- struct{}{}:
	default:
	}
	return nil
}

// Bind sets the handler and starts delivery. A line can only be bound once.
func (c *ChanLine) Bind(handler func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.handler != nil {
		return errors.New("line is already bound")
	}
	c.handler = handler

	go c.deliver(handler)
	return nil
}

func (c *ChanLine) deliver(handler func()) {
	defer close(c.done)
	for {
		select {
		case <-c.quit:
			return
		case <-c.pending:
			handler()
		}
	}
}

// Close stops delivery and waits for a running handler to return.
func (c *ChanLine) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	bound := c.handler != nil
	c.mu.Unlock()

	close(c.quit)
	if bound {
		<-c.done
	}
	return nil
}
