// Package bridge connects the interrupt of a device to the clients waiting
// for its completions. The interrupt service routine only acknowledges the
// interrupt and schedules a drain; the drain runs as deferred work, reads
// completions off every queue and hands them to the clients.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/vring/virtqueue"
)

var (
	ErrTooManyClients = errors.New("too many clients")
	ErrClientNotFound = errors.New("client not found")
	ErrClosed         = errors.New("bridge is closed")
)

// InterruptSource is the interrupt of a device.
type InterruptSource interface {
	Bind(isr func()) error
	Enable()
	Disable()
	// Clear acknowledges pending interrupts and returns their status bits.
	Clear() uint32
}

// Scheduler runs deferred work outside interrupt context.
type Scheduler interface {
	// Schedule queues work, it returns false when work is already pending.
	Schedule(work func()) bool
	// Cancel drops pending work and waits for running work to finish.
	Cancel()
}

// Queue is the driver side of a queue as far as the bridge is concerned.
// GetBuf must consume the entry it fails on, except when it reports
// [virtqueue.ErrIndexJump].
type Queue interface {
	ID() uint16
	GetBuf() (virtqueue.Completion, bool, error)
	Processing() uint16
}

// Client receives completions. It returns false to stop the current drain
// cycle, the bridge then schedules another cycle for the remaining work.
type Client interface {
	Complete(queue uint16, c virtqueue.Completion) bool
}

// ClientFunc adapts a function to the [Client] interface.
type ClientFunc func(queue uint16, c virtqueue.Completion) bool

func (f ClientFunc) Complete(queue uint16, c virtqueue.Completion) bool {
	return f(queue, c)
}

// ClientHandle identifies a registered client.
type ClientHandle uint64

type client struct {
	handle ClientHandle
	client Client
}

// Bridge is the notification bridge of one device.
type Bridge struct {
	l         *logrus.Logger
	irq       InterruptSource
	scheduler Scheduler
	queues    []Queue

	maxClients   int
	drainRetries int
	drainDelay   time.Duration
	metrics      *bridgeMetrics

	// faulted marks queues that can not be read anymore. Only the drain
	// touches it.
	faulted []bool

	mu         sync.Mutex
	state      State
	rearm      bool
	clients    []client
	nextHandle ClientHandle
}

// New creates a bridge over the queues of one device and binds its interrupt
// service routine. The interrupt source is not enabled.
func New(l *logrus.Logger, irq InterruptSource, scheduler Scheduler, queues []Queue, options ...Option) (*Bridge, error) {
	opts := optionDefaults
	opts.apply(options)

	b := &Bridge{
		l:            l,
		irq:          irq,
		scheduler:    scheduler,
		queues:       queues,
		maxClients:   opts.maxClients,
		drainRetries: opts.drainRetries,
		drainDelay:   opts.drainDelay,
		metrics:      newBridgeMetrics(opts.registry),
		faulted:      make([]bool, len(queues)),
		state:        StateIdle,
		nextHandle:   1,
	}

	if err := irq.Bind(b.ISR); err != nil {
		return nil, fmt.Errorf("failed to bind interrupt: %w", err)
	}
	return b, nil
}

// State returns the current state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// setStateLocked moves the state machine and logs the transition.
func (b *Bridge) setStateLocked(s State) {
	if b.state == s {
		return
	}
	if b.l.Level >= logrus.TraceLevel {
		b.l.WithField("from", b.state).WithField("to", s).Trace("Bridge state changed")
	}
	b.state = s
}

// RegisterClient adds a client that receives every completion of every
// queue.
func (b *Bridge) RegisterClient(c Client) (ClientHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateClosed {
		return 0, ErrClosed
	}
	if len(b.clients) >= b.maxClients {
		return 0, fmt.Errorf("%w: limit is %d", ErrTooManyClients, b.maxClients)
	}

	h := b.nextHandle
	b.nextHandle++
	b.clients = append(b.clients, client{handle: h, client: c})
	return h, nil
}

// UnregisterClient removes a client. It may still see completions from a
// drain cycle that is already running.
func (b *Bridge) UnregisterClient(h ClientHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, c := range b.clients {
		if c.handle != h {
			continue
		}
		copy(b.clients[i:], b.clients[i+1:])
		b.clients[len(b.clients)-1] = client{}
		b.clients = b.clients[:len(b.clients)-1]
		return nil
	}
	return fmt.Errorf("%w: %d", ErrClientNotFound, h)
}

// ISR is the interrupt service routine. It never touches the rings.
func (b *Bridge) ISR() {
	b.irq.Clear()
	b.metrics.interrupts.Inc(1)

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateIdle:
		b.setStateLocked(StateISR)
		b.setStateLocked(StateDraining)
		if !b.scheduler.Schedule(b.drain) {
			// A drain is pending already, it will see this interrupt's work.
			b.l.Debug("Drain already scheduled")
		}
	case StateDraining, StateReschedulePending:
		b.rearm = true
	case StateClosed:
		b.metrics.spurious.Inc(1)
	}
}

// drain is the deferred work item.
func (b *Bridge) drain() {
	b.mu.Lock()
	if b.state == StateClosed {
		b.mu.Unlock()
		return
	}
	b.setStateLocked(StateDraining)
	b.rearm = false
	clients := make([]Client, len(b.clients))
	for i, c := range b.clients {
		clients[i] = c.client
	}
	b.mu.Unlock()

	b.metrics.drains.Inc(1)
	paused := b.dispatch(clients)

	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case b.state == StateClosed:
	case paused:
		b.setStateLocked(StateReschedulePending)
		b.metrics.reschedules.Inc(1)
		b.scheduler.Schedule(b.drain)
	case b.rearm:
		// Interrupted while draining, look again before going idle.
		b.rearm = false
		b.scheduler.Schedule(b.drain)
	default:
		b.setStateLocked(StateIdle)
	}
}

// dispatch hands every available completion to every client. It returns true
// when a client asked to stop.
func (b *Bridge) dispatch(clients []Client) bool {
	for i, q := range b.queues {
		if b.faulted[i] {
			continue
		}
		for {
			c, ok, err := q.GetBuf()
			if errors.Is(err, virtqueue.ErrIndexJump) {
				b.metrics.errors.Inc(1)
				b.faulted[i] = true
				b.l.WithError(err).WithField("queue", q.ID()).Error("Queue faulted, its completions are no longer read")
				break
			}
			if err != nil {
				// The bad entry was consumed, keep going with the ones after it.
				b.metrics.errors.Inc(1)
				b.l.WithError(err).WithField("queue", q.ID()).Warn("Failed to read completion")
				continue
			}
			if !ok {
				break
			}

			b.metrics.completions.Inc(1)
			more := true
			for _, cl := range clients {
				if !cl.Complete(q.ID(), c) {
					more = false
				}
			}
			if !more {
				return true
			}
		}
	}
	return false
}

// Close stops the bridge: the interrupt is disabled, pending deferred work is
// cancelled and Close waits, polling a bounded number of times, for every
// queue to have nothing in processing. On timeout the queues are left with
// buffers the device may still write to, an error wrapping
// [virtqueue.ErrShutdownTimeout] is returned and the caller must not release
// their memory.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.state == StateClosed {
		b.mu.Unlock()
		return nil
	}
	b.setStateLocked(StateClosed)
	b.clients = nil
	b.mu.Unlock()

	b.irq.Disable()
	b.scheduler.Cancel()

	for attempt := 0; ; attempt++ {
		busy := b.busyQueues()
		if len(busy) == 0 {
			return nil
		}
		if attempt >= b.drainRetries {
			b.l.WithField("queues", busy).
				WithField("retries", b.drainRetries).
				WithField("delay", b.drainDelay).
				Warn("Queues did not drain before shutdown")
			return fmt.Errorf("queues %v: %w", busy, virtqueue.ErrShutdownTimeout)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("queues %v: %w: %w", busy, virtqueue.ErrShutdownTimeout, ctx.Err())
		case <-time.After(b.drainDelay):
		}
	}
}

func (b *Bridge) busyQueues() []uint16 {
	var busy []uint16
	for _, q := range b.queues {
		if q.Processing() != 0 {
			busy = append(busy, q.ID())
		}
	}
	return busy
}
