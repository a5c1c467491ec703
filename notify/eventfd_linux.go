package notify

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/eventfd"
)

// EventLine is a [Line] backed by an eventfd, so a device living in another
// process or thread can raise it by writing to [EventLine.FD].
type EventLine struct {
	ev      eventfd.Eventfd
	poll    epoll
	closing atomic.Bool

	mu     sync.Mutex
	bound  bool
	closed bool
	done   chan struct{}
}

func NewEventLine() (*EventLine, error) {
	ev, err := eventfd.Create()
	if err != nil {
		return nil, err
	}

	poll, err := newEpoll()
	if err != nil {
		ev.Close()
		return nil, err
	}
	if err := poll.add(ev.FD()); err != nil {
		poll.close()
		ev.Close()
		return nil, err
	}

	return &EventLine{ev: ev, poll: poll, done: make(chan struct{})}, nil
}

// FD returns the eventfd, writing a non-zero count to it raises the line.
func (e *EventLine) FD() int {
	return e.ev.FD()
}

func (e *EventLine) Raise() error {
	if e.closing.Load() {
		return ErrClosed
	}
	return e.ev.Notify()
}

func (e *EventLine) Bind(handler func()) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if e.bound {
		return errors.New("line is already bound")
	}
	e.bound = true

	go e.deliver(handler)
	return nil
}

func (e *EventLine) deliver(handler func()) {
	defer close(e.done)
	for {
		if err := e.poll.block(); err != nil {
			return
		}
		// Reading resets the counter, raises until here are merged.
		if _, err := e.ev.Read(); err != nil {
			return
		}
		if e.closing.Load() {
			return
		}
		handler()
	}
}

func (e *EventLine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	bound := e.bound
	e.mu.Unlock()

	e.closing.Store(true)
	if bound {
		// Wake the delivery goroutine so it can observe closing.
		if err := e.ev.Notify(); err != nil {
			return err
		}
		<-e.done
	}

	return errors.Join(e.poll.close(), e.ev.Close())
}

type epoll struct {
	fd     int
	events []unix.EpollEvent
}

func newEpoll() (epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return epoll{}, fmt.Errorf("epoll_create1: %w", err)
	}
	return epoll{fd: fd, events: make([]unix.EpollEvent, 1)}, nil
}

func (ep *epoll) add(fd int) error {
	event := unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
	}
	return unix.EpollCtl(ep.fd, unix.EPOLL_CTL_ADD, fd, &event)
}

// block waits until the watched descriptor becomes readable.
func (ep *epoll) block() error {
	for {
		n, err := unix.EpollWait(ep.fd, ep.events, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
	}
}

func (ep *epoll) close() error {
	return unix.Close(ep.fd)
}
