//go:build !linux

package notify

import "errors"

// EventLine is only available on linux.
type EventLine struct{}

func NewEventLine() (*EventLine, error) {
	return nil, errors.New("eventfd interrupt lines are only supported on linux")
}

func (e *EventLine) FD() int                   { return -1 }
func (e *EventLine) Raise() error              { return ErrClosed }
func (e *EventLine) Bind(handler func()) error { return ErrClosed }
func (e *EventLine) Close() error              { return nil }
