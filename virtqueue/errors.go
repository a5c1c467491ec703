package virtqueue

import (
	"errors"
	"fmt"
)

var (
	// ErrResourceExhausted is returned by [DriverQueue.AddBuf] when there are
	// not enough free descriptors for the requested chain. Callers may retry
	// after a completion was consumed.
	ErrResourceExhausted = errors.New("not enough free descriptors")

	// ErrMalformed is returned when the peer handed us something that violates
	// the ring protocol: a chain longer than the queue, an out of range
	// descriptor index or a ring index that moved backwards.
	ErrMalformed = errors.New("malformed ring state")

	// ErrIndexJump is returned by [DriverQueue.GetBuf] when the used index
	// is further ahead than the queue has entries. Unlike other malformed
	// entries it is not consumed, the queue can not make progress after it.
	ErrIndexJump = fmt.Errorf("%w: used index out of range", ErrMalformed)

	// ErrNotFound is returned by [DriverQueue.DetachBuf] when the token was
	// already consumed by the peer or was never posted.
	ErrNotFound = errors.New("transaction not found")

	// ErrShutdownTimeout is returned when a queue did not drain in time during
	// teardown.
	ErrShutdownTimeout = errors.New("timed out waiting for in-flight transactions")
)

// QueueError attaches the queue id and the failing operation to an error.
type QueueError struct {
	Queue uint16
	Op    string
	Err   error
}

func (e *QueueError) Error() string {
	return fmt.Sprintf("queue %d: %s: %v", e.Queue, e.Op, e.Err)
}

func (e *QueueError) Unwrap() error {
	return e.Err
}
