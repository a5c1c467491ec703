package virtqueue

import (
	"errors"
	"fmt"
)

// MaxQueueSize is the largest queue size whose ring indexes still wrap
// correctly when the 16-bit counters overflow.
const MaxQueueSize = 32768

// ErrQueueSizeInvalid is returned when a queue size is invalid.
var ErrQueueSizeInvalid = errors.New("queue size is invalid")

// CheckQueueSize checks if the given value would be a valid size for a
// virtqueue and returns an [ErrQueueSizeInvalid], if not.
func CheckQueueSize(queueSize int) error {
	switch {
	case queueSize <= 0:
		return fmt.Errorf("%w: %d is too small", ErrQueueSizeInvalid, queueSize)
	case queueSize&(queueSize-1) != 0:
		// Slots are derived with idx & (size-1), so only powers of 2 work.
		return fmt.Errorf("%w: %d is not a power of 2", ErrQueueSizeInvalid, queueSize)
	case queueSize > MaxQueueSize:
		return fmt.Errorf("%w: %d is larger than the maximum possible queue size %d",
			ErrQueueSizeInvalid, queueSize, MaxQueueSize)
	}
	return nil
}
