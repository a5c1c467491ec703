//go:build !unix

package memory

import "errors"

// MapRegion is not supported on this platform, use [NewRegion].
func MapRegion(base uint64, size int) (*Region, error) {
	return nil, errors.New("mmap backed guest memory is not supported on this platform")
}
