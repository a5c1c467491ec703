//go:build unix

package memory

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MapRegion creates a region of size bytes at the guest physical address base
// that is backed by an anonymous memory mapping instead of the Go heap. The
// mapping is released by [Space.Close].
func MapRegion(base uint64, size int) (*Region, error) {
	if err := checkRegion(base, size); err != nil {
		return nil, err
	}

	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("map guest memory: %w", err)
	}

	return newRegion(base, mem, func() error { return unix.Munmap(mem) }), nil
}
