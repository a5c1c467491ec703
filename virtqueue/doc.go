// Package virtqueue implements the split virtqueue wire format and the
// driver-side queue engine that speaks it.
//
// A queue occupies one contiguous block of shared memory holding, in this
// order, the descriptor table, the available ring and the page-aligned used
// ring. [Ring] provides typed, bounds-checked views over that block; the same
// views are used by the device side (see package device), so both halves of
// the transport agree on a single definition of the layout.
//
// [DriverQueue] claims descriptors, publishes available entries, consumes used
// entries and rings the doorbell of the peer.
package virtqueue
