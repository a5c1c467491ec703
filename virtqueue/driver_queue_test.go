package virtqueue

import (
	"sync"
	"testing"

	"github.com/rcrowley/go-metrics"
	"github.com/slackhq/vring/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingNotifier records doorbell writes.
type countingNotifier struct {
	mu    sync.Mutex
	kicks []uint16
}

func (n *countingNotifier) Notify(queue uint16) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.kicks = append(n.kicks, queue)
	return nil
}

func (n *countingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.kicks)
}

// fakeDevice completes buffers in order by touching the rings directly.
type fakeDevice struct {
	ring      *Ring
	lastAvail uint16
	usedIdx   uint16
}

func newFakeDevice(r *Ring) *fakeDevice {
	idx := r.UsedRing().Index()
	return &fakeDevice{ring: r, lastAvail: idx, usedIdx: idx}
}

// complete consumes up to n published heads and reports length bytes written
// for each. It returns the number of completed buffers.
func (d *fakeDevice) complete(n int, length uint32) int {
	availIdx := d.ring.AvailableRing().Index()
	done := 0
	for done < n && d.lastAvail != availIdx {
		head := d.ring.AvailableRing().Head(d.lastAvail)
		d.lastAvail++
		d.ring.UsedRing().SetElement(d.usedIdx, UsedElement{DescriptorIndex: uint32(head), Length: length})
		d.usedIdx++
		done++
	}
	d.ring.UsedRing().Publish(0, d.usedIdx)
	return done
}

func newTestQueue(t *testing.T, queueSize int, options ...Option) (*DriverQueue, *countingNotifier) {
	t.Helper()
	n := &countingNotifier{}
	options = append([]Option{WithMetricsRegistry(metrics.NewRegistry())}, options...)
	dq, err := NewDriverQueue(test.NewLogger(), 3, newTestRing(t, queueSize), n, options...)
	require.NoError(t, err)
	return dq, n
}

func buffers(n int) []Buffer {
	sg := make([]Buffer, n)
	for i := range sg {
		sg[i] = Buffer{Addr: uint64(0x10000 + i*0x1000), Len: 0x100}
	}
	return sg
}

func TestDriverQueue_AddBufClaimsLowestFree(t *testing.T) {
	dq, _ := newTestQueue(t, 4)

	require.NoError(t, dq.AddBuf(buffers(1), 1, 0, 1))
	require.NoError(t, dq.AddBuf(buffers(2), 1, 1, 2))

	ar := dq.ring.AvailableRing()
	assert.Equal(t, uint16(0), ar.Head(0))
	assert.Equal(t, uint16(1), ar.Head(1))

	dt := dq.ring.DescriptorTable()
	d0, _ := dt.Get(0)
	assert.Equal(t, Descriptor{Addr: 0x10000, Len: 0x100}, d0)

	d1, _ := dt.Get(1)
	assert.Equal(t, Descriptor{Addr: 0x10000, Len: 0x100, Flags: DescriptorFlagNext, Next: 2}, d1)
	d2, _ := dt.Get(2)
	assert.Equal(t, Descriptor{Addr: 0x11000, Len: 0x100, Flags: DescriptorFlagWrite}, d2)

	// Slot 3 is the only free descriptor left.
	before := dq.FreeDescriptors()
	assert.Equal(t, 1, before)
	err := dq.AddBuf(buffers(2), 2, 0, 3)
	assert.ErrorIs(t, err, ErrResourceExhausted)
	var qe *QueueError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, uint16(3), qe.Queue)
	assert.Equal(t, before, dq.FreeDescriptors())

	// Nothing is visible to the device before Sync.
	assert.Equal(t, uint16(0), ar.Index())

	// A completion frees descriptors again.
	require.NoError(t, dq.Sync())
	assert.Equal(t, 1, newFakeDevice(dq.ring).complete(1, 0))
	c, ok, err := dq.GetBuf()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, c.Token)
	assert.NoError(t, dq.AddBuf(buffers(2), 2, 0, 3))
	assert.Equal(t, 0, dq.FreeDescriptors())
}

func TestDriverQueue_AddBufInvalid(t *testing.T) {
	dq, _ := newTestQueue(t, 4)

	assert.ErrorIs(t, dq.AddBuf(nil, 0, 0, 1), ErrInvalidBuffers)
	assert.ErrorIs(t, dq.AddBuf(buffers(1), 1, 1, 1), ErrInvalidBuffers)
	assert.ErrorIs(t, dq.AddBuf(buffers(1), -1, 2, 1), ErrInvalidBuffers)
	assert.ErrorIs(t, dq.AddBuf(buffers(5), 5, 0, 1), ErrResourceExhausted)
	assert.Equal(t, 4, dq.FreeDescriptors())
}

func TestDriverQueue_SyncOnlyNotifiesOnChange(t *testing.T) {
	dq, n := newTestQueue(t, 8)

	require.NoError(t, dq.Sync())
	assert.Equal(t, 0, n.count())

	require.NoError(t, dq.AddBuf(buffers(1), 1, 0, 1))
	require.NoError(t, dq.Sync())
	assert.Equal(t, 1, n.count())
	assert.Equal(t, uint16(1), dq.ring.AvailableRing().Index())

	require.NoError(t, dq.Sync())
	assert.Equal(t, 1, n.count())

	require.NoError(t, dq.AddBuf(buffers(1), 1, 0, 2))
	require.NoError(t, dq.AddBuf(buffers(1), 0, 1, 3))
	require.NoError(t, dq.Sync())
	require.NoError(t, dq.Sync())
	assert.Equal(t, 2, n.count())
	assert.Equal(t, []uint16{3, 3}, n.kicks)
	assert.Equal(t, uint16(3), dq.ring.AvailableRing().Index())
}

func TestDriverQueue_SyncHonoursNoNotify(t *testing.T) {
	dq, n := newTestQueue(t, 8)
	dq.ring.UsedRing().Publish(UsedRingFlagNoNotify, 0)

	require.NoError(t, dq.AddBuf(buffers(1), 1, 0, 1))
	require.NoError(t, dq.Sync())
	assert.Equal(t, 0, n.count())
	// The buffer is published all the same.
	assert.Equal(t, uint16(1), dq.ring.AvailableRing().Index())
	assert.Equal(t, uint16(1), dq.Processing())

	dq.ring.UsedRing().Publish(0, 0)
	require.NoError(t, dq.AddBuf(buffers(1), 1, 0, 2))
	require.NoError(t, dq.Sync())
	assert.Equal(t, []uint16{3}, n.kicks)
}

func TestDriverQueue_GetBufEmpty(t *testing.T) {
	dq, _ := newTestQueue(t, 4)
	require.NoError(t, dq.AddBuf(buffers(1), 1, 0, 1))
	require.NoError(t, dq.Sync())

	before := dq.nextUsed.Load()
	c, ok, err := dq.GetBuf()
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, Completion{}, c)
	assert.Equal(t, before, dq.nextUsed.Load())
	assert.Equal(t, 3, dq.FreeDescriptors())
}

func TestDriverQueue_GetBufLengths(t *testing.T) {
	tests := []struct {
		name     string
		quirk    bool
		reported uint32
		expected uint32
	}{
		{name: "reported length", reported: 17, expected: 17},
		{name: "zero without quirk", reported: 0, expected: 0},
		{name: "zero with quirk", quirk: true, reported: 0, expected: 0x200},
		{name: "non zero with quirk", quirk: true, reported: 5, expected: 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dq, _ := newTestQueue(t, 4, WithZeroLengthQuirk(tt.quirk))
			require.NoError(t, dq.AddBuf(buffers(2), 1, 1, "tok"))
			require.NoError(t, dq.Sync())
			newFakeDevice(dq.ring).complete(1, tt.reported)

			c, ok, err := dq.GetBuf()
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, Completion{Token: "tok", Length: tt.expected}, c)
		})
	}
}

func TestDriverQueue_GetBufMalformed(t *testing.T) {
	dq, _ := newTestQueue(t, 4)
	require.NoError(t, dq.AddBuf(buffers(1), 1, 0, 1))
	require.NoError(t, dq.Sync())

	ur := dq.ring.UsedRing()

	// A head that was never posted.
	ur.SetElement(0, UsedElement{DescriptorIndex: 2})
	ur.Publish(0, 1)
	_, ok, err := dq.GetBuf()
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrMalformed)
	assert.Equal(t, 3, dq.FreeDescriptors())

	// An index jump larger than the queue.
	ur.Publish(0, 40)
	_, ok, err = dq.GetBuf()
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDriverQueue_EveryTokenOnce(t *testing.T) {
	dq, n := newTestQueue(t, 8)
	dev := newFakeDevice(dq.ring)

	const total = 1000
	seen := make(map[int]int)
	posted := 0
	for len(seen) < total {
		// Post as much as fits, varying the chain length.
		for posted < total {
			k := posted%3 + 1
			err := dq.AddBuf(buffers(k), 1, k-1, posted)
			if err != nil {
				require.ErrorIs(t, err, ErrResourceExhausted)
				break
			}
			posted++
		}
		require.NoError(t, dq.Sync())
		assert.LessOrEqual(t, int(dq.Processing()), dq.Size())

		dev.complete(posted%5+1, 1)
		for {
			c, ok, err := dq.GetBuf()
			require.NoError(t, err)
			if !ok {
				break
			}
			seen[c.Token.(int)]++
		}

		dq.arenaMu.Lock()
		assert.Equal(t, dq.Size(), dq.arena.freeCount()+dq.arena.owned())
		dq.arenaMu.Unlock()
	}

	for i := range total {
		assert.Equal(t, 1, seen[i], "token %d", i)
	}
	assert.Equal(t, uint16(0), dq.Processing())
	assert.Equal(t, uint16(0), dq.Completed())
	assert.Equal(t, 8, dq.FreeDescriptors())
	assert.Positive(t, n.count())
}

func TestDriverQueue_IndexWraparound(t *testing.T) {
	r := newTestRing(t, 4)
	// Start just before the 16-bit indexes overflow.
	r.AvailableRing().Publish(0, 65534)
	r.UsedRing().Publish(0, 65534)

	dq, err := NewDriverQueue(test.NewLogger(), 0, r, nil, WithMetricsRegistry(metrics.NewRegistry()))
	require.NoError(t, err)
	dev := newFakeDevice(r)

	for round := 0; round < 5; round++ {
		require.NoError(t, dq.AddBuf(buffers(1), 1, 0, round*10))
		require.NoError(t, dq.AddBuf(buffers(1), 1, 0, round*10+1))
		require.NoError(t, dq.AddBuf(buffers(1), 1, 0, round*10+2))
		require.NoError(t, dq.Sync())
		assert.Equal(t, uint16(3), dq.Processing())
		assert.Equal(t, uint16(0), dq.Completed())

		dev.complete(2, 8)
		assert.Equal(t, uint16(1), dq.Processing())
		assert.Equal(t, uint16(2), dq.Completed())

		dev.complete(1, 8)
		assert.Equal(t, uint16(0), dq.Processing())
		assert.Equal(t, uint16(3), dq.Completed())

		for i := range 3 {
			c, ok, err := dq.GetBuf()
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, round*10+i, c.Token)
		}
		assert.Equal(t, uint16(0), dq.Completed())
	}
	// 65534 + 15 wrapped around.
	assert.Equal(t, uint16(13), r.AvailableRing().Index())
}

func TestDriverQueue_DetachBuf(t *testing.T) {
	dq, _ := newTestQueue(t, 4)
	require.NoError(t, dq.AddBuf(buffers(1), 1, 0, "a"))
	require.NoError(t, dq.AddBuf(buffers(2), 1, 1, "b"))
	require.NoError(t, dq.Sync())
	require.NoError(t, dq.AddBuf(buffers(1), 0, 1, "c"))

	dev := newFakeDevice(dq.ring)
	dev.complete(1, 1)

	// "a" was consumed by the device, so it can not be detached any more.
	assert.ErrorIs(t, dq.DetachBuf("a"), ErrNotFound)
	assert.ErrorIs(t, dq.DetachBuf("never posted"), ErrNotFound)

	// Both a synced and an unsynced buffer are pending.
	assert.NoError(t, dq.DetachBuf("b"))
	assert.NoError(t, dq.DetachBuf("c"))
	assert.ErrorIs(t, dq.DetachBuf("b"), ErrNotFound)
	assert.Equal(t, []Token{"a"}, dq.InFlight())

	c, ok, err := dq.GetBuf()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", c.Token)
	assert.Equal(t, 4, dq.FreeDescriptors())
	assert.Empty(t, dq.InFlight())
}

func TestDriverQueue_DetachUncomparableTokens(t *testing.T) {
	dq, _ := newTestQueue(t, 4)
	require.NoError(t, dq.AddBuf(buffers(1), 1, 0, []byte("frame")))
	require.NoError(t, dq.AddBuf(buffers(1), 1, 0, map[string]int{"a": 1}))
	require.NoError(t, dq.AddBuf(buffers(1), 1, 0, "plain"))
	require.NoError(t, dq.Sync())

	assert.NotPanics(t, func() {
		assert.ErrorIs(t, dq.DetachBuf([]byte("frame")), ErrNotFound)
		assert.ErrorIs(t, dq.DetachBuf(map[string]int{"a": 1}), ErrNotFound)
	})
	assert.Equal(t, 1, dq.FreeDescriptors())

	tokens := dq.DetachAll()
	require.Len(t, tokens, 3)
	assert.Equal(t, []byte("frame"), tokens[0])
	assert.Equal(t, map[string]int{"a": 1}, tokens[1])
	assert.Equal(t, "plain", tokens[2])
	assert.Empty(t, dq.InFlight())
	assert.Equal(t, 4, dq.FreeDescriptors())
	assert.Empty(t, dq.DetachAll())
}

func TestDriverQueue_SuppressInterrupts(t *testing.T) {
	dq, _ := newTestQueue(t, 4)
	require.NoError(t, dq.AddBuf(buffers(1), 1, 0, 1))
	require.NoError(t, dq.Sync())

	dq.SuppressInterrupts(true)
	flags, idx := dq.ring.AvailableRing().Load()
	assert.Equal(t, AvailableRingFlagNoInterrupt, flags)
	assert.Equal(t, uint16(1), idx)

	require.NoError(t, dq.AddBuf(buffers(1), 1, 0, 2))
	require.NoError(t, dq.Sync())
	flags, idx = dq.ring.AvailableRing().Load()
	assert.Equal(t, AvailableRingFlagNoInterrupt, flags)
	assert.Equal(t, uint16(2), idx)

	dq.SuppressInterrupts(false)
	flags, _ = dq.ring.AvailableRing().Load()
	assert.Equal(t, uint16(0), flags)
}

func TestDriverQueue_ConcurrentProducerConsumer(t *testing.T) {
	dq, _ := newTestQueue(t, 16)
	dev := newFakeDevice(dq.ring)

	const total = 5000
	var wg sync.WaitGroup
	wg.Add(2)

	// Group B: a single producer.
	go func() {
		defer wg.Done()
		for i := 0; i < total; {
			if err := dq.AddBuf(buffers(2), 1, 1, i); err != nil {
				_ = dq.Sync()
				continue
			}
			i++
			_ = dq.Sync()
		}
	}()

	// Group A: a single consumer, which also plays the device.
	seen := make([]int, total)
	go func() {
		defer wg.Done()
		got := 0
		for got < total {
			dev.complete(4, 1)
			for {
				c, ok, err := dq.GetBuf()
				if err != nil {
					t.Error(err)
					return
				}
				if !ok {
					break
				}
				seen[c.Token.(int)]++
				got++
			}
			// Group C from a third caller is always allowed.
			_ = dq.Processing()
		}
	}()

	wg.Wait()
	for i, n := range seen {
		assert.Equal(t, 1, n, "token %d", i)
	}
}
