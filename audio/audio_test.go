package audio

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/vring/bridge"
	"github.com/slackhq/vring/device"
	"github.com/slackhq/vring/memory"
	"github.com/slackhq/vring/mmio"
	"github.com/slackhq/vring/notify"
	"github.com/slackhq/vring/test"
	"github.com/slackhq/vring/util/virtio"
	"github.com/slackhq/vring/virtqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sink struct {
	mu      sync.Mutex
	streams map[uint32]*bytes.Buffer
}

func (s *sink) write(stream uint32, samples []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streams[stream] == nil {
		s.streams[stream] = &bytes.Buffer{}
	}
	s.streams[stream].Write(samples)
}

func (s *sink) bytes(stream uint32) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streams[stream] == nil {
		return nil
	}
	return append([]byte(nil), s.streams[stream].Bytes()...)
}

type rig struct {
	backend *Backend
	client  *Client
	sink    *sink
	queues  []*virtqueue.DriverQueue
}

// newRig runs an audio device with the given number of streams and a client
// driving it through the bridge.
func newRig(t *testing.T, l *logrus.Logger, streams int) *rig {
	t.Helper()

	region, err := memory.NewRegion(0x200000, 128*memory.PageSize)
	require.NoError(t, err)
	mem, err := memory.NewSpace(region)
	require.NoError(t, err)

	r := &rig{sink: &sink{streams: map[uint32]*bytes.Buffer{}}}
	r.backend = NewBackend(l, streams, r.sink.write)

	line := notify.NewChanLine()
	dev, err := device.New(l, mem, line, device.Config{
		Type:     virtio.DeviceTypeAudio,
		Features: virtio.FeatureAudioStereo,
		Queues:   r.backend.Queues(16),
	}, device.WithMetricsRegistry(metrics.NewRegistry()))
	require.NoError(t, err)

	tr, err := mmio.BringUp(l, dev, mem, virtio.FeatureAudioStereo, streams+1)
	require.NoError(t, err)

	var bqs []bridge.Queue
	for i, ring := range tr.Rings() {
		dq, err := virtqueue.NewDriverQueue(l, uint16(i), ring, tr, virtqueue.WithMetricsRegistry(metrics.NewRegistry()))
		require.NoError(t, err)
		r.queues = append(r.queues, dq)
		bqs = append(bqs, dq)
	}

	worker := notify.NewWorker(l)
	irq := mmio.NewInterrupt(dev, line)
	b, err := bridge.New(l, irq, worker, bqs, bridge.WithMetricsRegistry(metrics.NewRegistry()))
	require.NoError(t, err)
	irq.Enable()

	r.client, err = NewClient(l, mem, r.queues, 512, 4)
	require.NoError(t, err)
	_, err = b.RegisterClient(r.client)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, b.Close(ctx))
		assert.NoError(t, worker.Close())
		assert.NoError(t, line.Close())
		assert.NoError(t, r.client.Close())
		assert.NoError(t, tr.Close())
		assert.NoError(t, mem.Close())
	})
	return r
}

func TestMessage(t *testing.T) {
	m := Message{Command: CommandSetFrequency, Stream: 1, Arg: 44100}
	b, err := m.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 0, 0, 0, 1, 0, 0, 0, 0x44, 0xac, 0, 0}, b)

	var got Message
	require.NoError(t, got.UnmarshalBinary(b))
	assert.Equal(t, m, got)
	assert.Error(t, got.UnmarshalBinary(b[:11]))

	assert.Equal(t, "set_frequency", CommandSetFrequency.String())
	assert.Equal(t, "Command(9)", Command(9).String())
	assert.Equal(t, uint16(3), DataQueue(2))
}

func TestClient_Playback(t *testing.T) {
	r := newRig(t, test.NewLogger(), 2)
	ctx := context.Background()
	c := r.client
	assert.Equal(t, 2, c.Streams())

	f := Format{Endian: LittleEndian, Channels: 2, Bits: 16, Frequency: 48000}
	require.NoError(t, c.Configure(ctx, 1, f))
	require.NoError(t, c.Start(ctx, 1))

	// More samples than the stream has buffers, they have to be recycled.
	samples := make([]byte, 3000)
	for i := range samples {
		samples[i] = byte(i)
	}
	n, err := c.Write(ctx, 1, samples)
	require.NoError(t, err)
	assert.Equal(t, len(samples), n)
	assert.Equal(t, uint64(len(samples)), c.Written(1))

	require.NoError(t, c.Stop(ctx, 1))
	assert.Equal(t, samples, r.sink.bytes(1))
	assert.Nil(t, r.sink.bytes(0))

	stats := r.backend.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, StreamStats{
		Stream:      1,
		Endian:      LittleEndian,
		Channels:    2,
		Format:      16,
		Frequency:   48000,
		Initialised: true,
		Bytes:       3000,
	}, stats[1])
	assert.False(t, stats[0].Initialised)
}

func TestClient_Dropped(t *testing.T) {
	r := newRig(t, test.NewLogger(), 1)
	ctx := context.Background()

	_, err := r.client.Write(ctx, 0, make([]byte, 100))
	require.NoError(t, err)

	// Samples are only accepted once the stream runs.
	require.NoError(t, r.client.Command(ctx, CommandInit, 0, 0))
	require.NoError(t, r.client.Start(ctx, 0))
	_, err = r.client.Write(ctx, 0, make([]byte, 50))
	require.NoError(t, err)

	// Wait for the completions so every buffer is back before shutdown.
	require.NoError(t, r.client.Stop(ctx, 0))
	assert.Eventually(t, func() bool {
		return r.queues[1].Processing() == 0 && r.queues[1].Completed() == 0
	}, time.Second, time.Millisecond)

	stats := r.backend.Stats()[0]
	assert.Equal(t, uint64(100), stats.Dropped)
	assert.Equal(t, uint64(50), stats.Bytes)
	assert.Len(t, r.sink.bytes(0), 50)

	_, err = r.client.Write(ctx, 3, []byte{1})
	assert.Error(t, err)
}

func TestClient_BadCommands(t *testing.T) {
	l, hook := test.NewCapturingLogger()
	r := newRig(t, l, 1)
	ctx := context.Background()

	require.NoError(t, r.client.Start(ctx, 0))
	require.NoError(t, r.client.Command(ctx, CommandInit, 5, 0))
	require.NoError(t, r.client.Command(ctx, Command(42), 0, 0))

	var msgs []string
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			msgs = append(msgs, e.Message)
		}
	}
	assert.Equal(t, []string{
		"Audio stream started before init",
		"Audio command for unknown stream",
		"Unknown audio command",
	}, msgs)
	assert.False(t, r.backend.Stats()[0].Running)
}

func TestClient_Closed(t *testing.T) {
	r := newRig(t, test.NewLogger(), 1)
	require.NoError(t, r.client.Close())

	assert.ErrorIs(t, r.client.Command(context.Background(), CommandInit, 0, 0), ErrClosed)
	_, err := r.client.Write(context.Background(), 0, []byte{1})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNewClient_Errors(t *testing.T) {
	l := test.NewLogger()
	region, err := memory.NewRegion(0x200000, 16*memory.PageSize)
	require.NoError(t, err)
	mem, err := memory.NewSpace(region)
	require.NoError(t, err)

	ring, err := virtqueue.NewRing(make([]byte, virtqueue.RingSize(4)), 4)
	require.NoError(t, err)
	notifier := virtqueue.NotifierFunc(func(uint16) error { return nil })
	q0, err := virtqueue.NewDriverQueue(l, 0, ring, notifier)
	require.NoError(t, err)

	_, err = NewClient(l, mem, []*virtqueue.DriverQueue{q0}, 64, 1)
	assert.Error(t, err)

	ring, err = virtqueue.NewRing(make([]byte, virtqueue.RingSize(4)), 4)
	require.NoError(t, err)
	q1, err := virtqueue.NewDriverQueue(l, 1, ring, notifier)
	require.NoError(t, err)

	_, err = NewClient(l, mem, []*virtqueue.DriverQueue{q0, q1}, 0, 1)
	assert.Error(t, err)
	_, err = NewClient(l, mem, []*virtqueue.DriverQueue{q0, q1}, 64, 5)
	assert.Error(t, err)

	c, err := NewClient(l, mem, []*virtqueue.DriverQueue{q0, q1}, 64, 4)
	require.NoError(t, err)
	assert.NoError(t, c.Close())
}
