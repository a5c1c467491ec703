package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/vring/memory"
	"github.com/slackhq/vring/virtqueue"
)

// ErrClosed is returned by a closed [Client].
var ErrClosed = errors.New("audio client is closed")

// Allocator hands out guest memory for commands and sample buffers.
type Allocator interface {
	Alloc(size int) (memory.Allocation, error)
	Free(a memory.Allocation) error
}

// Format describes the samples of a stream.
type Format struct {
	Endian    uint32
	Channels  uint32
	Bits      uint32
	Frequency uint32
}

type request struct {
	msg   Message
	alloc memory.Allocation
	done  chan struct{}
}

type sampleBuffer struct {
	alloc memory.Allocation
}

type stream struct {
	queue *virtqueue.DriverQueue

	// mu serializes producers of the data queue.
	mu      sync.Mutex
	free    chan *sampleBuffer
	buffers []*sampleBuffer
	written atomic.Uint64
}

// Client is the driver side of the audio protocol. Register it with the
// bridge of the queues it was created on so it sees its completions.
type Client struct {
	l   *logrus.Logger
	mem Allocator

	control   *virtqueue.DriverQueue
	controlMu sync.Mutex

	streams    []*stream
	bufferSize int

	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient creates a client over the control queue queues[0] and one data
// queue per stream. Every stream gets buffers sample buffers of bufferSize
// bytes.
func NewClient(l *logrus.Logger, mem Allocator, queues []*virtqueue.DriverQueue, bufferSize, buffers int) (*Client, error) {
	if len(queues) < 2 {
		return nil, fmt.Errorf("audio needs a control queue and at least one data queue, got %d queues", len(queues))
	}
	if bufferSize <= 0 || buffers <= 0 {
		return nil, fmt.Errorf("invalid sample buffers: %d of %d bytes", buffers, bufferSize)
	}

	c := &Client{
		l:          l,
		mem:        mem,
		control:    queues[0],
		bufferSize: bufferSize,
		closed:     make(chan struct{}),
	}

	for i, q := range queues[1:] {
		if buffers > q.Size() {
			c.release()
			return nil, fmt.Errorf("stream %d: %d sample buffers do not fit a queue of %d", i, buffers, q.Size())
		}

		s := &stream{queue: q, free: make(chan *sampleBuffer, buffers)}
		c.streams = append(c.streams, s)
		for j := 0; j < buffers; j++ {
			a, err := mem.Alloc(bufferSize)
			if err != nil {
				c.release()
				return nil, fmt.Errorf("stream %d: %w", i, err)
			}
			b := &sampleBuffer{alloc: a}
			s.buffers = append(s.buffers, b)
			s.free <- b
		}
	}

	return c, nil
}

// Streams returns the number of streams.
func (c *Client) Streams() int {
	return len(c.streams)
}

// Written returns the number of sample bytes handed to the device for a
// stream.
func (c *Client) Written(stream uint32) uint64 {
	if int(stream) >= len(c.streams) {
		return 0
	}
	return c.streams[stream].written.Load()
}

// Command sends a command and waits for the device to complete it.
func (c *Client) Command(ctx context.Context, cmd Command, stream uint32, arg uint32) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	a, err := c.mem.Alloc(MessageSize)
	if err != nil {
		return err
	}

	req := &request{
		msg:   Message{Command: cmd, Stream: stream, Arg: arg},
		alloc: a,
		done:  make(chan struct{}),
	}
	b, _ := req.msg.MarshalBinary()
	copy(a.Buf, b)

	c.controlMu.Lock()
	err = c.control.AddBuf([]virtqueue.Buffer{{Addr: a.Phys, Len: MessageSize}}, 1, 0, req)
	if err == nil {
		err = c.control.Sync()
	}
	c.controlMu.Unlock()
	if err != nil {
		if errors.Is(err, virtqueue.ErrResourceExhausted) {
			_ = c.mem.Free(a)
		}
		return fmt.Errorf("%s: %w", cmd, err)
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", cmd, ctx.Err())
	case <-c.closed:
		return ErrClosed
	}
}

// Configure initialises a stream with the given format.
func (c *Client) Configure(ctx context.Context, stream uint32, f Format) error {
	cmds := []struct {
		cmd Command
		arg uint32
	}{
		{CommandInit, 0},
		{CommandSetEndian, f.Endian},
		{CommandSetChannels, f.Channels},
		{CommandSetFormat, f.Bits},
		{CommandSetFrequency, f.Frequency},
	}
	for _, x := range cmds {
		if err := c.Command(ctx, x.cmd, stream, x.arg); err != nil {
			return err
		}
	}
	return nil
}

// Start starts playback of a configured stream.
func (c *Client) Start(ctx context.Context, stream uint32) error {
	return c.Command(ctx, CommandRun, stream, 0)
}

// Stop stops playback of a stream.
func (c *Client) Stop(ctx context.Context, stream uint32) error {
	return c.Command(ctx, CommandStop, stream, 0)
}

// Write queues samples for a stream. It blocks while every sample buffer of
// the stream is with the device.
func (c *Client) Write(ctx context.Context, stream uint32, p []byte) (int, error) {
	if int(stream) >= len(c.streams) {
		return 0, fmt.Errorf("stream %d does not exist", stream)
	}
	s := c.streams[stream]

	var written int
	for len(p) > 0 {
		var b *sampleBuffer
		select {
		case b = <-s.free:
		case <-ctx.Done():
			return written, ctx.Err()
		case <-c.closed:
			return written, ErrClosed
		}

		n := copy(b.alloc.Buf[:c.bufferSize], p)

		s.mu.Lock()
		err := s.queue.AddBuf([]virtqueue.Buffer{{Addr: b.alloc.Phys, Len: uint32(n)}}, 1, 0, b)
		if err == nil {
			err = s.queue.Sync()
		}
		s.mu.Unlock()
		if err != nil {
			if errors.Is(err, virtqueue.ErrResourceExhausted) {
				s.free <- b
			}
			return written, err
		}

		s.written.Add(uint64(n))
		written += n
		p = p[n:]
	}
	return written, nil
}

// Complete implements the bridge client interface. Completions that do not
// belong to this client are ignored.
func (c *Client) Complete(queue uint16, comp virtqueue.Completion) bool {
	switch t := comp.Token.(type) {
	case *request:
		if err := c.mem.Free(t.alloc); err != nil {
			c.l.WithError(err).WithField("command", t.msg.Command).Warn("Failed to free audio command")
		}
		close(t.done)
	case *sampleBuffer:
		if queue == ControlQueue || int(queue) > len(c.streams) {
			c.l.WithField("queue", queue).Warn("Sample buffer completed on unexpected queue")
			return true
		}
		c.streams[queue-1].free <- t
	}
	return true
}

// Close stops the client and frees its sample buffers. The queues must not
// hold any of them anymore.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return c.release()
}

func (c *Client) release() error {
	var errs []error
	for _, s := range c.streams {
		for _, b := range s.buffers {
			if err := c.mem.Free(b.alloc); err != nil {
				errs = append(errs, err)
			}
		}
		s.buffers = nil
	}
	return errors.Join(errs...)
}
