package audio

import (
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/vring/device"
)

// Sink consumes the samples of running streams.
type Sink func(stream uint32, samples []byte)

// StreamStats describes one stream of a [Backend].
type StreamStats struct {
	Stream      uint32
	Endian      uint32
	Channels    uint32
	Format      uint32
	Frequency   uint32
	Initialised bool
	Running     bool
	Bytes       uint64
	Dropped     uint64
}

// Backend is the device side of the audio protocol.
type Backend struct {
	l    *logrus.Logger
	sink Sink

	mu      sync.Mutex
	streams []StreamStats
}

func NewBackend(l *logrus.Logger, streams int, sink Sink) *Backend {
	b := &Backend{l: l, sink: sink, streams: make([]StreamStats, streams)}
	for i := range b.streams {
		b.streams[i].Stream = uint32(i)
	}
	return b
}

// Queues returns the queue configuration of the device, the control queue
// followed by one data queue per stream, each with size entries.
func (b *Backend) Queues(size int) []device.QueueConfig {
	qs := []device.QueueConfig{{Size: size, Handler: device.HandlerFunc(b.handleControl)}}
	for range b.streams {
		qs = append(qs, device.QueueConfig{Size: size, Handler: device.HandlerFunc(b.handleData)})
	}
	return qs
}

// Stats returns a snapshot of every stream.
func (b *Backend) Stats() []StreamStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]StreamStats(nil), b.streams...)
}

func (b *Backend) handleControl(q *device.Queue) {
	var buf [MessageSize]byte
	for {
		elem, err := q.Pop()
		if err != nil {
			b.l.WithError(err).Error("Failed to pop audio command")
			return
		}
		if elem == nil {
			break
		}

		var m Message
		n := elem.ReadOut(buf[:])
		if err := m.UnmarshalBinary(buf[:n]); err != nil {
			b.l.WithError(err).Warn("Dropped malformed audio command")
		} else {
			b.apply(m)
		}

		if err := q.Push(elem, 0); err != nil {
			b.l.WithError(err).Error("Failed to complete audio command")
			return
		}
	}

	if err := q.Notify(); err != nil {
		b.l.WithError(err).Error("Failed to notify audio command completion")
	}
}

func (b *Backend) apply(m Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	l := b.l.WithField("stream", m.Stream).WithField("command", m.Command).WithField("arg", m.Arg)
	if int(m.Stream) >= len(b.streams) {
		l.Warn("Audio command for unknown stream")
		return
	}

	s := &b.streams[m.Stream]
	switch m.Command {
	case CommandSetEndian:
		s.Endian = m.Arg
	case CommandSetChannels:
		s.Channels = m.Arg
	case CommandSetFormat:
		s.Format = m.Arg
	case CommandSetFrequency:
		s.Frequency = m.Arg
	case CommandInit:
		s.Initialised = true
		s.Running = false
	case CommandRun:
		if !s.Initialised {
			l.Warn("Audio stream started before init")
			return
		}
		s.Running = true
	case CommandStop:
		s.Running = false
	default:
		l.Warn("Unknown audio command")
		return
	}
	l.Debug("Audio command applied")
}

func (b *Backend) handleData(q *device.Queue) {
	stream := uint32(q.ID() - 1)
	for {
		elem, err := q.Pop()
		if err != nil {
			b.l.WithError(err).WithField("stream", stream).Error("Failed to pop audio samples")
			return
		}
		if elem == nil {
			break
		}

		b.mu.Lock()
		s := &b.streams[stream]
		running := s.Running
		if running {
			s.Bytes += uint64(elem.OutLen)
		} else {
			s.Dropped += uint64(elem.OutLen)
		}
		b.mu.Unlock()

		if running && b.sink != nil {
			for _, out := range elem.Out {
				b.sink(stream, out)
			}
		}

		if err := q.Push(elem, 0); err != nil {
			b.l.WithError(err).WithField("stream", stream).Error("Failed to complete audio samples")
			return
		}
	}

	if err := q.Notify(); err != nil {
		b.l.WithError(err).WithField("stream", stream).Error("Failed to notify audio sample completion")
	}
}
