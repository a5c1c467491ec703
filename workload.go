package vring

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/vring/audio"
	"github.com/slackhq/vring/util/virtio"
	"golang.org/x/sync/errgroup"
)

const (
	sampleRate    = 48000
	sampleBits    = 16
	toneBase      = 440
	toneAmplitude = math.MaxInt16 / 4
)

// streamFormat picks the richest format the negotiated features allow.
func streamFormat(features virtio.Feature) audio.Format {
	f := audio.Format{Endian: audio.LittleEndian, Channels: 1, Bits: sampleBits}
	if features.Has(virtio.FeatureAudioStereo) {
		f.Channels = 2
	}
	if features.Has(virtio.FeatureAudioFrequency) {
		f.Frequency = sampleRate
	}
	return f
}

// tone fills p with 16 bit little endian samples of a sine wave of freq Hz,
// starting at frame. It returns the frame following the last one written.
func tone(p []byte, freq float64, f audio.Format, frame uint64) uint64 {
	rate := float64(sampleRate)
	if f.Frequency != 0 {
		rate = float64(f.Frequency)
	}

	frameSize := int(f.Channels) * 2
	for off := 0; off+frameSize <= len(p); off += frameSize {
		v := int16(toneAmplitude * math.Sin(2*math.Pi*freq*float64(frame)/rate))
		for ch := 0; ch < int(f.Channels); ch++ {
			binary.LittleEndian.PutUint16(p[off+ch*2:], uint16(v))
		}
		frame++
	}
	return frame
}

// playTones plays total bytes of a tone on every stream of the client, one
// goroutine per stream.
func playTones(ctx context.Context, l *logrus.Logger, client *audio.Client, total uint64, bufferSize int, features virtio.Feature) error {
	format := streamFormat(features)
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < client.Streams(); i++ {
		stream := uint32(i)
		g.Go(func() error {
			sl := l.WithField("stream", stream)
			if err := client.Configure(ctx, stream, format); err != nil {
				return fmt.Errorf("stream %d: %w", stream, err)
			}
			if err := client.Start(ctx, stream); err != nil {
				return fmt.Errorf("stream %d: %w", stream, err)
			}
			sl.WithField("channels", format.Channels).
				WithField("bits", format.Bits).
				WithField("frequency", format.Frequency).
				Debug("Stream started")

			freq := float64(toneBase * (stream + 1))
			buf := make([]byte, bufferSize)
			var frame uint64
			for sent := uint64(0); sent < total; {
				n := uint64(len(buf))
				if total-sent < n {
					n = total - sent
				}
				frame = tone(buf[:n], freq, format, frame)
				if _, err := client.Write(ctx, stream, buf[:n]); err != nil {
					return fmt.Errorf("stream %d: %w", stream, err)
				}
				sent += n
			}

			if err := client.Stop(ctx, stream); err != nil {
				return fmt.Errorf("stream %d: %w", stream, err)
			}
			sl.WithField("bytes", humanize.IBytes(total)).Info("Stream played")
			return nil
		})
	}

	return g.Wait()
}
