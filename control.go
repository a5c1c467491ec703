package vring

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/vring/audio"
	"github.com/slackhq/vring/config"
	"github.com/slackhq/vring/memory"
	"github.com/slackhq/vring/notify"
)

// shutdownTimeout bounds how long Stop waits for the device to hand back
// posted buffers.
const shutdownTimeout = 5 * time.Second

// Control runs the workload against a device built by [Main].
type Control struct {
	l      *logrus.Logger
	c      *config.C
	ctx    context.Context
	cancel context.CancelFunc

	statsStart func()
	workload   func(ctx context.Context) error

	mem     *memory.Space
	line    notify.Line
	qs      *QueueSet
	client  *audio.Client
	backend *audio.Backend

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	err       error
}

// Summary is a snapshot of what the device did.
type Summary struct {
	Streams []audio.StreamStats
	Written []uint64
}

func (s Summary) String() string {
	var sb strings.Builder
	for i, st := range s.Streams {
		if i > 0 {
			sb.WriteString(", ")
		}
		var written uint64
		if i < len(s.Written) {
			written = s.Written[i]
		}
		fmt.Fprintf(&sb, "stream %d: %s written, %s played, %s dropped",
			st.Stream, humanize.IBytes(written), humanize.IBytes(st.Bytes), humanize.IBytes(st.Dropped))
	}
	return sb.String()
}

// Start runs the workload, this is a nonblocking call. To block use
// [Control.ShutdownBlock] or [Control.Wait].
func (c *Control) Start() {
	c.startOnce.Do(func() {
		if c.statsStart != nil {
			go c.statsStart()
		}
		go c.c.CatchHUP(c.ctx)

		go func() {
			defer close(c.done)
			c.err = c.workload(c.ctx)
			if c.err != nil && !errors.Is(c.err, context.Canceled) {
				c.l.WithError(c.err).Error("Workload failed")
				return
			}
			c.l.WithField("summary", c.Stats()).Info("Workload finished")
		}()
	})
}

// Wait blocks until the workload is done and returns its error.
func (c *Control) Wait() error {
	<-c.done
	return c.err
}

// Stop cancels the workload and tears the device down, returns after the
// shutdown is complete.
func (c *Control) Stop() {
	c.stopOnce.Do(func() {
		c.cancel()
		c.startOnce.Do(func() { close(c.done) })
		<-c.done

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := c.qs.Close(ctx); err != nil {
			c.l.WithError(err).Error("Failed to close queues")
		}
		if err := c.client.Close(); err != nil {
			c.l.WithError(err).Error("Failed to release audio buffers")
		}
		if err := c.line.Close(); err != nil {
			c.l.WithError(err).Error("Failed to close interrupt line")
		}
		if err := c.mem.Close(); err != nil {
			c.l.WithError(err).Error("Failed to release guest memory")
		}
		c.l.Info("Goodbye")
	})
}

// ShutdownBlock will listen for and block on term and interrupt signals,
// calling Control.Stop() once signalled or once the workload is done.
func (c *Control) ShutdownBlock() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	select {
	case rawSig := <-sigChan:
		c.l.WithField("signal", rawSig.String()).Info("Caught signal, shutting down")
	case <-c.done:
	}
	c.Stop()
}

// Stats returns what the device saw and what the driver sent per stream.
func (c *Control) Stats() Summary {
	s := Summary{Streams: c.backend.Stats()}
	for i := 0; i < c.client.Streams(); i++ {
		s.Written = append(s.Written, c.client.Written(uint32(i)))
	}
	return s
}
