package vring

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/vring/audio"
	"github.com/slackhq/vring/bridge"
	"github.com/slackhq/vring/config"
	"github.com/slackhq/vring/device"
	"github.com/slackhq/vring/memory"
	"github.com/slackhq/vring/notify"
	"github.com/slackhq/vring/util"
	"github.com/slackhq/vring/util/virtio"
	"github.com/slackhq/vring/virtqueue"
	"go.yaml.in/yaml/v3"
)

// driverFeatures are the features the driver knows how to use.
const driverFeatures = virtio.FeatureNotifyOnEmpty | virtio.FeatureAudioStereo | virtio.FeatureAudioFrequency

// Main builds an emulated audio device from config, brings it up through its
// registers and prepares a workload that plays a tone on every stream. In
// config test mode nothing is built and the returned Control is nil.
func Main(c *config.C, configTest bool, buildVersion string, logger *logrus.Logger) (retcon *Control, reterr error) {
	ctx, cancel := context.WithCancel(context.Background())
	// Automatically cancel the context if Main returns an error, to signal all created goroutines to quit.
	defer func() {
		if reterr != nil {
			cancel()
		}
	}()

	l := logger
	l.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
	}

	// Print the config if in test, the exit comes later
	if configTest {
		b, err := yaml.Marshal(c.Settings)
		if err != nil {
			return nil, err
		}

		// Print the final config
		l.Println(string(b))
	}

	err := configLogger(l, c)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to configure the logger", err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		err := configLogger(l, c)
		if err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}
	})

	dc, err := loadDeviceConfig(c)
	if err != nil {
		return nil, err
	}

	statsStart, err := startStats(l, c, buildVersion, configTest)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to start stats emitter", err)
	}

	if configTest {
		cancel()
		return nil, nil
	}

	////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
	// All non system modifying configuration consumption should live above this line
	// guest memory, interrupt lines, anything holding resources should be below
	////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

	mem, line, err := dc.open()
	if err != nil {
		return nil, err
	}

	ctrl, err := dc.build(l, mem, line)
	if err != nil {
		line.Close()
		mem.Close()
		return nil, err
	}

	ctrl.c = c
	ctrl.ctx = ctx
	ctrl.cancel = cancel
	ctrl.statsStart = statsStart
	ctrl.done = make(chan struct{})
	ctrl.workload = func(ctx context.Context) error {
		return playTones(ctx, l, ctrl.client, dc.total, dc.bufferSize, ctrl.qs.Transport().Features())
	}
	return ctrl, nil
}

type deviceConfig struct {
	devType     virtio.DeviceType
	features    virtio.Feature
	configSize  int
	streams     int
	queueCounts int
	queueSize   int
	zeroQuirk   bool

	memBase uint64
	memSize uint64
	mmap    bool
	irqMode string

	maxClients int
	bridgeOpts []bridge.Option

	bufferSize int
	buffers    int
	total      uint64
}

func loadDeviceConfig(c *config.C) (*deviceConfig, error) {
	dc := &deviceConfig{}

	var err error
	dc.devType, err = virtio.ParseDeviceType(c.GetString("device.type", "audio"))
	if err != nil {
		return nil, util.NewContextualError("Invalid device.type", nil, err)
	}
	if dc.devType != virtio.DeviceTypeAudio {
		return nil, util.NewContextualError("Only audio devices can be emulated", logrus.Fields{"type": dc.devType}, nil)
	}

	for _, name := range c.GetStringSlice("device.features", []string{"notify_on_empty", "audio_stereo"}) {
		f, err := virtio.FeatureByName(name)
		if err != nil {
			return nil, util.NewContextualError("Invalid device.features", logrus.Fields{"feature": name}, err)
		}
		dc.features |= f
	}

	dc.configSize = c.GetInt("device.config_size", 8)
	if dc.configSize < 8 || dc.configSize%4 != 0 {
		return nil, util.NewContextualError("device.config_size must be a multiple of 4 and at least 8", logrus.Fields{"config_size": dc.configSize}, nil)
	}

	dc.streams = c.GetInt("audio.streams", 1)
	if dc.streams < 1 {
		return nil, util.NewContextualError("audio.streams must be at least 1", logrus.Fields{"streams": dc.streams}, nil)
	}
	dc.queueCounts = c.GetInt("queues.count", dc.streams+1)
	if dc.queueCounts != dc.streams+1 {
		return nil, util.NewContextualError("queues.count must be one control queue plus one queue per stream",
			logrus.Fields{"count": dc.queueCounts, "streams": dc.streams}, nil)
	}

	dc.queueSize = c.GetInt("queues.size", 64)
	if err := virtqueue.CheckQueueSize(dc.queueSize); err != nil {
		return nil, util.NewContextualError("Invalid queues.size", logrus.Fields{"size": dc.queueSize}, err)
	}
	dc.zeroQuirk = c.GetBool("queues.zero_length_quirk", false)

	dc.memBase = c.GetUint64("memory.base", 0x100000)
	dc.memSize = c.GetByteSize("memory.size", 4<<20)
	dc.mmap = c.GetBool("memory.mmap", false)

	dc.irqMode = c.GetString("interrupt.mode", "channel")
	if dc.irqMode != "channel" && dc.irqMode != "eventfd" {
		return nil, util.NewContextualError("interrupt.mode was not understood", logrus.Fields{"mode": dc.irqMode}, nil)
	}

	dc.maxClients = c.GetInt("bridge.max_clients", 4)
	if dc.maxClients < 1 {
		return nil, util.NewContextualError("bridge.max_clients must be at least 1", logrus.Fields{"max_clients": dc.maxClients}, nil)
	}
	dc.bridgeOpts = []bridge.Option{
		bridge.WithMaxClients(dc.maxClients),
		bridge.WithDrainPolicy(
			c.GetInt("bridge.drain_retries", 50),
			c.GetDuration("bridge.drain_delay", 10*time.Millisecond),
		),
	}

	dc.bufferSize = int(c.GetByteSize("audio.buffer_size", 4096))
	dc.buffers = c.GetInt("audio.buffers", 8)
	if dc.bufferSize <= 0 || dc.buffers <= 0 || dc.buffers > dc.queueSize {
		return nil, util.NewContextualError("audio.buffers must fit a queue and audio.buffer_size must not be empty",
			logrus.Fields{"buffers": dc.buffers, "buffer_size": dc.bufferSize, "queue_size": dc.queueSize}, nil)
	}
	dc.total = c.GetByteSize("audio.total", 1<<20)

	return dc, nil
}

// open creates the guest memory and the interrupt line.
func (dc *deviceConfig) open() (*memory.Space, notify.Line, error) {
	var region *memory.Region
	var err error
	if dc.mmap {
		region, err = memory.MapRegion(dc.memBase, int(dc.memSize))
	} else {
		region, err = memory.NewRegion(dc.memBase, int(dc.memSize))
	}
	if err != nil {
		return nil, nil, util.NewContextualError("Failed to create guest memory",
			logrus.Fields{"base": fmt.Sprintf("%#x", dc.memBase), "size": dc.memSize, "mmap": dc.mmap}, err)
	}

	mem, err := memory.NewSpace(region)
	if err != nil {
		return nil, nil, util.NewContextualError("Failed to create guest memory", nil, err)
	}

	var line notify.Line
	switch dc.irqMode {
	case "eventfd":
		line, err = notify.NewEventLine()
		if err != nil {
			mem.Close()
			return nil, nil, util.NewContextualError("Failed to create eventfd interrupt line", nil, err)
		}
	default:
		line = notify.NewChanLine()
	}

	return mem, line, nil
}

// build creates the device, the driver on top of it and the audio client.
func (dc *deviceConfig) build(l *logrus.Logger, mem *memory.Space, line notify.Line) (*Control, error) {
	configSpace := make([]byte, dc.configSize)
	binary.LittleEndian.PutUint32(configSpace[0:], uint32(dc.streams))
	binary.LittleEndian.PutUint32(configSpace[4:], uint32(dc.queueSize))

	backend := audio.NewBackend(l, dc.streams, nil)
	dev, err := device.New(l, mem, line, device.Config{
		Type:        dc.devType,
		Features:    dc.features,
		Queues:      backend.Queues(dc.queueSize),
		ConfigSpace: configSpace,
	})
	if err != nil {
		return nil, util.NewContextualError("Failed to create device", nil, err)
	}

	qs, err := NewQueueSet(l, dev, mem, line,
		WithFeatures(driverFeatures),
		WithMaxQueues(dc.queueCounts),
		WithQueueOptions(virtqueue.WithZeroLengthQuirk(dc.zeroQuirk)),
		WithBridgeOptions(dc.bridgeOpts...),
	)
	if err != nil {
		return nil, util.NewContextualError("Failed to bring up device", logrus.Fields{"type": dc.devType}, err)
	}

	streams := int(qs.Transport().ReadConfig(0))
	if streams+1 != qs.Len() {
		closeErr := qs.Close(context.Background())
		return nil, util.NewContextualError("Device reports a stream count that does not match its queues",
			logrus.Fields{"streams": streams, "queues": qs.Len()}, closeErr)
	}

	client, err := audio.NewClient(l, mem, qs.Queues(), dc.bufferSize, dc.buffers)
	if err != nil {
		closeErr := qs.Close(context.Background())
		return nil, util.NewContextualError("Failed to create audio client", nil, errors.Join(err, closeErr))
	}

	if _, err := qs.Bridge().RegisterClient(client); err != nil {
		closeErr := qs.Close(context.Background())
		return nil, util.NewContextualError("Failed to register audio client", nil, errors.Join(err, closeErr, client.Close()))
	}

	l.WithField("type", dc.devType).
		WithField("features", qs.Transport().Features()).
		WithField("streams", streams).
		WithField("queueSize", dc.queueSize).
		Info("Device ready")

	return &Control{
		l:       l,
		mem:     mem,
		line:    line,
		qs:      qs,
		client:  client,
		backend: backend,
	}, nil
}
