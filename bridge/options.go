package bridge

import (
	"time"

	"github.com/rcrowley/go-metrics"
)

type optionValues struct {
	maxClients   int
	drainRetries int
	drainDelay   time.Duration
	registry     metrics.Registry
}

func (o *optionValues) apply(options []Option) {
	for _, option := range options {
		option(o)
	}
}

var optionDefaults = optionValues{
	maxClients:   4,
	drainRetries: 50,
	drainDelay:   10 * time.Millisecond,
}

// Option can be passed to [New] to influence the bridge.
type Option func(*optionValues)

// WithMaxClients returns an [Option] that sets how many clients can be
// registered at once. The default is 4.
func WithMaxClients(n int) Option {
	return func(o *optionValues) { o.maxClients = n }
}

// WithDrainPolicy returns an [Option] that sets how often and how long
// [Bridge.Close] waits for the queues to drain. The default is 50 retries
// 10ms apart.
func WithDrainPolicy(retries int, delay time.Duration) Option {
	return func(o *optionValues) {
		o.drainRetries = retries
		o.drainDelay = delay
	}
}

// WithMetricsRegistry returns an [Option] that sets the registry the bridge
// counters are registered with.
func WithMetricsRegistry(r metrics.Registry) Option {
	return func(o *optionValues) { o.registry = r }
}

type bridgeMetrics struct {
	interrupts  metrics.Counter
	spurious    metrics.Counter
	drains      metrics.Counter
	reschedules metrics.Counter
	completions metrics.Counter
	errors      metrics.Counter
}

func newBridgeMetrics(r metrics.Registry) *bridgeMetrics {
	return &bridgeMetrics{
		interrupts:  metrics.GetOrRegisterCounter("bridge.interrupts", r),
		spurious:    metrics.GetOrRegisterCounter("bridge.interrupts.spurious", r),
		drains:      metrics.GetOrRegisterCounter("bridge.drains", r),
		reschedules: metrics.GetOrRegisterCounter("bridge.reschedules", r),
		completions: metrics.GetOrRegisterCounter("bridge.completions", r),
		errors:      metrics.GetOrRegisterCounter("bridge.errors", r),
	}
}
