package device

import (
	"fmt"

	"github.com/rcrowley/go-metrics"
)

type optionValues struct {
	registry metrics.Registry
}

func (o *optionValues) apply(options []Option) {
	for _, option := range options {
		option(o)
	}
}

// Option can be passed to [New] to influence device creation.
type Option func(*optionValues)

// WithMetricsRegistry returns an [Option] that sets the registry the queue
// counters are registered with. By default [metrics.DefaultRegistry] is used.
func WithMetricsRegistry(r metrics.Registry) Option {
	return func(o *optionValues) { o.registry = r }
}

type queueMetrics struct {
	kicks      metrics.Counter
	popped     metrics.Counter
	pushed     metrics.Counter
	faults     metrics.Counter
	interrupts metrics.Counter
	suppressed metrics.Counter
}

func newQueueMetrics(r metrics.Registry, id uint16) *queueMetrics {
	c := func(name string) metrics.Counter {
		return metrics.GetOrRegisterCounter(fmt.Sprintf("device.queue.%d.%s", id, name), r)
	}
	return &queueMetrics{
		kicks:      c("kicks"),
		popped:     c("popped"),
		pushed:     c("pushed"),
		faults:     c("faults"),
		interrupts: c("interrupts"),
		suppressed: c("suppressed"),
	}
}
