package virtqueue

import "github.com/rcrowley/go-metrics"

type optionValues struct {
	zeroLengthQuirk bool
	registry        metrics.Registry
}

func (o *optionValues) apply(options []Option) {
	for _, option := range options {
		option(o)
	}
}

var optionDefaults = optionValues{
	zeroLengthQuirk: false,
	registry:        nil,
}

// Option can be passed to [NewDriverQueue] to influence queue creation.
type Option func(*optionValues)

// WithZeroLengthQuirk returns an [Option] that enables the zero length
// completion quirk: when the device reports a used length of 0, the length
// of the originally posted buffer is returned instead. Some device backends
// never fill in the used length. Leave this off for devices that report
// lengths correctly, because it hides genuine zero length completions.
func WithZeroLengthQuirk(enabled bool) Option {
	return func(o *optionValues) { o.zeroLengthQuirk = enabled }
}

// WithMetricsRegistry returns an [Option] that sets the registry the queue
// counters are registered with. By default [metrics.DefaultRegistry] is used.
func WithMetricsRegistry(r metrics.Registry) Option {
	return func(o *optionValues) { o.registry = r }
}
