package virtqueue

import (
	"fmt"

	"github.com/rcrowley/go-metrics"
)

type queueMetrics struct {
	posted    metrics.Counter
	completed metrics.Counter
	exhausted metrics.Counter
	kicks     metrics.Counter
	malformed metrics.Counter
	detached  metrics.Counter

	kicksSuppressed metrics.Counter
}

func newQueueMetrics(r metrics.Registry, id uint16) *queueMetrics {
	c := func(name string) metrics.Counter {
		return metrics.GetOrRegisterCounter(fmt.Sprintf("virtqueue.%d.%s", id, name), r)
	}
	return &queueMetrics{
		posted:    c("posted"),
		completed: c("completed"),
		exhausted: c("exhausted"),
		kicks:     c("kicks"),
		malformed: c("malformed"),
		detached:  c("detached"),

		kicksSuppressed: c("kicks_suppressed"),
	}
}
