package axidma

import (
	"fmt"

	"github.com/rcrowley/go-metrics"
)

type ringMetrics struct {
	allocated metrics.Counter
	submitted metrics.Counter
	completed metrics.Counter
	freed     metrics.Counter
}

func newRingMetrics(reg metrics.Registry, name string) *ringMetrics {
	c := func(what string) metrics.Counter {
		return metrics.GetOrRegisterCounter(fmt.Sprintf("axidma.%s.%s", name, what), reg)
	}
	return &ringMetrics{
		allocated: c("bds_allocated"),
		submitted: c("bds_submitted"),
		completed: c("bds_completed"),
		freed:     c("bds_freed"),
	}
}

type engineMetrics struct {
	resets        metrics.Counter
	resetTimeouts metrics.Counter
	starts        metrics.Counter
	pauses        metrics.Counter
}

func newEngineMetrics(reg metrics.Registry) *engineMetrics {
	return &engineMetrics{
		resets:        metrics.GetOrRegisterCounter("axidma.resets", reg),
		resetTimeouts: metrics.GetOrRegisterCounter("axidma.reset_timeouts", reg),
		starts:        metrics.GetOrRegisterCounter("axidma.starts", reg),
		pauses:        metrics.GetOrRegisterCounter("axidma.pauses", reg),
	}
}
