// Package kmetrics exposes the job queue and allocator counters named
// across spec §3/§4/§8 as Prometheus collectors, mirroring
// the runtime's own transitive pull of prometheus/client_golang for its
// supervisor metrics surface.
package kmetrics

import "github.com/prometheus/client_golang/prometheus"

var (
	JobsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "magnolia", Subsystem: "job", Name: "submitted_total",
		Help: "Jobs submitted to a job queue.",
	})
	JobsExecuted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "magnolia", Subsystem: "job", Name: "executed_total",
		Help: "Jobs whose handler ran to completion (success or failure).",
	})
	JobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "magnolia", Subsystem: "job", Name: "failed_total",
		Help: "Executed jobs whose result status was ERROR.",
	})
	JobsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "magnolia", Subsystem: "job", Name: "dropped_total",
		Help: "Submissions that never entered the ring (timeout/destroyed/shutdown).",
	})
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "magnolia", Subsystem: "job", Name: "queue_depth",
		Help: "Current number of jobs sitting in the ring.",
	})

	AllocatorUsedBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "magnolia", Subsystem: "arena", Name: "used_bytes",
		Help: "Bytes currently allocated in a job's region heap.",
	}, []string{"job"})
	AllocatorRegionCount = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "magnolia", Subsystem: "arena", Name: "region_count",
		Help: "Regions grown into a job's heap.",
	}, []string{"job"})
	AllocatorMisuse = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "magnolia", Subsystem: "arena", Name: "misuse_total",
		Help: "Detected double-free/cross-job/corrupt-header events and out-of-memory cancellations.",
	})
)

func init() {
	prometheus.MustRegister(
		JobsSubmitted, JobsExecuted, JobsFailed, JobsDropped, QueueDepth,
		AllocatorUsedBytes, AllocatorRegionCount, AllocatorMisuse,
	)
}
