package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EndpointResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accel_endpoint_responses_total",
		Help: "The total number of responses served by the metrics endpoint",
	}, []string{"endpoint", "status_code"})

	// Job metrics
	JobsLaunched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accel_jobs_launched_total",
		Help: "Total number of jobs started, by PE kind",
	}, []string{"kind"})

	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accel_jobs_completed_total",
		Help: "Total number of jobs released through their completion handle, by PE kind and outcome",
	}, []string{"kind", "status"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "accel_job_duration_ms",
		Help:    "Time from job start until its completion handle released the PE, in milliseconds",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 18), // 50us to ~6.5s
	}, []string{"kind"})

	LeakedJobs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "accel_leaked_jobs_total",
		Help: "Jobs or completion handles garbage collected while still holding a PE",
	})

	// PE metrics
	PEsBusy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "accel_pes_busy",
		Help: "PE instances currently acquired, by device and kind",
	}, []string{"device", "kind"})

	// Memory metrics
	DeviceMemoryAllocatedBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "accel_device_memory_allocated_bytes",
		Help: "Device memory currently allocated through the runtime, by device",
	}, []string{"device"})

	TransferBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accel_transfer_bytes_total",
		Help: "Bytes copied between host and device, by direction (to_device, from_device)",
	}, []string{"direction"})

	LocalMemoryFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "accel_local_memory_fallbacks_total",
		Help: "Buffers that requested PE-local memory but were placed in shared device memory",
	})
)
