package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// runsTotal counts finished runs by terminal phase.
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aioctl_install_runs_total",
		Help: "Finished installation runs by terminal phase",
	}, []string{"outcome"})

	phaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aioctl_install_phase_duration_seconds",
		Help:    "Time spent in each installation phase",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms to ~7min
	}, []string{"phase"})

	pullAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aioctl_image_pull_attempts_total",
		Help: "Image pull attempts by result (ok, transient, permanent)",
	}, []string{"result"})

	healthWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aioctl_health_wait_seconds",
		Help:    "Time until a service passed or failed its health gate",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"result"})
)
