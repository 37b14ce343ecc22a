package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level collectors, registered via Register. Recording helpers are
// no-ops until then, so packages can record unconditionally.
var (
	regOK atomic.Bool

	launches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "troupe",
			Subsystem: "service",
			Name:      "launches_total",
			Help:      "Number of service launches, including restarts.",
		}, []string{"service"},
	)
	launchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "troupe",
			Subsystem: "service",
			Name:      "launch_failures_total",
			Help:      "Launches that failed to spawn, exited immediately or never became healthy.",
		}, []string{"service", "reason"},
	)
	crashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "troupe",
			Subsystem: "service",
			Name:      "crashes_total",
			Help:      "Unexpected exits of a running service.",
		}, []string{"service"},
	)
	readyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "troupe",
			Subsystem: "service",
			Name:      "ready_seconds",
			Help:      "Time from spawn to first passing health check.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"service"},
	)
	checkFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "troupe",
			Subsystem: "health",
			Name:      "check_failures_total",
			Help:      "Failed steady-state health checks.",
		}, []string{"service"},
	)
	checkLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "troupe",
			Subsystem: "health",
			Name:      "check_seconds",
			Help:      "Duration of steady-state health checks.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"},
	)
	reclaimKills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "troupe",
			Subsystem: "port",
			Name:      "reclaim_signals_total",
			Help:      "Signals sent to leftover processes holding a service port.",
		}, []string{"port", "signal"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "troupe",
			Subsystem: "service",
			Name:      "state",
			Help:      "Current lifecycle state of each service (1 = in this state).",
		}, []string{"service", "state"},
	)
)

// Register registers all collectors with r.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{launches, launchFailures, crashes, readyDuration, checkFailures, checkLatency, reclaimKills, currentState}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves the default gatherer.
func Handler() http.Handler { return promhttp.Handler() }

func IncLaunch(service string) {
	if regOK.Load() {
		launches.WithLabelValues(service).Inc()
	}
}

func IncLaunchFailure(service, reason string) {
	if regOK.Load() {
		launchFailures.WithLabelValues(service, reason).Inc()
	}
}

func IncCrash(service string) {
	if regOK.Load() {
		crashes.WithLabelValues(service).Inc()
	}
}

func ObserveReady(service string, seconds float64) {
	if regOK.Load() {
		readyDuration.WithLabelValues(service).Observe(seconds)
	}
}

func ObserveCheck(service string, seconds float64, healthy bool) {
	if !regOK.Load() {
		return
	}
	checkLatency.WithLabelValues(service).Observe(seconds)
	if !healthy {
		checkFailures.WithLabelValues(service).Inc()
	}
}

func IncReclaimSignal(port, signal string) {
	if regOK.Load() {
		reclaimKills.WithLabelValues(port, signal).Inc()
	}
}

// SetState marks state as the current one for service and clears the others.
func SetState(service, state string, all []string) {
	if !regOK.Load() {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		currentState.WithLabelValues(service, s).Set(v)
	}
}
