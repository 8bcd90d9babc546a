// Package observability owns the daemon's Prometheus registry.
package observability

import (
	"net/http"
	"strconv"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ispadmin"

type Metrics struct {
	reg *prom.Registry

	LoginAttempts   *prom.CounterVec
	AuthResolutions *prom.CounterVec
	HTTPDuration    *prom.HistogramVec
	Backups         *prom.CounterVec
	RouterErrors    prom.Counter
}

func New() *Metrics {
	reg := prom.NewRegistry()
	m := &Metrics{
		reg: reg,
		LoginAttempts: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "login_attempts_total",
			Help:      "Login attempts by outcome (success, invalid, throttled, error).",
		}, []string{"outcome"}),
		AuthResolutions: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "auth_resolutions_total",
			Help:      "Request credential resolutions by source and outcome.",
		}, []string{"source", "outcome"}),
		HTTPDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route pattern.",
			Buckets:   prom.DefBuckets,
		}, []string{"method", "route", "status"}),
		Backups: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "backups_total",
			Help:      "Backup runs by result.",
		}, []string{"result"}),
		RouterErrors: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "router_errors_total",
			Help:      "RouterOS dial or command failures seen by handlers.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.LoginAttempts, m.AuthResolutions, m.HTTPDuration, m.Backups, m.RouterErrors,
	)
	return m
}

// ObserveResolution records one authenticator result.
func (m *Metrics) ObserveResolution(source, outcome string) {
	m.AuthResolutions.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) ObserveLogin(outcome string) {
	m.LoginAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.HTTPDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}

func (m *Metrics) ObserveBackup(err error) {
	if err != nil {
		m.Backups.WithLabelValues("error").Inc()
		return
	}
	m.Backups.WithLabelValues("ok").Inc()
}

func (m *Metrics) Gatherer() prom.Gatherer { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
