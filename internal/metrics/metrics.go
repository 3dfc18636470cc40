// Package metrics exposes Prometheus counters for the auth flows and HTTP
// traffic.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector records auth outcomes and request metrics.
type Collector struct {
	logins    *prometheus.CounterVec
	refreshes *prometheus.CounterVec
	logouts   prometheus.Counter
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
}

// NewCollector creates a Collector and registers its metrics on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "institute_auth_login_total",
			Help: "Login attempts by result.",
		}, []string{"result"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "institute_auth_refresh_total",
			Help: "Access token refreshes by result.",
		}, []string{"result"}),
		logouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "institute_auth_logout_total",
			Help: "Logout requests.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "institute_http_requests_total",
			Help: "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "institute_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(c.logins, c.refreshes, c.logouts, c.requests, c.latency)
	return c
}

func (c *Collector) RecordLogin(result string)   { c.logins.WithLabelValues(result).Inc() }
func (c *Collector) RecordRefresh(result string) { c.refreshes.WithLabelValues(result).Inc() }
func (c *Collector) RecordLogout()               { c.logouts.Inc() }

// ObserveHTTP records one finished request. route is the registered path
// pattern, not the raw URL, to keep label cardinality bounded.
func (c *Collector) ObserveHTTP(method, route string, status int, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	c.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.latency.WithLabelValues(method, route).Observe(d.Seconds())
}

// Middleware observes every request passing through Echo.
func (c *Collector) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ec echo.Context) error {
			start := time.Now()
			err := next(ec)
			status := ec.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else if !ec.Response().Committed {
					status = http.StatusInternalServerError
				}
			}
			c.ObserveHTTP(ec.Request().Method, ec.Path(), status, time.Since(start))
			return err
		}
	}
}

// Handler serves the Prometheus scrape endpoint.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
