package httpserver

import (
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics holds the server's Prometheus instruments on a private
// registry so multiple servers (tests) never collide.
type metrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	sweeps   prometheus.Counter
	streams  prometheus.Gauge
}

func newMetrics(sessionCount func() int) *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpd_http_requests_total",
			Help: "HTTP requests served, by method and status code.",
		}, []string{"method", "status"}),
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcpd_session_sweeps_total",
			Help: "Inactivity sweeps executed.",
		}),
		streams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mcpd_sse_streams_active",
			Help: "Open SSE side-channel streams.",
		}),
	}

	m.registry.MustRegister(m.requests, m.sweeps, m.streams)
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "mcpd_sessions_active",
		Help: "Live MCP sessions.",
	}, func() float64 { return float64(sessionCount()) }))
	m.registry.MustRegister(collectors.NewGoCollector())

	return m
}

// middleware counts every request by method and final status.
func (m *metrics) middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			m.requests.WithLabelValues(c.Request().Method, strconv.Itoa(status)).Inc()
			return err
		}
	}
}

func (m *metrics) handler() echo.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return func(c echo.Context) error {
		h.ServeHTTP(c.Response(), c.Request())
		return nil
	}
}
