package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors holds the service counters on a private registry.
type Collectors struct {
	registry *prometheus.Registry

	Saves           *prometheus.CounterVec
	Navigation      *prometheus.CounterVec
	DriveTasks      *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

func NewCollectors() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),
		Saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "multilabelfy_saves_total",
			Help: "Annotation saves by kind",
		}, []string{"kind", "outcome"}),
		Navigation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "multilabelfy_navigation_total",
			Help: "Index moves by direction",
		}, []string{"direction"}),
		DriveTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "multilabelfy_drive_tasks_total",
			Help: "Background Drive tasks by kind and final state",
		}, []string{"kind", "state"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "multilabelfy_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "code"}),
	}
	c.registry.MustRegister(
		c.Saves,
		c.Navigation,
		c.DriveTasks,
		c.RequestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Instrument observes the latency of h under the route label.
func (c *Collectors) Instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		c.RequestDuration.WithLabelValues(route, strconv.Itoa(rec.status)).Observe(time.Since(start).Seconds())
	}
}
