package observability

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusFactory is a MetricFactory backed by client_golang. Dotted
// names become snake_case under the "tollgate" namespace; counters get the
// conventional _total suffix.
type PrometheusFactory struct {
	reg    prometheus.Registerer
	logger *slog.Logger
}

var _ MetricFactory = (*PrometheusFactory)(nil)

// NewPrometheusFactory registers metrics with reg, or with the default
// registerer when reg is nil.
func NewPrometheusFactory(reg prometheus.Registerer) *PrometheusFactory {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &PrometheusFactory{reg: reg, logger: slog.Default()}
}

// Counter implements MetricFactory.
func (f *PrometheusFactory) Counter(name string) Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tollgate",
		Name:      metricName(name) + "_total",
		Help:      "Total " + strings.ReplaceAll(metricName(name), "_", " ") + " events",
	})
	return register(f, c)
}

// Histogram implements MetricFactory.
func (f *PrometheusFactory) Histogram(name string) Histogram {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tollgate",
		Name:      metricName(name),
		Help:      "Distribution of " + strings.ReplaceAll(metricName(name), "_", " "),
		Buckets:   prometheus.DefBuckets,
	})
	return register(f, h)
}

// register returns the already registered collector when an identical one
// exists, so two extensions can share a registry. Any other registration
// failure is logged and c is returned unregistered: it still counts but is
// not exported.
func register[T prometheus.Collector](f *PrometheusFactory, c T) T {
	err := f.reg.Register(c)
	if err == nil {
		return c
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(T); ok {
			return existing
		}
	}
	f.logger.Warn("tollgate: metric not registered", "error", err)
	return c
}

func metricName(name string) string {
	name = strings.TrimPrefix(name, "tollgate.")
	return strings.ReplaceAll(name, ".", "_")
}
