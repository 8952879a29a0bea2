package interfaces

import (
	"github.com/prometheus/client_golang/prometheus"
)

// NoOpDaemon The noOpDeamon is a dummy daemon implementation, supporting the Daemon interface.
// Used only in testing.
type NoOpDaemon struct {
	metricsRegistry  *prometheus.Registry
	metricsNamespace string
}

func MakeNoOpDeamon() *NoOpDaemon {
	return &NoOpDaemon{
		metricsRegistry:  prometheus.NewRegistry(),
		metricsNamespace: PrometheusNamespace,
	}
}

func (d *NoOpDaemon) MetricsRegistry() *prometheus.Registry {
	return prometheus.NewRegistry() // so that you can register metrics many times
}

func (d *NoOpDaemon) MetricsNamespace() string {
	return d.metricsNamespace
}
