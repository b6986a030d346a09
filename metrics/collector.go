// Package metrics exposes an event.Listener that mirrors writer/merger
// state transitions as Prometheus metrics, the observability surface
// spec.md §6's "listener" option is meant to support.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vsalavatov/drum/event"
)

// Collector is an event.Listener backed by prometheus/client_golang. It
// counts state transitions per bucket/source and tracks the last reported
// byte counters, ready to be registered on a *prometheus.Registry and
// served over HTTP by the caller.
type Collector struct {
	name string

	transitions *prometheus.CounterVec
	kvBytes     *prometheus.GaugeVec
	auxBytes    *prometheus.GaugeVec
}

// NewCollector builds a Collector for the named DRUM instance and
// registers its metrics on reg.
func NewCollector(name string, reg prometheus.Registerer) *Collector {
	c := &Collector{
		name: name,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "drum",
			Subsystem: "pipeline",
			Name:      "state_transitions_total",
			Help:      "Number of coalesced state transitions observed per source/state.",
			ConstLabels: prometheus.Labels{
				"drum": name,
			},
		}, []string{"source", "bucket", "state"}),
		kvBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "drum",
			Subsystem: "bucket",
			Name:      "kv_bytes_written",
			Help:      "Bytes currently written to a bucket's kv file since its last reset.",
			ConstLabels: prometheus.Labels{
				"drum": name,
			},
		}, []string{"bucket"}),
		auxBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "drum",
			Subsystem: "bucket",
			Name:      "aux_bytes_written",
			Help:      "Bytes currently written to a bucket's aux file since its last reset.",
			ConstLabels: prometheus.Labels{
				"drum": name,
			},
		}, []string{"bucket"}),
	}
	reg.MustRegister(c.transitions, c.kvBytes, c.auxBytes)
	return c
}

// OnStateUpdate implements event.Listener.
func (c *Collector) OnStateUpdate(u event.StateUpdate) {
	bucket := bucketLabel(u.Bucket)
	c.transitions.WithLabelValues(u.Source.String(), bucket, u.State).Inc()
	if u.Source == event.SourceWriter {
		c.kvBytes.WithLabelValues(bucket).Set(float64(u.KVBytesWritten))
		c.auxBytes.WithLabelValues(bucket).Set(float64(u.AuxBytesWritten))
	}
}

func bucketLabel(bucket int) string {
	if bucket < 0 {
		return "-"
	}
	return strconv.Itoa(bucket)
}
