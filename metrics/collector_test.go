package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vsalavatov/drum/event"
	"github.com/vsalavatov/drum/metrics"
)

func TestCollectorTracksTransitionsAndByteCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := metrics.NewCollector("test", reg)

	c.OnStateUpdate(event.StateUpdate{Source: event.SourceWriter, Bucket: 3, State: "WRITING", KVBytesWritten: 128, AuxBytesWritten: 16})
	c.OnStateUpdate(event.StateUpdate{Source: event.SourceMerger, Bucket: -1, State: "MERGING"})

	families, err := reg.Gather()
	require.NoError(t, err)

	var transitions, kvBytes *dto.MetricFamily
	for _, f := range families {
		switch f.GetName() {
		case "drum_pipeline_state_transitions_total":
			transitions = f
		case "drum_bucket_kv_bytes_written":
			kvBytes = f
		}
	}
	require.NotNil(t, transitions)
	require.NotNil(t, kvBytes)
	assert.Len(t, transitions.Metric, 2)
	require.Len(t, kvBytes.Metric, 1)
	assert.Equal(t, float64(128), kvBytes.Metric[0].GetGauge().GetValue())
}

func TestCollectorUsesDashLabelForUnscopedBucket(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := metrics.NewCollector("test2", reg)
	c.OnStateUpdate(event.StateUpdate{Source: event.SourceMerger, Bucket: -1, State: "MERGING"})

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != "drum_pipeline_state_transitions_total" {
			continue
		}
		for _, m := range f.Metric {
			for _, l := range m.Label {
				if l.GetName() == "bucket" {
					assert.Equal(t, "-", l.GetValue())
				}
			}
		}
	}
}
