package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersAllSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}

	for _, want := range []string{
		"indexer_blocks_indexed_total",
		"indexer_batch_write_duration_seconds",
		"indexer_rate_limiter_wait_seconds",
		"indexer_failed_blocks",
		"indexer_reorder_buffer_depth",
		"indexer_current_block",
		"indexer_chain_head",
	} {
		assert.True(t, names[want], "expected series %s to be registered", want)
	}

	assert.NotNil(t, m.BlocksIndexed)
}

func TestBlocksIndexedCounterAccumulates(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.BlocksIndexed.Add(5)
	m.BlocksIndexed.Add(3)

	var out dto.Metric
	require.NoError(t, m.BlocksIndexed.Write(&out))
	assert.Equal(t, float64(8), out.GetCounter().GetValue())
}

func TestDoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) }, "MustRegister must refuse a duplicate series name on the same registry")
}
