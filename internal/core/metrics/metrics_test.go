package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-interledger/pkg/types"
)

func TestRecordAccumulatesByDirection(t *testing.T) {
	c := NewCollector()
	c.Record(types.StreamStat{StreamID: 1, Amount: 100, Direction: types.DirIncoming})
	c.Record(types.StreamStat{StreamID: 1, Amount: 50, Direction: types.DirIncoming})
	c.Record(types.StreamStat{StreamID: 3, Amount: 25, Direction: types.DirOutgoing})

	totals := c.Totals()
	assert.Equal(t, uint64(150), totals.AmountIn)
	assert.Equal(t, uint64(25), totals.AmountOut)
	assert.Equal(t, uint64(2), totals.PacketsIn)
	assert.Equal(t, uint64(1), totals.PacketsOut)
}

func TestZeroValueTotals(t *testing.T) {
	c := NewCollector()
	assert.Equal(t, Totals{}, c.Totals())
}

func TestPrometheusCountersTrackRecord(t *testing.T) {
	c := NewCollector()
	reg := prometheus.NewRegistry()
	require.NoError(t, c.Register(reg))

	c.Record(types.StreamStat{Amount: 42, Direction: types.DirIncoming})
	c.Record(types.StreamStat{Amount: 8, Direction: types.DirOutgoing})

	assert.Equal(t, 42.0, testutil.ToFloat64(c.amountCounter.WithLabelValues("incoming")))
	assert.Equal(t, 8.0, testutil.ToFloat64(c.amountCounter.WithLabelValues("outgoing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.packetsCounter.WithLabelValues("incoming")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.packetsCounter.WithLabelValues("outgoing")))
}

func TestRegisterIsIdempotent(t *testing.T) {
	c := NewCollector()
	reg := prometheus.NewRegistry()
	require.NoError(t, c.Register(reg))
	require.NoError(t, c.Register(reg))
}
