package writer

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ptop-analyzer/internal/parser"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

// newTestWriter builds a disconnected writer: rows are coalesced and counted
// but flushes never reach a store.
func newTestWriter(cfg Config) *Writer {
	cfg.DSN = ""
	return New(cfg, testLogger())
}

func sample(name string, value float64, ts int64, labels map[string]string) parser.MetricSample {
	merged := map[string]string{
		"bundle_id": "b-test",
		"sptid":     "NIOSSPT-1",
		"host":      "h1",
	}
	for k, v := range labels {
		merged[k] = v
	}
	return parser.MetricSample{Name: name, Value: value, TsMs: ts, Labels: merged}
}

func TestUnknownMetricDropped(t *testing.T) {
	w := newTestWriter(Config{BatchSize: 10})
	w.Add(sample("not_a_metric", 1, 1000, nil))
	assert.Equal(t, int64(0), w.Stats().RowsAdded)
}

func TestCoalescingSameKey(t *testing.T) {
	w := newTestWriter(Config{BatchSize: 10})
	labels := map[string]string{"cpu_id": "cpu0", "cpu": "cpu0"}
	w.Add(sample("cpu_utilization", 42.5, 1000, labels))
	w.Add(sample("cpu_idle_percent", 50.0, 1000, labels))
	w.Add(sample("cpu_user_percent", 30.0, 1000, labels))
	// Three samples sharing the logical key coalesce into one row.
	assert.Equal(t, int64(1), w.Stats().RowsAdded)
}

func TestDistinctKeysMakeDistinctRows(t *testing.T) {
	w := newTestWriter(Config{BatchSize: 10})
	w.Add(sample("cpu_utilization", 1, 1000, map[string]string{"cpu_id": "cpu0"}))
	w.Add(sample("cpu_utilization", 2, 1000, map[string]string{"cpu_id": "cpu1"}))
	w.Add(sample("cpu_utilization", 3, 2000, map[string]string{"cpu_id": "cpu0"}))
	assert.Equal(t, int64(3), w.Stats().RowsAdded)
}

func TestAliasNeverOverwritesCanonical(t *testing.T) {
	w := newTestWriter(Config{BatchSize: 10})
	labels := map[string]string{"cpu_id": "cpu0"}
	w.Add(sample("cpu_utilization", 42.5, 1000, labels))
	w.Add(sample("cpu_utilization_percent", 99.0, 1000, labels))

	row := findRow(w, "ptops_cpu")
	require.NotNil(t, row)
	assert.Equal(t, 42.5, row.values["cpu_utilization"])
}

func TestAliasWinsWhenFirst(t *testing.T) {
	w := newTestWriter(Config{BatchSize: 10})
	labels := map[string]string{"cpu_id": "cpu0"}
	w.Add(sample("cpu_utilization_percent", 99.0, 1000, labels))
	row := findRow(w, "ptops_cpu")
	require.NotNil(t, row)
	assert.Equal(t, 99.0, row.values["cpu_utilization"])

	// Canonical arriving later still overwrites (non-alias set is
	// unconditional).
	w.Add(sample("cpu_utilization", 42.5, 1000, labels))
	assert.Equal(t, 42.5, row.values["cpu_utilization"])
}

func TestCounterMonotonicity(t *testing.T) {
	w := newTestWriter(Config{BatchSize: 2})
	var lastAdded int64
	for i := 0; i < 10; i++ {
		w.Add(sample("cpu_utilization", float64(i), int64(1000*(i+1)), map[string]string{"cpu_id": "cpu0"}))
		s := w.Stats()
		assert.GreaterOrEqual(t, s.RowsAdded, lastAdded)
		lastAdded = s.RowsAdded
	}
	w.Flush()
	s := w.Stats()
	assert.LessOrEqual(t, s.RowsFlushed, s.RowsAdded)
	assert.Equal(t, s.RowsAdded, s.RowsFlushed)
}

func TestBatchThresholdFlush(t *testing.T) {
	w := newTestWriter(Config{BatchSize: 3})
	for i := 0; i < 3; i++ {
		w.Add(sample("cpu_utilization", 1, int64(1000*(i+1)), map[string]string{"cpu_id": "cpu0"}))
	}
	assert.Equal(t, int64(0), w.Stats().Flushes)
	// The fourth distinct key triggers the flush of the first three.
	w.Add(sample("cpu_utilization", 1, 9000, map[string]string{"cpu_id": "cpu0"}))
	s := w.Stats()
	assert.Equal(t, int64(1), s.Flushes)
	assert.Equal(t, int64(3), s.RowsFlushed)
}

func TestSameKeyNeverSplitsRow(t *testing.T) {
	w := newTestWriter(Config{BatchSize: 1})
	labels := map[string]string{"cpu_id": "cpu0"}
	w.Add(sample("cpu_utilization", 42.5, 1000, labels))
	// Same logical key: must keep updating the pending row, not flush.
	w.Add(sample("cpu_idle_percent", 50.0, 1000, labels))
	assert.Equal(t, int64(0), w.Stats().Flushes)
	assert.Equal(t, int64(1), w.Stats().RowsAdded)
}

func TestExplicitFlushDrainsRegardless(t *testing.T) {
	w := newTestWriter(Config{BatchSize: 100})
	w.Add(sample("cpu_utilization", 1, 1000, map[string]string{"cpu_id": "cpu0"}))
	w.Flush()
	s := w.Stats()
	assert.Equal(t, int64(1), s.Flushes)
	assert.Equal(t, int64(1), s.RowsFlushed)
	// Flushing empty is a no-op.
	w.Flush()
	assert.Equal(t, int64(1), w.Stats().Flushes)
}

func TestAdaptiveBatchDoubling(t *testing.T) {
	w := newTestWriter(Config{BatchSize: 2, Adaptive: true, MaxBatchSize: 8})
	fill := func(n int, base int64) {
		for i := 0; i < n; i++ {
			w.Add(sample("cpu_utilization", 1, base+int64(i*1000), map[string]string{"cpu_id": "cpu0"}))
		}
	}
	fill(2, 1000)
	w.Flush()
	s := w.Stats()
	assert.Equal(t, 4, s.BatchSize)
	assert.Equal(t, int64(1), s.AdaptiveUpscales)

	fill(4, 100000)
	w.Flush()
	assert.Equal(t, 8, w.Stats().BatchSize)

	// Capped at MaxBatchSize.
	fill(8, 200000)
	w.Flush()
	assert.Equal(t, 8, w.Stats().BatchSize)
}

func TestCopyModeNeverAdapts(t *testing.T) {
	w := newTestWriter(Config{BatchSize: 2, Adaptive: true, UseCopy: true, MaxBatchSize: 8})
	for i := 0; i < 2; i++ {
		w.Add(sample("cpu_utilization", 1, int64(1000*(i+1)), map[string]string{"cpu_id": "cpu0"}))
	}
	w.Flush()
	assert.Equal(t, 2, w.Stats().BatchSize)
	assert.Equal(t, int64(0), w.Stats().AdaptiveUpscales)
}

func TestDisconnectedWriterKeepsCounters(t *testing.T) {
	w := newTestWriter(Config{BatchSize: 10})
	assert.False(t, w.Stats().Connected)
	w.Add(sample("cpu_utilization", 1, 1000, map[string]string{"cpu_id": "cpu0"}))
	w.Flush()
	s := w.Stats()
	assert.Equal(t, int64(1), s.RowsAdded)
	assert.Equal(t, int64(1), s.RowsFlushed)
}

func findRow(w *Writer, table string) *pendingRow {
	for i := range w.shards {
		for _, row := range w.shards[i] {
			if row.table == table {
				return row
			}
		}
	}
	return nil
}
