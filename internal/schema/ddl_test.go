package schema

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveCanonicalAndAlias(t *testing.T) {
	grp, col, alias, ok := Resolve("cpu_utilization")
	require.True(t, ok)
	assert.Equal(t, "ptops_cpu", grp.Table)
	assert.Equal(t, "cpu_utilization", col)
	assert.False(t, alias)

	grp, col, alias, ok = Resolve("cpu_utilization_percent")
	require.True(t, ok)
	assert.Equal(t, "ptops_cpu", grp.Table)
	assert.Equal(t, "cpu_utilization", col)
	assert.True(t, alias)

	_, _, _, ok = Resolve("no_such_metric")
	assert.False(t, ok)
}

func TestResolveLegacyTopAliases(t *testing.T) {
	grp, col, alias, ok := Resolve("top_cpu_time_total_seconds")
	require.True(t, ok)
	assert.Equal(t, "ptops_top", grp.Table)
	assert.Equal(t, "tasks_total_cpu_seconds", col)
	assert.True(t, alias)
}

func TestGenerateTableDDL(t *testing.T) {
	ddl := GenerateTableDDL(Spec["CPU"])
	assert.True(t, strings.HasPrefix(ddl, "CREATE TABLE ptops_cpu ("))
	assert.Contains(t, ddl, "ts TIMESTAMPTZ NOT NULL")
	assert.Contains(t, ddl, "bundle_id TEXT NOT NULL")
	assert.Contains(t, ddl, "sptid TEXT")
	assert.Contains(t, ddl, "metric_category TEXT NOT NULL")
	assert.Contains(t, ddl, "host TEXT NOT NULL")
	assert.Contains(t, ddl, "cpu_id TEXT")
	assert.Contains(t, ddl, "cpu_utilization DOUBLE PRECISION")

	// Globals come before local labels, local labels before metrics.
	assert.Less(t, strings.Index(ddl, "host TEXT"), strings.Index(ddl, "cpu_id TEXT"))
	assert.Less(t, strings.Index(ddl, "cpu_id TEXT"), strings.Index(ddl, "cpu_hardirq_percent"))
}

func TestGenerateTableDDLDeterministic(t *testing.T) {
	first := GenerateTableDDL(Spec["MEM"])
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, GenerateTableDDL(Spec["MEM"]))
	}
}

func TestGenerateViewDDLs(t *testing.T) {
	views := GenerateViewDDLs(Spec["CPU"])
	require.Len(t, views, len(Spec["CPU"].Metrics))
	var utilView string
	for _, v := range views {
		if strings.HasPrefix(v, "CREATE VIEW cpu_utilization ") {
			utilView = v
		}
	}
	require.NotEmpty(t, utilView)
	assert.Contains(t, utilView, "cpu_utilization AS value")
	assert.Contains(t, utilView, "WHERE cpu_utilization IS NOT NULL")
	assert.Contains(t, utilView, "cpu_index")

	// Non-cpu groups don't get the cpu_index helper.
	for _, v := range GenerateViewDDLs(Spec["MEM"]) {
		assert.NotContains(t, v, "cpu_index")
	}
}

func TestGenerateIndexDDLs(t *testing.T) {
	idx := GenerateIndexDDLs(Spec["TOP"])
	require.Len(t, idx, 3)
	assert.Contains(t, idx[0], "CREATE UNIQUE INDEX IF NOT EXISTS uniq_ptops_top_ts_bundle_id_host_pid")
	assert.Contains(t, idx[1], "CREATE INDEX IF NOT EXISTS ptops_top_pid_ts ON ptops_top (pid,ts DESC);")
	for _, stmt := range idx {
		name := strings.Fields(strings.TrimPrefix(strings.TrimPrefix(stmt, "CREATE UNIQUE INDEX IF NOT EXISTS "), "CREATE INDEX IF NOT EXISTS "))[0]
		assert.LessOrEqual(t, len(name), 60)
	}
}

func TestGenerateAllCoversEveryGroup(t *testing.T) {
	ddls := GenerateAll()
	assert.Len(t, ddls.Tables, len(Spec))
	total := 0
	for _, g := range Groups() {
		total += len(g.Metrics)
	}
	assert.Len(t, ddls.Views, total)
	assert.NotEmpty(t, ddls.Indexes)
}

func TestEveryParserMetricResolvable(t *testing.T) {
	// A sample of names the parser emits across categories.
	names := []string{
		"cpu_utilization", "mem_free_percent", "disk_reads_per_sec",
		"net_rx_packets_per_sec", "net_rk_packets_per_sec", "net_rx_bytes_total",
		"tasks_cpu_percent", "top_cpu_percent", "smaps_rss_kb",
		"dbwr_bucket_count_total", "dbwa_bucket_avg_latency_seconds",
		"dbrd_bucket_count_total", "dbmpool_used_percent",
		"fpports_ip_total", "fpm_muc", "dot_rx_total", "doh_qd_total",
		"tcp_dca_active_sessions", "fpc_cycles_per_packet",
		"fpp_total_packets", "fps_hit_dns_packets", "fpvl_n_running",
	}
	for _, name := range names {
		_, _, _, ok := Resolve(name)
		assert.True(t, ok, name)
	}
}
