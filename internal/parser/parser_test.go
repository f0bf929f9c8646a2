package parser

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ptop-20240101_1200.log")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func collectSamples(t *testing.T, content string, categories []string) []MetricSample {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	p := New(writeLog(t, content), categories, logger)
	var samples []MetricSample
	require.NoError(t, p.EachSample(func(s MetricSample) {
		samples = append(samples, s)
	}))
	return samples
}

func byName(samples []MetricSample, name string) []MetricSample {
	var out []MetricSample
	for _, s := range samples {
		if s.Name == name {
			out = append(out, s)
		}
	}
	return out
}

const header = "TIME 100.0 1700000000 2024-01-01 12:00:00\nIDENT host h1 host_id x ver 1.2\n"

func TestCPURoundTrip(t *testing.T) {
	content := header + "CPU cpu0 u 42.5 id/io 50.0 2.0 u/s/n 30.0 10.0 0.5 irq h/s 0.1 0.1\n"
	samples := collectSamples(t, content, nil)

	util := byName(samples, "cpu_utilization")
	require.Len(t, util, 1)
	assert.Equal(t, 42.5, util[0].Value)
	assert.Equal(t, int64(1700000000000), util[0].TsMs)
	assert.Equal(t, "cpu0", util[0].Labels["cpu_id"])
	assert.Equal(t, "h1", util[0].Labels["host"])
	assert.Equal(t, "1.2", util[0].Labels["ptop_version"])
	assert.Equal(t, "CPU", util[0].Labels["record_type"])
	assert.Equal(t, "CPU", util[0].Labels["metric_category"])
	assert.Equal(t, "ptops", util[0].Labels["source"])

	alias := byName(samples, "cpu_utilization_percent")
	require.Len(t, alias, 1)
	assert.Equal(t, 42.5, alias[0].Value)
}

func TestLabelPropagation(t *testing.T) {
	content := header + "CPU cpu1 u 10.0 id/io 80.0 1.0 u/s/n 5.0 4.0 0.0 irq h/s 0.5 0.5\n"
	samples := collectSamples(t, content, nil)
	require.NotEmpty(t, samples)
	for _, s := range samples {
		assert.Equal(t, "h1", s.Labels["host"])
		assert.Equal(t, "1.2", s.Labels["ptop_version"])
		assert.Equal(t, "2024-01-01", s.Labels["date"])
		assert.Equal(t, "12:00:00", s.Labels["time"])
		assert.Equal(t, "100.0", s.Labels["uptime_seconds"])
	}
}

func TestLinesBeforeFirstTimeSkipped(t *testing.T) {
	content := "CPU cpu0 u 42.5 id/io 50.0 2.0 u/s/n 30.0 10.0 0.5 irq h/s 0.1 0.1\n" + header
	samples := collectSamples(t, content, nil)
	assert.Empty(t, samples)
}

func TestIdentSimpleFallback(t *testing.T) {
	content := "TIME 100.0 1700000000 2024-01-01 12:00:00\nIDENT 9.0.5 nios-123\n" +
		"CPU cpu0 u 1.0 id/io 99.0 0.0 u/s/n 1.0 0.0 0.0 irq h/s 0.0 0.0\n"
	samples := collectSamples(t, content, nil)
	require.NotEmpty(t, samples)
	assert.Equal(t, "nios-123", samples[0].Labels["host"])
	assert.Equal(t, "nios-123", samples[0].Labels["host_id"])
	assert.Equal(t, "9.0.5", samples[0].Labels["ptop_version"])
}

func TestMalformedLinesSwallowed(t *testing.T) {
	content := header +
		"CPU garbage not numbers\n" +
		"DISK broken\n" +
		"TIME not-a-time\n" +
		"CPU cpu0 u 5.0 id/io 90.0 1.0 u/s/n 3.0 1.0 0.0 irq h/s 0.5 0.5\n"
	samples := collectSamples(t, content, nil)
	// Only the valid CPU line expands; the malformed TIME leaves the
	// timestamp untouched.
	util := byName(samples, "cpu_utilization")
	require.Len(t, util, 1)
	assert.Equal(t, int64(1700000000000), util[0].TsMs)
}

func TestTimeFallbackFormat(t *testing.T) {
	content := "TIME 12345 1700000100\n" +
		"CPU cpu0 u 7.0 id/io 90.0 1.0 u/s/n 3.0 1.0 0.0 irq h/s 0.5 0.5\n"
	samples := collectSamples(t, content, nil)
	require.NotEmpty(t, samples)
	assert.Equal(t, int64(1700000100000), samples[0].TsMs)
}

func TestMemRecord(t *testing.T) {
	content := header + "MEM x t 8589934592 f 25.0 b 5.0 c 30.0 s 2.0 a 20.0 sh 1.0 sw 10.0 2147483648 A 40.0\n"
	samples := collectSamples(t, content, nil)
	total := byName(samples, "mem_total_memory")
	require.Len(t, total, 1)
	assert.Equal(t, 8589934592.0, total[0].Value)
	swTotal := byName(samples, "mem_swap_total_bytes")
	require.Len(t, swTotal, 1)
	assert.Equal(t, 2147483648.0, swTotal[0].Value)
	avail := byName(samples, "mem_available_percent")
	require.Len(t, avail, 1)
	assert.Equal(t, 40.0, avail[0].Value)
	assert.Equal(t, "MEM", total[0].Labels["metric_category"])
}

func TestDiskRecord(t *testing.T) {
	content := header + "DISK 0 sda rkxt 10.5 100.0 9.5 1.2 wkxt 20.5 200.0 9.8 2.4 sqb 0.7 1.5 55.0\n"
	samples := collectSamples(t, content, nil)
	reads := byName(samples, "disk_reads_per_sec")
	require.Len(t, reads, 1)
	assert.Equal(t, 10.5, reads[0].Value)
	assert.Equal(t, "sda", reads[0].Labels["device_name"])
	assert.Equal(t, "0", reads[0].Labels["disk_index"])
	busy := byName(samples, "disk_device_busy_percent")
	require.Len(t, busy, 1)
	assert.Equal(t, 55.0, busy[0].Value)
}

func TestNetRateAliasExpansion(t *testing.T) {
	content := header + "NET eth0 rk 100.0 50.0 tk 80.0 40.0 rd 1.0 td 2.0\n"
	samples := collectSamples(t, content, nil)

	pairs := map[string]string{
		"net_rx_packets_per_sec": "net_rk_packets_per_sec",
		"net_rx_kib_per_sec":     "net_rk_kib_per_sec",
		"net_tx_packets_per_sec": "net_tk_packets_per_sec",
		"net_tx_kib_per_sec":     "net_tk_kib_per_sec",
		"net_rx_drops_per_sec":   "net_rd_drops_per_sec",
		"net_tx_drops_per_sec":   "net_td_drops_per_sec",
	}
	for norm, legacy := range pairs {
		n := byName(samples, norm)
		l := byName(samples, legacy)
		require.Len(t, n, 1, norm)
		require.Len(t, l, 1, legacy)
		assert.Equal(t, n[0].Value, l[0].Value)
		assert.Equal(t, "normalized", n[0].Labels["name_variant"])
		assert.Equal(t, "legacy", l[0].Labels["name_variant"])
		assert.Equal(t, "eth0", n[0].Labels["interface"])
		assert.Equal(t, "NET", n[0].Labels["record_type"])
	}
}

func TestNetIfstatCounters(t *testing.T) {
	content := header + "NET ifstat eth0 1000 2000000 800 1600000 5 3\n"
	samples := collectSamples(t, content, nil)
	rx := byName(samples, "net_rx_bytes_total")
	require.Len(t, rx, 1)
	assert.Equal(t, 2000000.0, rx[0].Value)
	assert.Equal(t, "ifstat", rx[0].Labels["kind"])
}

func TestTopFullAndMinimal(t *testing.T) {
	content := header +
		"TOP 1 4242 12.5% 300.0 (200.0 100.0) 20 (named)\n" +
		"TOP 1 4343 3.0%\n"
	samples := collectSamples(t, content, nil)

	full := byName(samples, "tasks_cpu_percent")
	require.Len(t, full, 2)
	legacy := byName(samples, "top_cpu_percent")
	require.Len(t, legacy, 2)

	totals := byName(samples, "tasks_total_cpu_seconds")
	require.Len(t, totals, 1)
	assert.Equal(t, 300.0, totals[0].Value)
	assert.Equal(t, "4242", totals[0].Labels["pid"])
	assert.Equal(t, "named", totals[0].Labels["exec"])
	assert.Equal(t, "20", totals[0].Labels["prio"])
	assert.Equal(t, "TOP", totals[0].Labels["metric_category"])
}

func TestSmapsRecord(t *testing.T) {
	content := header + "SMAPS 4242 a b 1024 256 x y c /usr/bin/named\n"
	samples := collectSamples(t, content, nil)
	rss := byName(samples, "smaps_rss_kb")
	require.Len(t, rss, 1)
	assert.Equal(t, 1024.0, rss[0].Value)
	assert.Equal(t, "named", rss[0].Labels["exec"])
	assert.Equal(t, "4242", rss[0].Labels["pid"])
}

func TestDBWRBucketExpansion(t *testing.T) {
	content := header + "DBWR b0 10 0.001 b1 20 0.002 b2 30 0.003\n"
	samples := collectSamples(t, content, nil)
	counts := byName(samples, "dbwr_bucket_count_total")
	lats := byName(samples, "dbwr_bucket_avg_latency_seconds")
	require.Len(t, counts, 3)
	require.Len(t, lats, 3)
	buckets := map[string]bool{}
	for _, s := range counts {
		buckets[s.Labels["bucket"]] = true
		assert.Equal(t, "DB", s.Labels["metric_category"])
	}
	assert.Len(t, buckets, 3)
}

func TestDBMPoolDynamicKV(t *testing.T) {
	content := header + "DBMPOOL total 1024 MiB used 512 free 512 used_percent 50%\n"
	samples := collectSamples(t, content, nil)
	used := byName(samples, "dbmpool_used_percent")
	require.Len(t, used, 1)
	assert.Equal(t, 50.0, used[0].Value)
	total := byName(samples, "dbmpool_total")
	require.Len(t, total, 1)
	assert.Equal(t, 1024.0, total[0].Value)
}

func TestFastpathRecords(t *testing.T) {
	content := header +
		"FPPORTS 0 ip 100 op 90 ie 1\n" +
		"FPMBUF muc 42\n" +
		"FPC 2 55.5 1000000 120 80\n" +
		"FPP 5000000 25000\n" +
		"FPS iod 10 20 1 mhb 2 30 4\n" +
		"FPVLSTATS F-P 1 F-W 2 F-B 3 F-BA 4 N-P 5 N-W 6 N-B 7 N-R 8 N-BA 9 N-DD 10 T-F 11 T-B 12\n"
	samples := collectSamples(t, content, nil)

	ip := byName(samples, "fpports_ip_total")
	require.Len(t, ip, 1)
	assert.Equal(t, 100.0, ip[0].Value)
	assert.Equal(t, "0", ip[0].Labels["port"])

	muc := byName(samples, "fpm_muc")
	require.Len(t, muc, 1)
	assert.Equal(t, 42.0, muc[0].Value)

	busy := byName(samples, "fpc_cpu_busy_percent")
	require.Len(t, busy, 1)
	assert.Equal(t, "2", busy[0].Labels["cpu"])

	cpp := byName(samples, "fpp_cycles_per_packet")
	require.Len(t, cpp, 1)
	assert.Equal(t, 200.0, cpp[0].Value)

	fps := byName(samples, "fps_hit_dns_packets")
	require.Len(t, fps, 1)
	assert.Equal(t, 30.0, fps[0].Value)

	fpvl := byName(samples, "fpvl_total_blocked")
	require.Len(t, fpvl, 1)
	assert.Equal(t, 12.0, fpvl[0].Value)
	assert.Equal(t, "FASTPATH", fpvl[0].Labels["metric_category"])
}

func TestFPPZeroPackets(t *testing.T) {
	content := header + "FPP 5000000 0\n"
	samples := collectSamples(t, content, nil)
	cpp := byName(samples, "fpp_cycles_per_packet")
	require.Len(t, cpp, 1)
	assert.Equal(t, 0.0, cpp[0].Value)
}

func TestDotDohStats(t *testing.T) {
	content := header +
		"DOT_STAT 1 10.0.0.1 TLS rx 5 tx 6 dp 1 qd 0\n" +
		"DOH_STAT 2 10.0.0.2 rx 7 tx 8\n"
	samples := collectSamples(t, content, nil)
	dot := byName(samples, "dot_rx_total")
	require.Len(t, dot, 1)
	assert.Equal(t, 5.0, dot[0].Value)
	assert.Equal(t, "10.0.0.1", dot[0].Labels["addr"])
	assert.Equal(t, "1", dot[0].Labels["index"])
	doh := byName(samples, "doh_tx_total")
	require.Len(t, doh, 1)
	assert.Equal(t, 8.0, doh[0].Value)
}

func TestTCPDCAStat(t *testing.T) {
	content := header + "TCP_DCA_STAT 1 10.35.173.2 rx 10 tx 8 dp 2 qd 1 os 3 cs 2 as 1\n"
	samples := collectSamples(t, content, nil)
	assert.Len(t, byName(samples, "tcp_dca_interfaces"), 1)
	active := byName(samples, "tcp_dca_active_sessions")
	require.Len(t, active, 1)
	assert.Equal(t, 1.0, active[0].Value)
	rx := byName(samples, "tcp_dca_rx_packets_total")
	require.Len(t, rx, 1)
	assert.Equal(t, "10.35.173.2", rx[0].Labels["interface_addr"])
}

func TestCategoryFilterSuppressesExpansion(t *testing.T) {
	content := header +
		"CPU cpu0 u 42.5 id/io 50.0 2.0 u/s/n 30.0 10.0 0.5 irq h/s 0.1 0.1\n" +
		"NET eth0 rk 100.0 50.0 tk 80.0 40.0 rd 1.0 td 2.0\n"
	samples := collectSamples(t, content, []string{"CPU"})
	require.NotEmpty(t, samples)
	for _, s := range samples {
		assert.Equal(t, "CPU", s.Labels["metric_category"])
	}
	assert.Empty(t, byName(samples, "net_rx_packets_per_sec"))
}

func TestCategoryMapping(t *testing.T) {
	cases := map[string]string{
		KindCPU: "CPU", KindMem: "MEM", KindDisk: "DISK",
		KindNetRate: "NET", KindNetIf: "NET", KindTop: "TOP", KindSmaps: "SMAPS",
		KindDBWR: "DB", KindDBWA: "DB", KindDBRD: "DB", KindDBMPool: "DB",
		KindFPPorts: "FASTPATH", KindFPMbuf: "FASTPATH", KindFPC: "FASTPATH",
		KindFPP: "FASTPATH", KindFPS: "FASTPATH", KindDotStat: "FASTPATH",
		KindDohStat: "FASTPATH", KindTCPDCAStat: "FASTPATH", KindFPVLStats: "FASTPATH",
		"UNKNOWN": "OTHER",
	}
	for kind, want := range cases {
		assert.Equal(t, want, Category(kind), kind)
	}
}

func TestParserRestartable(t *testing.T) {
	content := header + "CPU cpu0 u 42.5 id/io 50.0 2.0 u/s/n 30.0 10.0 0.5 irq h/s 0.1 0.1\n"
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	p := New(writeLog(t, content), nil, logger)
	for i := 0; i < 2; i++ {
		count := 0
		require.NoError(t, p.EachSample(func(MetricSample) { count++ }))
		assert.Equal(t, 9, count) // 8 cpu metrics + 1 alias
	}
}
