// Package schema holds the declarative table registry that drives DDL
// generation, metric name resolution and discovery. The registry is the
// single source of truth for which metric lands in which (table, column).
package schema

import "sort"

// GlobalColumn is one column shared by every metric table.
type GlobalColumn struct {
	Name string
	Decl string
}

// GlobalColumns are prepended to every table in declaration order.
var GlobalColumns = []GlobalColumn{
	{"ts", "TIMESTAMPTZ NOT NULL"},
	{"bundle_id", "TEXT NOT NULL"},
	{"sptid", "TEXT"},
	{"metric_category", "TEXT NOT NULL"},
	{"host", "TEXT NOT NULL"},
}

// Metric describes one value column of a table group.
type Metric struct {
	Kind        string
	Unit        string
	Description string
	Aliases     []string
	Column      string // explicit column name when different from metric name
}

// TableGroup is one wide table: identifier labels plus metric columns.
type TableGroup struct {
	Table       string
	Category    string
	LocalLabels []string
	Metrics     map[string]Metric
	// UniqueKey columns get a unique index; callers include ts.
	UniqueKey []string
	// Indexes lists secondary index column sets (may carry "DESC").
	Indexes [][]string
}

// MetricNames returns the group's metric names sorted for deterministic
// DDL and column ordering.
func (g *TableGroup) MetricNames() []string {
	names := make([]string, 0, len(g.Metrics))
	for n := range g.Metrics {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// IsGlobalOrLocal reports whether col is a global column or one of the
// group's local labels (i.e. not a metric column).
func (g *TableGroup) IsGlobalOrLocal(col string) bool {
	for _, gc := range GlobalColumns {
		if gc.Name == col {
			return true
		}
	}
	for _, l := range g.LocalLabels {
		if l == col {
			return true
		}
	}
	return false
}

// Resolve maps a metric name (canonical or alias) to its group, column and
// alias flag. Unknown names return ok=false.
func Resolve(name string) (grp *TableGroup, column string, isAlias bool, ok bool) {
	for _, key := range groupOrder {
		g := Spec[key]
		for mname, meta := range g.Metrics {
			if name == mname {
				return g, columnOf(mname, meta), false, true
			}
			for _, a := range meta.Aliases {
				if name == a {
					return g, columnOf(mname, meta), true, true
				}
			}
		}
	}
	return nil, "", false, false
}

// ResolveCanonical maps a metric name or alias to its canonical name.
func ResolveCanonical(name string) (grp *TableGroup, canonical string, meta Metric, ok bool) {
	for _, key := range groupOrder {
		g := Spec[key]
		for mname, m := range g.Metrics {
			if name == mname {
				return g, mname, m, true
			}
		}
	}
	for _, key := range groupOrder {
		g := Spec[key]
		for mname, m := range g.Metrics {
			for _, a := range m.Aliases {
				if name == a {
					return g, mname, m, true
				}
			}
		}
	}
	return nil, "", Metric{}, false
}

// GroupByTable returns the group owning a table name.
func GroupByTable(table string) (*TableGroup, bool) {
	for _, key := range groupOrder {
		if Spec[key].Table == table {
			return Spec[key], true
		}
	}
	return nil, false
}

// Groups returns all groups in registry order.
func Groups() []*TableGroup {
	out := make([]*TableGroup, 0, len(groupOrder))
	for _, key := range groupOrder {
		out = append(out, Spec[key])
	}
	return out
}

func columnOf(name string, m Metric) string {
	if m.Column != "" {
		return m.Column
	}
	return name
}

// groupOrder fixes registry iteration order (maps are unordered).
var groupOrder = []string{
	"CPU", "TOP", "SMAPS", "MEM", "DISK", "NET",
	"FPPORTS", "FPMBUF", "TCP_DCA_STAT", "FPC", "FPP", "FPS",
	"DOT_STAT", "DOH_STAT", "FPVLSTATS",
	"DBWR", "DBWA", "DBRD", "DBMPOOL",
}

// Spec is the full table registry keyed by record kind.
var Spec = map[string]*TableGroup{
	"CPU": {
		Table:       "ptops_cpu",
		Category:    "cpu",
		LocalLabels: []string{"cpu_id"},
		Metrics: map[string]Metric{
			"cpu_utilization":     {Kind: "gauge", Unit: "percent", Description: "Overall CPU utilization", Aliases: []string{"cpu_utilization_percent", "utilization"}},
			"cpu_idle_percent":    {Kind: "gauge", Unit: "percent", Description: "CPU idle percent"},
			"cpu_iowait_percent":  {Kind: "gauge", Unit: "percent", Description: "CPU iowait percent"},
			"cpu_user_percent":    {Kind: "gauge", Unit: "percent", Description: "CPU user time percent"},
			"cpu_system_percent":  {Kind: "gauge", Unit: "percent", Description: "CPU system time percent"},
			"cpu_nice_percent":    {Kind: "gauge", Unit: "percent", Description: "CPU nice time percent"},
			"cpu_hardirq_percent": {Kind: "gauge", Unit: "percent", Description: "CPU hard IRQ time percent"},
			"cpu_softirq_percent": {Kind: "gauge", Unit: "percent", Description: "CPU soft IRQ time percent"},
		},
	},
	// Canonical tasks_* names own the columns; legacy top_* forms are aliases
	// so coalescing never double-writes the same column.
	"TOP": {
		Table:       "ptops_top",
		Category:    "top",
		LocalLabels: []string{"pid", "ppid", "exec", "prio"},
		Metrics: map[string]Metric{
			"tasks_cpu_percent":        {Kind: "gauge", Unit: "percent", Description: "Per-process CPU percent over sample interval", Aliases: []string{"top_cpu_percent"}},
			"tasks_total_cpu_seconds":  {Kind: "counter", Unit: "seconds", Description: "Per-process accumulated total CPU time (user+system) seconds", Aliases: []string{"top_cpu_time_total_seconds"}},
			"tasks_user_cpu_seconds":   {Kind: "counter", Unit: "seconds", Description: "Per-process accumulated user CPU time seconds", Aliases: []string{"top_cpu_time_user_seconds"}},
			"tasks_system_cpu_seconds": {Kind: "counter", Unit: "seconds", Description: "Per-process accumulated system CPU time seconds", Aliases: []string{"top_cpu_time_sys_seconds"}},
		},
		// ppid/exec/prio fluctuate or may be NULL; excluded from uniqueness.
		UniqueKey: []string{"ts", "bundle_id", "host", "pid"},
		Indexes:   [][]string{{"pid", "ts DESC"}, {"host", "ts DESC"}},
	},
	"SMAPS": {
		Table:       "ptops_smaps",
		Category:    "smaps",
		LocalLabels: []string{"pid", "exec"},
		Metrics: map[string]Metric{
			"smaps_rss_kb":  {Kind: "gauge", Unit: "kB", Description: "Per-process resident set size (kB)"},
			"smaps_swap_kb": {Kind: "gauge", Unit: "kB", Description: "Per-process swap usage (kB)"},
		},
		UniqueKey: []string{"ts", "bundle_id", "host", "pid"},
		Indexes:   [][]string{{"pid", "ts DESC"}},
	},
	"MEM": {
		Table:       "ptops_mem",
		Category:    "mem",
		LocalLabels: []string{},
		Metrics: map[string]Metric{
			"mem_total_memory":      {Kind: "gauge", Unit: "bytes", Description: "Total system memory bytes"},
			"mem_free_percent":      {Kind: "gauge", Unit: "percent", Description: "Free memory percent"},
			"mem_buffers_percent":   {Kind: "gauge", Unit: "percent", Description: "Buffers percent"},
			"mem_cached_percent":    {Kind: "gauge", Unit: "percent", Description: "Cached memory percent"},
			"mem_slab_percent":      {Kind: "gauge", Unit: "percent", Description: "Slab percent"},
			"mem_anon_percent":      {Kind: "gauge", Unit: "percent", Description: "Anonymous memory percent"},
			"mem_sysv_shm_percent":  {Kind: "gauge", Unit: "percent", Description: "SYSV shared memory percent"},
			"mem_swap_used_percent": {Kind: "gauge", Unit: "percent", Description: "Swap used percent"},
			"mem_swap_total_bytes":  {Kind: "gauge", Unit: "bytes", Description: "Total swap space bytes"},
			"mem_hugepages_total":   {Kind: "gauge", Unit: "count", Description: "Huge pages total"},
			"mem_hugepages_free":    {Kind: "gauge", Unit: "count", Description: "Huge pages free"},
			"mem_available_percent": {Kind: "gauge", Unit: "percent", Description: "Available memory percent"},
			"mem_pgpgin_rate":       {Kind: "gauge", Unit: "pages_per_sec", Description: "Page in rate"},
			"mem_pgpgout_rate":      {Kind: "gauge", Unit: "pages_per_sec", Description: "Page out rate"},
			"mem_swapin_rate":       {Kind: "gauge", Unit: "pages_per_sec", Description: "Swap in rate"},
			"mem_swapout_rate":      {Kind: "gauge", Unit: "pages_per_sec", Description: "Swap out rate"},
		},
		UniqueKey: []string{"ts", "bundle_id", "host"},
		Indexes:   [][]string{{"host", "ts DESC"}},
	},
	"DISK": {
		Table:       "ptops_disk",
		Category:    "disk",
		LocalLabels: []string{"device_name", "disk_index"},
		Metrics: map[string]Metric{
			"disk_reads_per_sec":       {Kind: "gauge", Unit: "ops_per_sec", Description: "Disk read operations per second"},
			"disk_writes_per_sec":      {Kind: "gauge", Unit: "ops_per_sec", Description: "Disk write operations per second"},
			"disk_read_kib_per_sec":    {Kind: "gauge", Unit: "kib_per_sec", Description: "Disk read KiB per second"},
			"disk_write_kib_per_sec":   {Kind: "gauge", Unit: "kib_per_sec", Description: "Disk write KiB per second"},
			"disk_avg_queue_len":       {Kind: "gauge", Unit: "requests", Description: "Average queue length"},
			"disk_utilization_percent": {Kind: "gauge", Unit: "percent", Description: "Disk utilization percent"},
			"disk_device_busy_percent": {Kind: "gauge", Unit: "percent", Description: "Percentage of time device was busy"},
			"disk_read_avg_ms":         {Kind: "gauge", Unit: "milliseconds", Description: "Average read latency (ms)"},
			"disk_write_avg_ms":        {Kind: "gauge", Unit: "milliseconds", Description: "Average write latency (ms)"},
			"disk_read_avg_kb":         {Kind: "gauge", Unit: "kilobytes", Description: "Average KB per read op"},
			"disk_write_avg_kb":        {Kind: "gauge", Unit: "kilobytes", Description: "Average KB per write op"},
			"disk_service_time_ms":     {Kind: "gauge", Unit: "milliseconds", Description: "Average device service time (ms)"},
		},
		UniqueKey: []string{"ts", "bundle_id", "host", "device_name"},
		Indexes:   [][]string{{"device_name", "ts DESC"}, {"host", "ts DESC"}},
	},
	"NET": {
		Table:       "ptops_net",
		Category:    "net",
		LocalLabels: []string{"interface", "kind", "name_variant"},
		Metrics: map[string]Metric{
			"net_rx_packets_per_sec":       {Kind: "gauge", Unit: "packets_per_sec", Description: "Receive packets per second", Aliases: []string{"net_rk_packets_per_sec"}},
			"net_rx_kib_per_sec":           {Kind: "gauge", Unit: "kib_per_sec", Description: "Receive KiB per second", Aliases: []string{"net_rk_kib_per_sec"}},
			"net_tx_packets_per_sec":       {Kind: "gauge", Unit: "packets_per_sec", Description: "Transmit packets per second", Aliases: []string{"net_tk_packets_per_sec"}},
			"net_tx_kib_per_sec":           {Kind: "gauge", Unit: "kib_per_sec", Description: "Transmit KiB per second", Aliases: []string{"net_tk_kib_per_sec"}},
			"net_rx_drops_per_sec":         {Kind: "gauge", Unit: "drops_per_sec", Description: "Receive packet drops per second", Aliases: []string{"net_rd_drops_per_sec"}},
			"net_tx_drops_per_sec":         {Kind: "gauge", Unit: "drops_per_sec", Description: "Transmit packet drops per second", Aliases: []string{"net_td_drops_per_sec"}},
			"net_rx_packets_total":         {Kind: "counter", Unit: "packets", Description: "Cumulative RX packets"},
			"net_tx_packets_total":         {Kind: "counter", Unit: "packets", Description: "Cumulative TX packets"},
			"net_rx_errors_total":          {Kind: "counter", Unit: "errors", Description: "Cumulative RX errors"},
			"net_tx_errors_total":          {Kind: "counter", Unit: "errors", Description: "Cumulative TX errors"},
			"net_rx_bytes_total":           {Kind: "counter", Unit: "bytes", Description: "Cumulative RX bytes"},
			"net_tx_bytes_total":           {Kind: "counter", Unit: "bytes", Description: "Cumulative TX bytes"},
			"net_rx_dropped_packets_total": {Kind: "counter", Unit: "packets", Description: "Cumulative dropped RX packets"},
			"net_tx_dropped_packets_total": {Kind: "counter", Unit: "packets", Description: "Cumulative dropped TX packets"},
		},
		UniqueKey: []string{"ts", "bundle_id", "host", "interface", "kind", "name_variant"},
		Indexes:   [][]string{{"interface", "ts DESC"}, {"host", "ts DESC"}},
	},
	"FPPORTS": {
		Table:       "ptops_fpports",
		Category:    "fastpath",
		LocalLabels: []string{"port"},
		Metrics: map[string]Metric{
			"fpports_ip_total": {Kind: "counter", Unit: "packets", Description: "FP ports input packets total"},
			"fpports_op_total": {Kind: "counter", Unit: "packets", Description: "FP ports output packets total"},
			"fpports_ib_total": {Kind: "counter", Unit: "bytes", Description: "FP ports input bytes total"},
			"fpports_ob_total": {Kind: "counter", Unit: "bytes", Description: "FP ports output bytes total"},
			"fpports_ie_total": {Kind: "counter", Unit: "errors", Description: "FP ports input errors total"},
			"fpports_oe_total": {Kind: "counter", Unit: "errors", Description: "FP ports output errors total"},
			"fpports_mc_total": {Kind: "counter", Unit: "packets", Description: "FP ports multicast packets total"},
			"fpports_im_total": {Kind: "counter", Unit: "packets", Description: "FP ports imiss packets total (DPDK cache misses)"},
			"fpports_in_total": {Kind: "counter", Unit: "events", Description: "FP ports input events total"},
		},
		UniqueKey: []string{"ts", "bundle_id", "host", "port"},
		Indexes:   [][]string{{"port", "ts DESC"}},
	},
	"FPMBUF": {
		Table:       "ptops_fpmbuf",
		Category:    "fastpath",
		LocalLabels: []string{},
		Metrics: map[string]Metric{
			"fpm_muc": {Kind: "gauge", Unit: "count", Description: "FPMBUF muc metric"},
		},
		UniqueKey: []string{"ts", "bundle_id", "host"},
		Indexes:   [][]string{{"host", "ts DESC"}},
	},
	"TCP_DCA_STAT": {
		Table:       "ptops_tcp_dca_stat",
		Category:    "fastpath",
		LocalLabels: []string{"interface_addr"},
		Metrics: map[string]Metric{
			"tcp_dca_interfaces":            {Kind: "gauge", Unit: "count", Description: "TCP DCA interface count"},
			"tcp_dca_rx_packets_total":      {Kind: "counter", Unit: "packets", Description: "TCP DCA RX packets total"},
			"tcp_dca_tx_packets_total":      {Kind: "counter", Unit: "packets", Description: "TCP DCA TX packets total"},
			"tcp_dca_dropped_packets_total": {Kind: "counter", Unit: "packets", Description: "TCP DCA dropped packets total"},
			"tcp_dca_queue_drops_total":     {Kind: "counter", Unit: "drops", Description: "TCP DCA queue drops total"},
			"tcp_dca_opened_sessions_total": {Kind: "counter", Unit: "sessions", Description: "TCP DCA opened sessions total"},
			"tcp_dca_closed_sessions_total": {Kind: "counter", Unit: "sessions", Description: "TCP DCA closed sessions total"},
			"tcp_dca_active_sessions":       {Kind: "gauge", Unit: "sessions", Description: "TCP DCA active sessions"},
		},
		UniqueKey: []string{"ts", "bundle_id", "host", "interface_addr"},
		Indexes:   [][]string{{"interface_addr", "ts DESC"}},
	},
	"FPC": {
		Table:       "ptops_fpc",
		Category:    "fastpath",
		LocalLabels: []string{"cpu"},
		Metrics: map[string]Metric{
			"fpc_cpu_busy_percent":  {Kind: "gauge", Unit: "percent", Description: "Fast path CPU busy percent"},
			"fpc_cycles_total":      {Kind: "counter", Unit: "cycles", Description: "Fast path CPU cycles total"},
			"fpc_cycles_per_packet": {Kind: "gauge", Unit: "cycles_per_packet", Description: "Cycles per packet"},
			"fpc_cycles_ic_pkt":     {Kind: "gauge", Unit: "cycles_per_packet", Description: "Cycles per inner packet"},
		},
		UniqueKey: []string{"ts", "bundle_id", "host", "cpu"},
		Indexes:   [][]string{{"cpu", "ts DESC"}},
	},
	"FPP": {
		Table:       "ptops_fpp",
		Category:    "fastpath",
		LocalLabels: []string{},
		Metrics: map[string]Metric{
			"fpp_total_cycles":      {Kind: "counter", Unit: "cycles", Description: "Fast path total CPU cycles for packet processing"},
			"fpp_total_packets":     {Kind: "counter", Unit: "packets", Description: "Fast path total packets received from NIC"},
			"fpp_cycles_per_packet": {Kind: "gauge", Unit: "cycles_per_packet", Description: "Fast path average cycles per packet from NIC"},
		},
		UniqueKey: []string{"ts", "bundle_id", "host"},
		Indexes:   [][]string{{"ts DESC"}},
	},
	"FPS": {
		Table:       "ptops_fps",
		Category:    "fastpath",
		LocalLabels: []string{},
		Metrics: map[string]Metric{
			"fps_incoming_dns_packets": {Kind: "counter", Unit: "packets", Description: "Fast path incoming DNS packets"},
			"fps_outgoing_dns_packets": {Kind: "counter", Unit: "packets", Description: "Fast path outgoing DNS packets"},
			"fps_dropped_dns_packets":  {Kind: "counter", Unit: "packets", Description: "Fast path dropped DNS packets"},
			"fps_missed_dns_packets":   {Kind: "counter", Unit: "packets", Description: "Fast path missed DNS packets"},
			"fps_hit_dns_packets":      {Kind: "counter", Unit: "packets", Description: "Fast path hit DNS packets"},
			"fps_bypass_dns_packets":   {Kind: "counter", Unit: "packets", Description: "Fast path bypass DNS packets"},
		},
		UniqueKey: []string{"ts", "bundle_id", "host"},
		Indexes:   [][]string{{"ts DESC"}},
	},
	"DOT_STAT": {
		Table:       "ptops_dot_stat",
		Category:    "fastpath",
		LocalLabels: []string{"addr", "index"},
		Metrics: map[string]Metric{
			"dot_rx_total": {Kind: "counter", Unit: "packets", Description: "DOT rx packets total"},
			"dot_tx_total": {Kind: "counter", Unit: "packets", Description: "DOT tx packets total"},
			"dot_dp_total": {Kind: "counter", Unit: "packets", Description: "DOT dropped packets total"},
			"dot_qd_total": {Kind: "counter", Unit: "packets", Description: "DOT queued drops total"},
		},
		UniqueKey: []string{"ts", "bundle_id", "host", "addr", "index"},
		Indexes:   [][]string{{"addr", "ts DESC"}},
	},
	"DOH_STAT": {
		Table:       "ptops_doh_stat",
		Category:    "fastpath",
		LocalLabels: []string{"addr", "index"},
		Metrics: map[string]Metric{
			"doh_rx_total": {Kind: "counter", Unit: "packets", Description: "DOH rx packets total"},
			"doh_tx_total": {Kind: "counter", Unit: "packets", Description: "DOH tx packets total"},
			"doh_dp_total": {Kind: "counter", Unit: "packets", Description: "DOH dropped packets total"},
			"doh_qd_total": {Kind: "counter", Unit: "packets", Description: "DOH queued drops total"},
		},
		UniqueKey: []string{"ts", "bundle_id", "host", "addr", "index"},
		Indexes:   [][]string{{"addr", "ts DESC"}},
	},
	"FPVLSTATS": {
		Table:       "ptops_fpvlstats",
		Category:    "fastpath",
		LocalLabels: []string{},
		Metrics: map[string]Metric{
			"fpvl_f_pending":       {Kind: "gauge", Unit: "count", Description: "Fast path F pending"},
			"fpvl_f_working":       {Kind: "gauge", Unit: "count", Description: "Fast path F working"},
			"fpvl_f_blocked":       {Kind: "gauge", Unit: "count", Description: "Fast path F blocked"},
			"fpvl_f_blocked_async": {Kind: "gauge", Unit: "count", Description: "Fast path F blocked async"},
			"fpvl_n_pending":       {Kind: "gauge", Unit: "count", Description: "Fast path N pending"},
			"fpvl_n_working":       {Kind: "gauge", Unit: "count", Description: "Fast path N working"},
			"fpvl_n_blocked":       {Kind: "gauge", Unit: "count", Description: "Fast path N blocked"},
			"fpvl_n_running":       {Kind: "gauge", Unit: "count", Description: "Fast path N running"},
			"fpvl_n_blocked_async": {Kind: "gauge", Unit: "count", Description: "Fast path N blocked async"},
			"fpvl_n_dropped":       {Kind: "gauge", Unit: "count", Description: "Fast path N dropped"},
			"fpvl_total_fast":      {Kind: "gauge", Unit: "count", Description: "Fast path total fast"},
			"fpvl_total_blocked":   {Kind: "gauge", Unit: "count", Description: "Fast path total blocked"},
		},
		UniqueKey: []string{"ts", "bundle_id", "host"},
		Indexes:   [][]string{{"host", "ts DESC"}},
	},
	"DBWR": {
		Table:       "ptops_dbwr",
		Category:    "db",
		LocalLabels: []string{"bucket"},
		Metrics: map[string]Metric{
			"dbwr_bucket_count_total":         {Kind: "counter", Unit: "events", Description: "DBWR bucket event count total"},
			"dbwr_bucket_avg_latency_seconds": {Kind: "gauge", Unit: "seconds", Description: "DBWR bucket average latency seconds"},
		},
		UniqueKey: []string{"ts", "bundle_id", "host", "bucket"},
		Indexes:   [][]string{{"bucket", "ts DESC"}, {"host", "ts DESC"}},
	},
	"DBWA": {
		Table:       "ptops_dbwa",
		Category:    "db",
		LocalLabels: []string{"bucket"},
		Metrics: map[string]Metric{
			"dbwa_bucket_count_total":         {Kind: "counter", Unit: "events", Description: "DBWA bucket event count total"},
			"dbwa_bucket_avg_latency_seconds": {Kind: "gauge", Unit: "seconds", Description: "DBWA bucket average latency seconds"},
		},
		UniqueKey: []string{"ts", "bundle_id", "host", "bucket"},
		Indexes:   [][]string{{"bucket", "ts DESC"}, {"host", "ts DESC"}},
	},
	"DBRD": {
		Table:       "ptops_dbrd",
		Category:    "db",
		LocalLabels: []string{"bucket"},
		Metrics: map[string]Metric{
			"dbrd_bucket_count_total":         {Kind: "counter", Unit: "events", Description: "DBRD bucket event count total"},
			"dbrd_bucket_avg_latency_seconds": {Kind: "gauge", Unit: "seconds", Description: "DBRD bucket average latency seconds"},
		},
		UniqueKey: []string{"ts", "bundle_id", "host", "bucket"},
		Indexes:   [][]string{{"bucket", "ts DESC"}, {"host", "ts DESC"}},
	},
	"DBMPOOL": {
		Table:       "ptops_dbmpool",
		Category:    "db",
		LocalLabels: []string{},
		Metrics: map[string]Metric{
			"dbmpool_total":        {Kind: "gauge", Unit: "mib", Description: "DB memory pool total MiB"},
			"dbmpool_used":         {Kind: "gauge", Unit: "mib", Description: "DB memory pool used MiB"},
			"dbmpool_free":         {Kind: "gauge", Unit: "mib", Description: "DB memory pool free MiB"},
			"dbmpool_used_percent": {Kind: "gauge", Unit: "percent", Description: "DB memory pool used percent"},
		},
		UniqueKey: []string{"ts", "bundle_id", "host"},
		Indexes:   [][]string{{"host", "ts DESC"}},
	},
}
