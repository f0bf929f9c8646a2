package parser

import (
	"strconv"
	"strings"
)

// Sample expansion: each record becomes one or more labelled metric samples.
// Every sample carries source=ptops, record_type, metric_category, the
// record's identifier labels and the current global labels.

// cpuFields maps CPU record fields to canonical metric names.
var cpuFields = []struct {
	name  string
	value func(r *CPURecord) float64
}{
	{"cpu_utilization", func(r *CPURecord) float64 { return r.Utilization }},
	{"cpu_idle_percent", func(r *CPURecord) float64 { return r.IdlePercent }},
	{"cpu_iowait_percent", func(r *CPURecord) float64 { return r.IowaitPercent }},
	{"cpu_user_percent", func(r *CPURecord) float64 { return r.UserPercent }},
	{"cpu_system_percent", func(r *CPURecord) float64 { return r.SystemPercent }},
	{"cpu_nice_percent", func(r *CPURecord) float64 { return r.NicePercent }},
	{"cpu_hardirq_percent", func(r *CPURecord) float64 { return r.HardirqPercent }},
	{"cpu_softirq_percent", func(r *CPURecord) float64 { return r.SoftirqPercent }},
}

// EachSample expands every record of the file into metric samples. Records
// whose category is excluded by the allowed-category filter are parsed but
// not expanded.
func (p *Parser) EachSample(fn func(s MetricSample)) error {
	records := 0
	emitted := 0
	err := p.EachRecord(func(rec *Record, global map[string]string) {
		records++
		if p.allowedCategories != nil {
			if _, ok := p.allowedCategories[Category(rec.Kind)]; !ok {
				return
			}
		}
		p.expand(rec, global, func(s MetricSample) {
			emitted++
			fn(s)
		})
	})
	if p.logger != nil {
		p.logger.WithFields(map[string]interface{}{
			"path":            p.path,
			"records":         records,
			"metrics_emitted": emitted,
		}).Debug("Parsed ptop log")
	}
	return err
}

// sampleLabels builds the sample label set: base identifiers plus globals.
func sampleLabels(recordType string, kind string, ids map[string]string, global map[string]string) map[string]string {
	labels := make(map[string]string, len(ids)+len(global)+3)
	labels["record_type"] = recordType
	labels["source"] = "ptops"
	labels["metric_category"] = Category(kind)
	for k, v := range ids {
		labels[k] = v
	}
	for k, v := range global {
		labels[k] = v
	}
	return labels
}

func (p *Parser) expand(rec *Record, global map[string]string, emit func(MetricSample)) {
	switch rec.Kind {
	case KindCPU:
		r := rec.CPU
		ids := map[string]string{"cpu_id": r.CPUID, "cpu": r.CPUID}
		for _, f := range cpuFields {
			labels := sampleLabels("CPU", rec.Kind, ids, global)
			emit(MetricSample{Name: f.name, Value: f.value(r), TsMs: rec.TsMs, Labels: labels})
			// Legacy alias kept alongside the canonical utilization name.
			if f.name == "cpu_utilization" {
				emit(MetricSample{Name: "cpu_utilization_percent", Value: f.value(r), TsMs: rec.TsMs, Labels: labels})
			}
		}
	case KindMem:
		for _, k := range rec.Mem.OrderedKeys() {
			labels := sampleLabels("MEM", rec.Kind, nil, global)
			emit(MetricSample{Name: "mem_" + k, Value: rec.Mem.Fields[k], TsMs: rec.TsMs, Labels: labels})
		}
	case KindDisk:
		r := rec.Disk
		ids := map[string]string{"device_name": r.DeviceName, "disk_index": itoa(r.DiskIndex)}
		for _, f := range []struct {
			name string
			v    float64
		}{
			{"disk_reads_per_sec", r.ReadsPerSec},
			{"disk_read_kib_per_sec", r.ReadKibPerSec},
			{"disk_read_avg_kb", r.ReadAvgKB},
			{"disk_read_avg_ms", r.ReadAvgMs},
			{"disk_writes_per_sec", r.WritesPerSec},
			{"disk_write_kib_per_sec", r.WriteKibPerSec},
			{"disk_write_avg_kb", r.WriteAvgKB},
			{"disk_write_avg_ms", r.WriteAvgMs},
			{"disk_service_time_ms", r.ServiceTimeMs},
			{"disk_avg_queue_len", r.AvgQueueLen},
			{"disk_device_busy_percent", r.DeviceBusyPercent},
		} {
			emit(MetricSample{Name: f.name, Value: f.v, TsMs: rec.TsMs, Labels: sampleLabels("DISK", rec.Kind, ids, global)})
		}
	case KindNetRate:
		r := rec.NetRate
		norm := []struct {
			name string
			v    float64
		}{
			{"net_rx_packets_per_sec", r.RxPacketsPerSec},
			{"net_rx_kib_per_sec", r.RxKibPerSec},
			{"net_tx_packets_per_sec", r.TxPacketsPerSec},
			{"net_tx_kib_per_sec", r.TxKibPerSec},
			{"net_rx_drops_per_sec", r.RxDropsPerSec},
			{"net_tx_drops_per_sec", r.TxDropsPerSec},
		}
		legacy := []struct {
			name string
			v    float64
		}{
			{"net_rk_packets_per_sec", r.RxPacketsPerSec},
			{"net_rk_kib_per_sec", r.RxKibPerSec},
			{"net_tk_packets_per_sec", r.TxPacketsPerSec},
			{"net_tk_kib_per_sec", r.TxKibPerSec},
			{"net_rd_drops_per_sec", r.RxDropsPerSec},
			{"net_td_drops_per_sec", r.TxDropsPerSec},
		}
		for _, f := range norm {
			ids := map[string]string{"interface": r.Interface, "kind": "rate", "name_variant": "normalized"}
			emit(MetricSample{Name: f.name, Value: f.v, TsMs: rec.TsMs, Labels: sampleLabels("NET", rec.Kind, ids, global)})
		}
		for _, f := range legacy {
			ids := map[string]string{"interface": r.Interface, "kind": "rate", "name_variant": "legacy"}
			emit(MetricSample{Name: f.name, Value: f.v, TsMs: rec.TsMs, Labels: sampleLabels("NET", rec.Kind, ids, global)})
		}
	case KindNetIf:
		r := rec.NetIf
		ids := map[string]string{"interface": r.Interface, "kind": "ifstat"}
		for _, f := range []struct {
			name string
			v    float64
		}{
			{"net_rx_packets_total", r.RxPacketsTotal},
			{"net_rx_bytes_total", r.RxBytesTotal},
			{"net_tx_packets_total", r.TxPacketsTotal},
			{"net_tx_bytes_total", r.TxBytesTotal},
			{"net_rx_dropped_packets_total", r.RxDroppedPacketsTotal},
			{"net_tx_dropped_packets_total", r.TxDroppedPacketsTotal},
		} {
			emit(MetricSample{Name: f.name, Value: f.v, TsMs: rec.TsMs, Labels: sampleLabels("NET", rec.Kind, ids, global)})
		}
	case KindTop:
		r := rec.Top
		ids := map[string]string{"pid": r.PID, "ppid": r.PPID}
		if r.Exec != "" {
			ids["exec"] = r.Exec
		}
		if r.Prio != "" {
			ids["prio"] = r.Prio
		}
		labels := sampleLabels("TOP", rec.Kind, ids, global)
		// Canonical tasks_* names plus legacy top_* duals from the same row.
		emit(MetricSample{Name: "tasks_cpu_percent", Value: r.CPUPercent, TsMs: rec.TsMs, Labels: labels})
		emit(MetricSample{Name: "top_cpu_percent", Value: r.CPUPercent, TsMs: rec.TsMs, Labels: labels})
		if r.HasTimes {
			emit(MetricSample{Name: "tasks_total_cpu_seconds", Value: r.TotalCPUSeconds, TsMs: rec.TsMs, Labels: labels})
			emit(MetricSample{Name: "top_cpu_time_total_seconds", Value: r.TotalCPUSeconds, TsMs: rec.TsMs, Labels: labels})
			emit(MetricSample{Name: "tasks_user_cpu_seconds", Value: r.UserCPUSeconds, TsMs: rec.TsMs, Labels: labels})
			emit(MetricSample{Name: "top_cpu_time_user_seconds", Value: r.UserCPUSeconds, TsMs: rec.TsMs, Labels: labels})
			emit(MetricSample{Name: "tasks_system_cpu_seconds", Value: r.SystemCPUSeconds, TsMs: rec.TsMs, Labels: labels})
			emit(MetricSample{Name: "top_cpu_time_sys_seconds", Value: r.SystemCPUSeconds, TsMs: rec.TsMs, Labels: labels})
		}
	case KindSmaps:
		r := rec.Smaps
		ids := map[string]string{"pid": r.PID, "exec": r.Exec}
		labels := sampleLabels("SMAPS", rec.Kind, ids, global)
		emit(MetricSample{Name: "smaps_rss_kb", Value: r.RssKib, TsMs: rec.TsMs, Labels: labels})
		emit(MetricSample{Name: "smaps_swap_kb", Value: r.SwapKib, TsMs: rec.TsMs, Labels: labels})
	case KindDBWR, KindDBWA, KindDBRD:
		which := lower(rec.Kind)
		for _, b := range rec.Hist.Buckets {
			ids := map[string]string{"bucket": b.Bucket}
			labels := sampleLabels(rec.Kind, rec.Kind, ids, global)
			emit(MetricSample{Name: which + "_bucket_count_total", Value: b.Count, TsMs: rec.TsMs, Labels: labels})
			emit(MetricSample{Name: which + "_bucket_avg_latency_seconds", Value: b.AvgLatency, TsMs: rec.TsMs, Labels: labels})
		}
	case KindDBMPool:
		for k, v := range rec.KV {
			labels := sampleLabels("DBMPOOL", rec.Kind, nil, global)
			emit(MetricSample{Name: "dbmpool_" + k, Value: v, TsMs: rec.TsMs, Labels: labels})
		}
	case KindFPPorts:
		r := rec.FPPorts
		for _, k := range r.OrderedKeys() {
			ids := map[string]string{"port": r.Port}
			labels := sampleLabels("FPPORTS", rec.Kind, ids, global)
			emit(MetricSample{Name: "fpports_" + k + "_total", Value: r.Counters[k], TsMs: rec.TsMs, Labels: labels})
		}
	case KindFPMbuf:
		for k, v := range rec.KV {
			labels := sampleLabels("FPMBUF", rec.Kind, nil, global)
			emit(MetricSample{Name: "fpm_" + k, Value: v, TsMs: rec.TsMs, Labels: labels})
		}
	case KindDotStat, KindDohStat:
		r := rec.DotStat
		suffix := "dot"
		if rec.Kind == KindDohStat {
			suffix = "doh"
		}
		for k, v := range r.Counters {
			ids := map[string]string{"addr": r.Addr, "index": r.Index}
			labels := sampleLabels(rec.Kind, rec.Kind, ids, global)
			emit(MetricSample{Name: suffix + "_" + k + "_total", Value: v, TsMs: rec.TsMs, Labels: labels})
		}
	case KindTCPDCAStat:
		r := rec.TCPDCA
		ids := map[string]string{"interface_addr": r.InterfaceAddr}
		labels := sampleLabels("TCP_DCA_STAT", rec.Kind, ids, global)
		emit(MetricSample{Name: "tcp_dca_interfaces", Value: r.IfaceCount, TsMs: rec.TsMs, Labels: labels})
		mapping := []struct{ key, name string }{
			{"rx", "tcp_dca_rx_packets_total"},
			{"tx", "tcp_dca_tx_packets_total"},
			{"dp", "tcp_dca_dropped_packets_total"},
			{"qd", "tcp_dca_queue_drops_total"},
			{"os", "tcp_dca_opened_sessions_total"},
			{"cs", "tcp_dca_closed_sessions_total"},
			{"as", "tcp_dca_active_sessions"},
		}
		for _, m := range mapping {
			if v, ok := r.Counters[m.key]; ok {
				emit(MetricSample{Name: m.name, Value: v, TsMs: rec.TsMs, Labels: labels})
			}
		}
	case KindFPC:
		r := rec.FPC
		ids := map[string]string{"cpu": r.CPU}
		labels := sampleLabels("FPC", rec.Kind, ids, global)
		emit(MetricSample{Name: "fpc_cpu_busy_percent", Value: r.BusyPercent, TsMs: rec.TsMs, Labels: labels})
		emit(MetricSample{Name: "fpc_cycles_total", Value: r.CyclesTotal, TsMs: rec.TsMs, Labels: labels})
		emit(MetricSample{Name: "fpc_cycles_per_packet", Value: r.CyclesPerPacket, TsMs: rec.TsMs, Labels: labels})
		emit(MetricSample{Name: "fpc_cycles_ic_pkt", Value: r.CyclesIcPkt, TsMs: rec.TsMs, Labels: labels})
	case KindFPP:
		r := rec.FPP
		labels := sampleLabels("FPP", rec.Kind, nil, global)
		emit(MetricSample{Name: "fpp_total_cycles", Value: r.TotalCycles, TsMs: rec.TsMs, Labels: labels})
		emit(MetricSample{Name: "fpp_total_packets", Value: r.TotalPackets, TsMs: rec.TsMs, Labels: labels})
		emit(MetricSample{Name: "fpp_cycles_per_packet", Value: r.CyclesPerPacket, TsMs: rec.TsMs, Labels: labels})
	case KindFPS:
		r := rec.FPS
		labels := sampleLabels("FPS", rec.Kind, nil, global)
		emit(MetricSample{Name: "fps_incoming_dns_packets", Value: r.IncomingDNSPackets, TsMs: rec.TsMs, Labels: labels})
		emit(MetricSample{Name: "fps_outgoing_dns_packets", Value: r.OutgoingDNSPackets, TsMs: rec.TsMs, Labels: labels})
		emit(MetricSample{Name: "fps_dropped_dns_packets", Value: r.DroppedDNSPackets, TsMs: rec.TsMs, Labels: labels})
		emit(MetricSample{Name: "fps_missed_dns_packets", Value: r.MissedDNSPackets, TsMs: rec.TsMs, Labels: labels})
		emit(MetricSample{Name: "fps_hit_dns_packets", Value: r.HitDNSPackets, TsMs: rec.TsMs, Labels: labels})
		emit(MetricSample{Name: "fps_bypass_dns_packets", Value: r.BypassDNSPackets, TsMs: rec.TsMs, Labels: labels})
	case KindFPVLStats:
		// Keys are already canonical fpvl_* names.
		for k, v := range rec.KV {
			labels := sampleLabels("FPVLSTATS", rec.Kind, nil, global)
			emit(MetricSample{Name: k, Value: v, TsMs: rec.TsMs, Labels: labels})
		}
	}
}

func itoa(i int) string { return strconv.Itoa(i) }

func lower(s string) string { return strings.ToLower(s) }
