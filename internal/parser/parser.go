// Package parser converts ptop performance logs into typed records and
// labelled metric samples. A TIME line anchors the wall clock for all records
// that follow it; IDENT lines contribute process-wide labels and may appear
// before the first TIME. Per-line parse failures skip the line; no error
// escapes the iteration other than file open/read failures.
package parser

import (
	"bufio"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// MetricSample is one (name, value, ts, labels) tuple extracted from a
// record. Treated as immutable once produced.
type MetricSample struct {
	Name   string            `json:"name"`
	Value  float64           `json:"value"`
	TsMs   int64             `json:"ts_ms"`
	Labels map[string]string `json:"labels"`
}

var (
	// TIME <uptime.float> <epoch10>(.frac)? <YYYY-MM-DD> <HH:MM:SS>
	timeFullRe = regexp.MustCompile(`^TIME\s+([0-9]+(?:\.[0-9]+)?)\s+(\d{10})(?:\.[0-9]+)?\s+(\d{4}-\d{2}-\d{2})\s+(\d{2}:\d{2}:\d{2})`)
	// Older format safety net: first token plain int.
	timeFallbackRe = regexp.MustCompile(`^TIME\s+\d+\s+(\d{10})(?:\.\d+)?\b`)

	cpuRe     = regexp.MustCompile(`^CPU\s+(cpu\d+|cpu)\s+u\s+([0-9.]+)\s+id/io\s+([0-9.]+)\s+([0-9.]+)\s+u/s/n\s+([0-9.]+)\s+([0-9.]+)\s+([0-9.]+)\s+irq h/s\s+([0-9.]+)\s+([0-9.]+)`)
	topFullRe = regexp.MustCompile(`^TOP\s+(\d+)\s+(\d+)\s+([0-9.]+)%\s+([0-9.]+)\s+\(([0-9.]+)\s+([0-9.]+)\)\s+(\d+)\s+\(([^)]+)\)`)
	topMinRe  = regexp.MustCompile(`^TOP\s+(\d+)\s+(\d+)\s+([0-9.]+)%`)
	diskRe    = regexp.MustCompile(`^DISK\s+(\d+)\s+(\w+)\s+rkxt\s+([0-9.]+)\s+([0-9.]+)\s+([0-9.]+)\s+([0-9.]+)\s+wkxt\s+([0-9.]+)\s+([0-9.]+)\s+([0-9.]+)\s+([0-9.]+)\s+sqb\s+([0-9.]+)\s+([0-9.]+)\s+([0-9.]+)`)
	netRateRe = regexp.MustCompile(`^NET\s+(\w+)\s+rk\s+([0-9.]+)\s+([0-9.]+)\s+tk\s+([0-9.]+)\s+([0-9.]+)\s+rd\s+([0-9.]+)\s+td\s+([0-9.]+)`)
	netIfRe   = regexp.MustCompile(`^NET ifstat\s*(\w+)\s+(\d+)\s+(\d+)\s+(\d+)\s+(\d+)\s+(\d+)\s+(\d+)`)
	identRe   = regexp.MustCompile(`^IDENT\s+host\s+(\S+)\s+host_id\s+(\S+)\s+ver\s+(\S+)`)
	// Simple fallback form: IDENT <version> <host_id>
	identSimpleRe = regexp.MustCompile(`^IDENT\s+(\S+)\s+(\S+)$`)
	// SMAPS keeps pid + rss_kib + swap_kib + process basename after the ' c ' token.
	smapsRe = regexp.MustCompile(`^SMAPS\s+(\d+) .*? (\d+) (\d+) .*? c (\S+)`)
)

// fpvlKeyNames maps the short FPVLSTATS tokens to metric names.
var fpvlKeyNames = map[string]string{
	"F_P":  "fpvl_f_pending",
	"F_W":  "fpvl_f_working",
	"F_B":  "fpvl_f_blocked",
	"F_BA": "fpvl_f_blocked_async",
	"N_P":  "fpvl_n_pending",
	"N_W":  "fpvl_n_working",
	"N_B":  "fpvl_n_blocked",
	"N_R":  "fpvl_n_running",
	"N_BA": "fpvl_n_blocked_async",
	"N_DD": "fpvl_n_dropped",
	"T_F":  "fpvl_total_fast",
	"T_B":  "fpvl_total_blocked",
}

// Parser walks one ptop log file. It is restartable: each iteration re-opens
// the file and rebuilds global labels from scratch.
type Parser struct {
	path              string
	allowedCategories map[string]struct{}
	logger            *logrus.Logger
}

// New creates a parser for path. allowedCategories limits sample expansion to
// the given canonical categories; nil or empty means no filtering. Records of
// other categories are still produced, only their samples are suppressed.
func New(path string, allowedCategories []string, logger *logrus.Logger) *Parser {
	p := &Parser{path: path, logger: logger}
	if len(allowedCategories) > 0 {
		p.allowedCategories = make(map[string]struct{}, len(allowedCategories))
		for _, c := range allowedCategories {
			p.allowedCategories[strings.ToUpper(strings.TrimSpace(c))] = struct{}{}
		}
	}
	return p
}

// Category maps a record kind to its canonical category label.
func Category(kind string) string {
	switch kind {
	case KindCPU:
		return "CPU"
	case KindMem:
		return "MEM"
	case KindDisk:
		return "DISK"
	case KindNetRate, KindNetIf, "NET":
		return "NET"
	case KindTop:
		return "TOP"
	case KindSmaps:
		return "SMAPS"
	case KindDBWR, KindDBWA, KindDBRD, KindDBMPool:
		return "DB"
	case KindFPPorts, KindFPMbuf, KindFPC, KindFPP, KindFPS,
		KindDotStat, KindDohStat, KindTCPDCAStat, KindFPVLStats:
		return "FASTPATH"
	}
	return "OTHER"
}

// EachRecord scans the file and invokes fn for every parsed record. Global
// labels accumulated from IDENT/TIME lines are passed alongside each record
// (the map is mutated in place between calls; callers copy what they keep).
func (p *Parser) EachRecord(fn func(rec *Record, globalLabels map[string]string)) error {
	f, err := os.Open(p.path)
	if err != nil {
		return err
	}
	defer f.Close()

	global := make(map[string]string)
	var currentTsMs int64
	haveTime := false

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\n")
		if line == "" {
			continue
		}
		if m := timeFullRe.FindStringSubmatch(line); m != nil {
			if epoch, err := strconv.ParseInt(m[2], 10, 64); err == nil {
				currentTsMs = epoch * 1000
				haveTime = true
			}
			global["uptime_seconds"] = m[1]
			global["date"] = m[3]
			global["time"] = m[4]
			continue
		}
		if m := timeFallbackRe.FindStringSubmatch(line); m != nil {
			if epoch, err := strconv.ParseInt(m[1], 10, 64); err == nil {
				currentTsMs = epoch * 1000
				haveTime = true
			}
			continue
		}
		if m := identRe.FindStringSubmatch(line); m != nil {
			global["host"] = m[1]
			global["host_id"] = m[2]
			global["ptop_version"] = m[3]
			continue
		}
		if m := identSimpleRe.FindStringSubmatch(line); m != nil {
			ver, hostID := m[1], m[2]
			if _, ok := global["host"]; !ok {
				global["host"] = hostID
			}
			global["host_id"] = hostID
			global["ptop_version"] = ver
			continue
		}
		if !haveTime {
			continue
		}
		if rec := parseLine(line, currentTsMs); rec != nil {
			fn(rec, global)
		}
	}
	return sc.Err()
}

// parseLine tries the record forms in fixed order; first match wins, a
// malformed line yields nil.
func parseLine(line string, tsMs int64) *Record {
	if m := smapsRe.FindStringSubmatch(line); m != nil {
		rss, err1 := strconv.ParseFloat(m[2], 64)
		swap, err2 := strconv.ParseFloat(m[3], 64)
		if err1 != nil || err2 != nil {
			return nil
		}
		exec := m[4]
		if i := strings.LastIndex(exec, "/"); i >= 0 {
			exec = exec[i+1:]
		}
		return &Record{Kind: KindSmaps, TsMs: tsMs, Smaps: &SmapsRecord{PID: m[1], RssKib: rss, SwapKib: swap, Exec: exec}}
	}
	if m := cpuRe.FindStringSubmatch(line); m != nil {
		vals := make([]float64, 8)
		for i := 0; i < 8; i++ {
			v, err := strconv.ParseFloat(m[i+2], 64)
			if err != nil {
				return nil
			}
			vals[i] = v
		}
		return &Record{Kind: KindCPU, TsMs: tsMs, CPU: &CPURecord{
			CPUID:          m[1],
			Utilization:    vals[0],
			IdlePercent:    vals[1],
			IowaitPercent:  vals[2],
			UserPercent:    vals[3],
			SystemPercent:  vals[4],
			NicePercent:    vals[5],
			HardirqPercent: vals[6],
			SoftirqPercent: vals[7],
		}}
	}
	if strings.HasPrefix(line, "MEM ") {
		if mem := parseMem(line); mem != nil {
			return &Record{Kind: KindMem, TsMs: tsMs, Mem: mem}
		}
		return nil
	}
	if m := diskRe.FindStringSubmatch(line); m != nil {
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			return nil
		}
		vals := make([]float64, 11)
		for i := 0; i < 11; i++ {
			v, err := strconv.ParseFloat(m[i+3], 64)
			if err != nil {
				return nil
			}
			vals[i] = v
		}
		return &Record{Kind: KindDisk, TsMs: tsMs, Disk: &DiskRecord{
			DiskIndex:         idx,
			DeviceName:        m[2],
			ReadsPerSec:       vals[0],
			ReadKibPerSec:     vals[1],
			ReadAvgKB:         vals[2],
			ReadAvgMs:         vals[3],
			WritesPerSec:      vals[4],
			WriteKibPerSec:    vals[5],
			WriteAvgKB:        vals[6],
			WriteAvgMs:        vals[7],
			ServiceTimeMs:     vals[8],
			AvgQueueLen:       vals[9],
			DeviceBusyPercent: vals[10],
		}}
	}
	if m := netRateRe.FindStringSubmatch(line); m != nil {
		vals := make([]float64, 6)
		for i := 0; i < 6; i++ {
			v, err := strconv.ParseFloat(m[i+2], 64)
			if err != nil {
				return nil
			}
			vals[i] = v
		}
		return &Record{Kind: KindNetRate, TsMs: tsMs, NetRate: &NetRateRecord{
			Interface:       m[1],
			RxPacketsPerSec: vals[0],
			RxKibPerSec:     vals[1],
			TxPacketsPerSec: vals[2],
			TxKibPerSec:     vals[3],
			RxDropsPerSec:   vals[4],
			TxDropsPerSec:   vals[5],
		}}
	}
	if m := netIfRe.FindStringSubmatch(line); m != nil {
		vals := make([]float64, 6)
		for i := 0; i < 6; i++ {
			v, err := strconv.ParseFloat(m[i+2], 64)
			if err != nil {
				return nil
			}
			vals[i] = v
		}
		return &Record{Kind: KindNetIf, TsMs: tsMs, NetIf: &NetIfRecord{
			Interface:             m[1],
			RxPacketsTotal:        vals[0],
			RxBytesTotal:          vals[1],
			TxPacketsTotal:        vals[2],
			TxBytesTotal:          vals[3],
			RxDroppedPacketsTotal: vals[4],
			TxDroppedPacketsTotal: vals[5],
		}}
	}
	if m := topFullRe.FindStringSubmatch(line); m != nil {
		cpu, e1 := strconv.ParseFloat(m[3], 64)
		total, e2 := strconv.ParseFloat(m[4], 64)
		user, e3 := strconv.ParseFloat(m[5], 64)
		sys, e4 := strconv.ParseFloat(m[6], 64)
		if e1 != nil || e2 != nil || e3 != nil || e4 != nil {
			return nil
		}
		return &Record{Kind: KindTop, TsMs: tsMs, Top: &TopRecord{
			PPID: m[1], PID: m[2], CPUPercent: cpu,
			TotalCPUSeconds: total, UserCPUSeconds: user, SystemCPUSeconds: sys,
			Prio: m[7], Exec: m[8], HasTimes: true,
		}}
	}
	if m := topMinRe.FindStringSubmatch(line); m != nil {
		cpu, err := strconv.ParseFloat(m[3], 64)
		if err != nil {
			return nil
		}
		return &Record{Kind: KindTop, TsMs: tsMs, Top: &TopRecord{PPID: m[1], PID: m[2], CPUPercent: cpu}}
	}
	if strings.HasPrefix(line, "DBWR ") || strings.HasPrefix(line, "DBWA ") || strings.HasPrefix(line, "DBRD ") {
		tokens := strings.Fields(line)
		prefix := tokens[0]
		var buckets []HistogramBucket
		for i := 1; i+2 < len(tokens); i += 3 {
			count, e1 := strconv.ParseFloat(tokens[i+1], 64)
			lat, e2 := strconv.ParseFloat(tokens[i+2], 64)
			if e1 != nil || e2 != nil {
				break
			}
			buckets = append(buckets, HistogramBucket{Bucket: tokens[i], Count: count, AvgLatency: lat})
		}
		return &Record{Kind: prefix, TsMs: tsMs, Hist: &HistogramRecord{Buckets: buckets}}
	}
	if strings.HasPrefix(line, "DBMPOOL ") {
		tokens := strings.Fields(line)
		kv := make(map[string]float64)
		for i := 1; i < len(tokens)-1; {
			key := tokens[i]
			if key == "MiB" {
				i++
				continue
			}
			val := strings.TrimSuffix(tokens[i+1], "%")
			if v, err := strconv.ParseFloat(val, 64); err == nil {
				kv[key] = v
			}
			i += 2
		}
		return &Record{Kind: KindDBMPool, TsMs: tsMs, KV: kv}
	}
	if strings.HasPrefix(line, "FPPORTS ") {
		tokens := strings.Fields(line)
		if len(tokens) < 2 {
			return nil
		}
		rec := &FPPortsRecord{Port: tokens[1], Counters: make(map[string]float64)}
		for i := 2; i+1 < len(tokens); i += 2 {
			if v, err := strconv.ParseFloat(tokens[i+1], 64); err == nil && isDigits(tokens[i+1]) {
				rec.set(tokens[i], v)
			}
		}
		return &Record{Kind: KindFPPorts, TsMs: tsMs, FPPorts: rec}
	}
	if strings.HasPrefix(line, "FPMBUF ") {
		tokens := strings.Fields(line)
		kv := make(map[string]float64)
		for i := 1; i+1 < len(tokens); i += 2 {
			val := strings.TrimSuffix(tokens[i+1], "%")
			if v, err := strconv.ParseFloat(val, 64); err == nil {
				kv[tokens[i]] = v
			}
		}
		return &Record{Kind: KindFPMbuf, TsMs: tsMs, KV: kv}
	}
	if strings.HasPrefix(line, "DOT_STAT ") || strings.HasPrefix(line, "DOH_STAT ") {
		tokens := strings.Fields(line)
		if len(tokens) < 3 {
			return nil
		}
		prefix := tokens[0]
		rec := &DotStatRecord{Index: tokens[1], Addr: tokens[2], Counters: make(map[string]float64)}
		start := 3
		// DOT_STAT may carry a protocol token (e.g. TLS) before the pairs.
		if prefix == KindDotStat && start < len(tokens) && isAlpha(tokens[start]) && !isDotKey(tokens[start]) {
			start++
		}
		for i := start; i < len(tokens)-1; {
			if isDotKey(tokens[i]) {
				if v, err := strconv.ParseFloat(tokens[i+1], 64); err == nil {
					rec.Counters[tokens[i]] = v
				}
				i += 2
			} else {
				i++
			}
		}
		return &Record{Kind: prefix, TsMs: tsMs, DotStat: rec}
	}
	if strings.HasPrefix(line, "TCP_DCA_STAT ") {
		tokens := strings.Fields(line)
		if len(tokens) < 4 {
			return nil
		}
		ifaceCount, err := strconv.ParseFloat(tokens[1], 64)
		if err != nil {
			return nil
		}
		rec := &TCPDCARecord{IfaceCount: ifaceCount, InterfaceAddr: tokens[2], Counters: make(map[string]float64)}
		for i := 3; i < len(tokens)-1; {
			switch tokens[i] {
			case "rx", "tx", "dp", "qd", "os", "cs", "as":
				if v, err := strconv.ParseFloat(tokens[i+1], 64); err == nil {
					rec.Counters[tokens[i]] = v
				}
				i += 2
			default:
				i++
			}
		}
		return &Record{Kind: KindTCPDCAStat, TsMs: tsMs, TCPDCA: rec}
	}
	if strings.HasPrefix(line, "FPC") {
		tokens := strings.Fields(line)
		// Header and summary FPC lines have non-numeric second tokens; skip them.
		if len(tokens) >= 6 && isDigits(tokens[1]) {
			busy, e1 := strconv.ParseFloat(tokens[2], 64)
			cycles, e2 := strconv.ParseFloat(tokens[3], 64)
			cpp, e3 := strconv.ParseFloat(tokens[4], 64)
			cic, e4 := strconv.ParseFloat(tokens[5], 64)
			if e1 == nil && e2 == nil && e3 == nil && e4 == nil {
				return &Record{Kind: KindFPC, TsMs: tsMs, FPC: &FPCRecord{
					CPU: tokens[1], BusyPercent: busy, CyclesTotal: cycles,
					CyclesPerPacket: cpp, CyclesIcPkt: cic,
				}}
			}
		}
		// fall through: FPP/FPS prefixes also start with "FP" but not "FPC"
	}
	if strings.HasPrefix(line, "FPP ") {
		tokens := strings.Fields(line)
		if len(tokens) >= 3 {
			cycles, e1 := strconv.ParseFloat(tokens[1], 64)
			packets, e2 := strconv.ParseFloat(tokens[2], 64)
			if e1 == nil && e2 == nil {
				cpp := 0.0
				if packets > 0 {
					cpp = cycles / packets
				}
				return &Record{Kind: KindFPP, TsMs: tsMs, FPP: &FPPRecord{TotalCycles: cycles, TotalPackets: packets, CyclesPerPacket: cpp}}
			}
		}
		return nil
	}
	if strings.HasPrefix(line, "FPS ") {
		tokens := strings.Fields(line)
		iod, mhb := indexOf(tokens, "iod"), indexOf(tokens, "mhb")
		if len(tokens) >= 8 && iod >= 0 && mhb >= 0 && iod+3 < len(tokens) && mhb+3 < len(tokens) {
			vals := make([]float64, 6)
			ok := true
			for i, idx := range []int{iod + 1, iod + 2, iod + 3, mhb + 1, mhb + 2, mhb + 3} {
				v, err := strconv.ParseFloat(tokens[idx], 64)
				if err != nil {
					ok = false
					break
				}
				vals[i] = v
			}
			if ok {
				return &Record{Kind: KindFPS, TsMs: tsMs, FPS: &FPSRecord{
					IncomingDNSPackets: vals[0],
					OutgoingDNSPackets: vals[1],
					DroppedDNSPackets:  vals[2],
					MissedDNSPackets:   vals[3],
					HitDNSPackets:      vals[4],
					BypassDNSPackets:   vals[5],
				}}
			}
		}
		return nil
	}
	if strings.HasPrefix(line, "FPVLSTATS ") {
		tokens := strings.Fields(line)
		kv := make(map[string]float64)
		for i := 1; i < len(tokens)-1; i += 2 {
			norm := strings.ReplaceAll(strings.TrimSuffix(strings.TrimSpace(tokens[i]), ":"), "-", "_")
			name, known := fpvlKeyNames[norm]
			if !known {
				continue
			}
			if v, err := strconv.ParseFloat(tokens[i+1], 64); err == nil {
				kv[name] = v
			}
		}
		if len(kv) == 0 {
			return nil
		}
		return &Record{Kind: KindFPVLStats, TsMs: tsMs, KV: kv}
	}
	return nil
}

// parseMem scans the MEM token sequence. The eight mandatory fields must all
// be present; optional groups extend the record when their marker appears.
func parseMem(line string) *MemRecord {
	tokens := strings.Fields(line)
	idx := func(tok string) int {
		for i, t := range tokens {
			if t == tok {
				return i
			}
		}
		return -1
	}
	after := func(tok string) (float64, bool) {
		i := idx(tok)
		if i < 0 || i+1 >= len(tokens) {
			return 0, false
		}
		v, err := strconv.ParseFloat(tokens[i+1], 64)
		return v, err == nil
	}

	mem := &MemRecord{Fields: make(map[string]float64)}
	mandatory := []struct{ tok, field string }{
		{"t", "total_memory"},
		{"f", "free_percent"},
		{"b", "buffers_percent"},
		{"c", "cached_percent"},
		{"s", "slab_percent"},
		{"a", "anon_percent"},
		{"sh", "sysv_shm_percent"},
		{"sw", "swap_used_percent"},
	}
	for _, m := range mandatory {
		v, ok := after(m.tok)
		if !ok {
			return nil
		}
		mem.set(m.field, v)
	}
	// sw <pct> <swap_total_bytes>
	if i := idx("sw"); i >= 0 && i+2 < len(tokens) {
		if v, err := strconv.ParseFloat(tokens[i+2], 64); err == nil {
			mem.set("swap_total_bytes", v)
		}
	}
	// h <huge_total> <huge_free>
	if i := idx("h"); i >= 0 && i+2 < len(tokens) {
		t, e1 := strconv.ParseFloat(tokens[i+1], 64)
		f, e2 := strconv.ParseFloat(tokens[i+2], 64)
		if e1 == nil && e2 == nil {
			mem.set("hugepages_total", t)
			mem.set("hugepages_free", f)
		}
	}
	if v, ok := after("A"); ok {
		mem.set("available_percent", v)
	}
	// pio <pgpgin/s> <pgpgout/s>
	if i := idx("pio"); i >= 0 && i+2 < len(tokens) {
		in, e1 := strconv.ParseFloat(tokens[i+1], 64)
		out, e2 := strconv.ParseFloat(tokens[i+2], 64)
		if e1 == nil && e2 == nil {
			mem.set("pgpgin_rate", in)
			mem.set("pgpgout_rate", out)
		}
	}
	// sio <pswpin/s> <pswpout/s>
	if i := idx("sio"); i >= 0 && i+2 < len(tokens) {
		in, e1 := strconv.ParseFloat(tokens[i+1], 64)
		out, e2 := strconv.ParseFloat(tokens[i+2], 64)
		if e1 == nil && e2 == nil {
			mem.set("swapin_rate", in)
			mem.set("swapout_rate", out)
		}
	}
	return mem
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isAlpha(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r >= 'a' && r <= 'z') && !(r >= 'A' && r <= 'Z') {
			return false
		}
	}
	return true
}

func isDotKey(s string) bool {
	switch s {
	case "rx", "tx", "dp", "qd":
		return true
	}
	return false
}

func indexOf(tokens []string, tok string) int {
	for i, t := range tokens {
		if t == tok {
			return i
		}
	}
	return -1
}
