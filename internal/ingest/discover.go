package ingest

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"
)

// ptopLogPattern matches log files named ptop-YYYYMMDD_HHMM.log.
var ptopLogPattern = regexp.MustCompile(`^ptop-(\d{8})_(\d{4})\.log$`)

// DefaultMaxFiles bounds how many log files a single load processes.
const DefaultMaxFiles = 1

// DiscoverLogs lists ptop logs under <root>/var/log, orders them newest
// first by the datetime embedded in the filename, keeps at most maxFiles
// (clamped to >= 1) and returns the selection in chronological order so
// ingestion time increases monotonically. Warnings describe every deviation.
func DiscoverLogs(root string, maxFiles int) ([]string, []string) {
	var warnings []string
	logDir := filepath.Join(root, "var", "log")
	entries, err := os.ReadDir(logDir)
	if err != nil {
		return nil, []string{"log_dir_missing"}
	}
	type candidate struct {
		ts   int64
		path string
	}
	var candidates []candidate
	for _, e := range entries {
		m := ptopLogPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		dt, err := time.ParseInLocation("200601021504", m[1]+m[2], time.UTC)
		if err != nil {
			warnings = append(warnings, "bad_filename_datetime:"+e.Name())
			continue
		}
		candidates = append(candidates, candidate{ts: dt.Unix(), path: filepath.Join(logDir, e.Name())})
	}
	if len(candidates) == 0 {
		return nil, append([]string{"no_ptop_logs"}, warnings...)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ts > candidates[j].ts })
	if maxFiles < 1 {
		maxFiles = 1
		warnings = append(warnings, "max_files_clamped_min1")
	}
	requested := maxFiles
	total := len(candidates)
	if len(candidates) > maxFiles {
		warnings = append(warnings, "max_files_truncated")
		candidates = candidates[:maxFiles]
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ts < candidates[j].ts })
	selected := make([]string, 0, len(candidates))
	for _, c := range candidates {
		selected = append(selected, c.path)
	}
	warnings = append(warnings, fmt.Sprintf("selected_%d_of_%d_candidates_requested_%d", len(selected), total, requested))
	return selected, warnings
}
