package catalog

import (
	"fmt"
	"sort"
	"strings"

	"ptop-analyzer/internal/schema"
)

// DiscoverCandidate is one lexical discovery hit over the schema registry.
type DiscoverCandidate struct {
	MetricName     string   `json:"metric_name"`
	Table          string   `json:"table"`
	View           string   `json:"view"`
	MetricCategory string   `json:"metric_category"`
	LocalLabels    []string `json:"local_labels"`
	Score          int      `json:"score"`
}

// DiscoverResult is the metric_discover output.
type DiscoverResult struct {
	Query      string              `json:"query"`
	Candidates []DiscoverCandidate `json:"candidates"`
}

// Discover scores every registered metric by the count of query tokens
// contained in its name, plus a category bonus when the query mentions cpu
// and the group is the cpu category. Zero scores drop out.
func Discover(query string, topK int) DiscoverResult {
	q := strings.ToLower(strings.TrimSpace(query))
	tokenSet := map[string]struct{}{}
	for _, t := range strings.Fields(strings.NewReplacer("-", " ", ":", " ").Replace(q)) {
		tokenSet[t] = struct{}{}
	}
	var candidates []DiscoverCandidate
	for _, grp := range schema.Groups() {
		for _, mname := range grp.MetricNames() {
			score := 0
			for tok := range tokenSet {
				if strings.Contains(mname, tok) {
					score++
				}
			}
			if _, hasCPU := tokenSet["cpu"]; hasCPU && grp.Category == "cpu" {
				score++
			}
			if score == 0 {
				continue
			}
			candidates = append(candidates, DiscoverCandidate{
				MetricName:     mname,
				Table:          grp.Table,
				View:           mname,
				MetricCategory: grp.Category,
				LocalLabels:    append([]string{}, grp.LocalLabels...),
				Score:          score,
			})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
	if topK > 0 && len(candidates) > topK {
		candidates = candidates[:topK]
	}
	return DiscoverResult{Query: query, Candidates: candidates}
}

// SchemaColumn describes one column of a metric view with its role.
type SchemaColumn struct {
	Name        string `json:"name"`
	Role        string `json:"role"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

// SchemaResult is the metric_schema output.
type SchemaResult struct {
	MetricName   string         `json:"metric_name"`
	View         string         `json:"view"`
	Table        string         `json:"table"`
	Category     string         `json:"category"`
	Columns      []SchemaColumn `json:"columns"`
	Description  string         `json:"description"`
	ExampleQuery string         `json:"example_query"`
}

// MetricSchema resolves a name or alias to its canonical metric and returns
// column roles plus a templated example query.
func MetricSchema(metricName string) (*SchemaResult, bool) {
	name := strings.ToLower(strings.TrimSpace(metricName))
	grp, canonical, meta, ok := schema.ResolveCanonical(name)
	if !ok {
		return nil, false
	}
	desc := meta.Description
	if desc == "" {
		desc = "Primary metric value"
	}
	cols := []SchemaColumn{
		{Name: "ts", Role: "timestamp", Type: "TIMESTAMPTZ", Description: "Event timestamp (UTC, high resolution)"},
		{Name: "value", Role: "value", Type: "DOUBLE PRECISION", Description: desc},
		{Name: "bundle_id", Role: "global", Type: "TEXT", Description: "Opaque ingestion bundle identifier (filter required)"},
		{Name: "sptid", Role: "global", Type: "TEXT", Description: "Source tenant / support identifier (informational)"},
		{Name: "metric_category", Role: "global", Type: "TEXT", Description: "High-level category (cpu, top, mem, etc.)"},
		{Name: "host", Role: "global", Type: "TEXT", Description: "Host or node name if available"},
	}
	for _, lbl := range grp.LocalLabels {
		d := "Local label: " + lbl
		if lbl == "cpu_id" {
			d = "CPU identifier label (e.g. cpu0, cpu1)"
		}
		cols = append(cols, SchemaColumn{Name: lbl, Role: "local_label", Type: "TEXT", Description: d})
	}
	if grp.Category == "cpu" && containsStr(grp.LocalLabels, "cpu_id") {
		cols = append(cols, SchemaColumn{
			Name: "cpu_index", Role: "local_label", Type: "INTEGER",
			Description: "Numeric CPU index derived from cpu_id (cpu0->0) for simplified filtering",
		})
	}
	example := fmt.Sprintf(
		"-- Fill {bundle_id},{start_ms},{end_ms}\n"+
			"SELECT time_bucket('1 minute', ts) AS bucket, avg(value) AS avg_%s\n"+
			"FROM %s\n"+
			"WHERE bundle_id='{bundle_id}'\n"+
			"  AND ts BETWEEN to_timestamp({start_ms}/1000.0) AND to_timestamp({end_ms}/1000.0)\n"+
			"GROUP BY 1 ORDER BY 1;",
		canonical, canonical)
	return &SchemaResult{
		MetricName:   canonical,
		View:         canonical,
		Table:        grp.Table,
		Category:     grp.Category,
		Columns:      cols,
		Description:  meta.Description,
		ExampleQuery: example,
	}, true
}

// SearchCandidate is one metric_search hit.
type SearchCandidate struct {
	DocID      string  `json:"doc_id"`
	MetricName string  `json:"metric_name"`
	RecordType string  `json:"record_type"`
	Score      float64 `json:"score"`
	Rank       int     `json:"rank"`
	Hint       string  `json:"hint,omitempty"`
}

// SearchResult is the metric_search output with disambiguation fields.
type SearchResult struct {
	Query           string            `json:"query"`
	Candidates      []SearchCandidate `json:"candidates"`
	Decision        string            `json:"decision"`
	AutoSelected    string            `json:"auto_selected,omitempty"`
	Confidence      float64           `json:"confidence"`
	GapThreshold    float64           `json:"gap_threshold"`
	AbsThreshold    float64           `json:"abs_threshold"`
	TotalConsidered int               `json:"total_considered"`
	ResolvedAlias   string            `json:"resolved_alias,omitempty"`
	Threshold       float64           `json:"threshold"`
}

// Disambiguation thresholds: auto-select when the top score clears the
// absolute bar or leads the runner-up by the gap.
const (
	gapThreshold = 0.15
	absThreshold = 0.90
)

// MetricSearch runs a metric-scoped (L1) search with alias boosting,
// per-process hint injection and the auto/ambiguous/no_match decision.
func (s *Store) MetricSearch(query string, topK int, semantic bool) SearchResult {
	levels := []string{"L1"}
	var matches []Match
	if semantic {
		emb := s.CheapTextEmbedding(query)
		if m, err := s.SemanticSearch(emb, topK, levels); err == nil {
			matches = m
		}
	} else {
		matches = s.KeywordSearch(query, topK, levels)
	}

	resolvedAlias := ""
	if aliasDocs := s.ResolveAlias(query); len(aliasDocs) > 0 {
		resolvedAlias = query
		aliasIDs := make(map[string]struct{}, len(aliasDocs))
		for _, d := range aliasDocs {
			aliasIDs[d.ID] = struct{}{}
		}
		for i := range matches {
			if _, ok := aliasIDs[matches[i].Doc.ID]; ok {
				matches[i].Score += 0.05
			}
		}
		sortMatches(matches)
	}

	candidates := make([]SearchCandidate, 0, len(matches))
	for rank, m := range matches {
		candidates = append(candidates, SearchCandidate{
			DocID:      m.Doc.ID,
			MetricName: m.Doc.MetricName(),
			RecordType: m.Doc.RecordType(),
			Score:      m.Score,
			Rank:       rank + 1,
		})
	}

	// Per-process hint injection: very low scores so they never auto-select.
	ql := strings.ToLower(query)
	if containsAny(ql, "process", "pid", "per-process", "per process") && !hasMetricPrefix(candidates, "process_") {
		candidates = append(candidates, SearchCandidate{
			DocID:      "hint:top_process_stats",
			MetricName: "top_process_stats",
			RecordType: "hint",
			Score:      0.01,
			Rank:       len(candidates) + 1,
			Hint:       `Per-process metrics live under TOP category; ingest with categories=["TOP"] to access process CPU/memory.`,
		})
	}
	if containsAny(ql, "rss", "smaps", "swap") && !hasMetricName(candidates, "smaps_rss_kb") {
		candidates = append(candidates, SearchCandidate{
			DocID:      "hint:smaps_process_memory",
			MetricName: "smaps_process_memory",
			RecordType: "hint",
			Score:      0.01,
			Rank:       len(candidates) + 1,
			Hint:       `Per-process memory metrics (RSS, swap) live under SMAPS category; ingest with categories=["SMAPS"] to enable.`,
		})
	}

	result := SearchResult{
		Query:           query,
		Candidates:      candidates,
		Decision:        "no_match",
		GapThreshold:    gapThreshold,
		AbsThreshold:    absThreshold,
		Threshold:       gapThreshold,
		TotalConsidered: len(candidates),
	}
	if len(candidates) > 0 {
		sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
		result.Candidates = candidates
		top1 := candidates[0].Score
		top2 := 0.0
		if len(candidates) > 1 {
			top2 = candidates[1].Score
		}
		result.Confidence = top1
		if top1 >= absThreshold || (top1-top2) >= gapThreshold {
			result.Decision = "auto"
			result.AutoSelected = candidates[0].MetricName
			if result.AutoSelected == "" {
				result.Decision = "ambiguous"
			}
		} else {
			result.Decision = "ambiguous"
		}
	}
	result.ResolvedAlias = resolvedAlias
	return result
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func hasMetricPrefix(cands []SearchCandidate, prefix string) bool {
	for _, c := range cands {
		if strings.HasPrefix(c.MetricName, prefix) {
			return true
		}
	}
	return false
}

func hasMetricName(cands []SearchCandidate, name string) bool {
	for _, c := range cands {
		if c.MetricName == name {
			return true
		}
	}
	return false
}

func containsStr(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
