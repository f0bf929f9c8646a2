package schema

import (
	"fmt"
	"strings"
)

// DDLs groups the generated statements by kind.
type DDLs struct {
	Tables  []string
	Views   []string
	Indexes []string
}

// GenerateTableDDL renders the CREATE TABLE for one group: global columns,
// then local labels as TEXT, then metric columns as DOUBLE PRECISION sorted
// by name. Hypertable conversion happens separately in Bootstrap.
func GenerateTableDDL(g *TableGroup) string {
	var cols []string
	for _, gc := range GlobalColumns {
		cols = append(cols, fmt.Sprintf("%s %s", gc.Name, gc.Decl))
	}
	for _, lbl := range g.LocalLabels {
		cols = append(cols, fmt.Sprintf("%s TEXT", lbl))
	}
	for _, mname := range g.MetricNames() {
		col := columnOf(mname, g.Metrics[mname])
		cols = append(cols, fmt.Sprintf("%s DOUBLE PRECISION", col))
	}
	return fmt.Sprintf("CREATE TABLE %s (\n  %s\n);", g.Table, strings.Join(cols, ",\n  "))
}

// GenerateViewDDLs renders one view per metric, named exactly after the
// metric, projecting the value column plus the global and local labels.
// Sparse rows are filtered with value IS NOT NULL. CPU views additionally
// expose a numeric cpu_index derived from the trailing digits of cpu_id.
func GenerateViewDDLs(g *TableGroup) []string {
	var out []string
	for _, mname := range g.MetricNames() {
		col := columnOf(mname, g.Metrics[mname])
		extra := ""
		if g.Category == "cpu" && contains(g.LocalLabels, "cpu_id") {
			extra = ", CASE WHEN cpu_id ~ '^cpu[0-9]+$' THEN substring(cpu_id from '[0-9]+')::int END AS cpu_index"
		}
		locals := ""
		if len(g.LocalLabels) > 0 {
			locals = "," + strings.Join(g.LocalLabels, ",")
		}
		out = append(out, fmt.Sprintf(
			"CREATE VIEW %s AS SELECT ts, %s AS value, bundle_id, sptid, metric_category, host%s%s FROM %s WHERE %s IS NOT NULL;",
			mname, col, locals, extra, g.Table, col,
		))
	}
	return out
}

// GenerateIndexDDLs renders the unique index for the group's key plus any
// declared secondary indexes.
func GenerateIndexDDLs(g *TableGroup) []string {
	var out []string
	if len(g.UniqueKey) > 0 {
		name := indexName(g.Table, g.UniqueKey, true)
		out = append(out, fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s);", name, g.Table, strings.Join(g.UniqueKey, ",")))
	}
	for _, cols := range g.Indexes {
		name := indexName(g.Table, cols, false)
		out = append(out, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s);", name, g.Table, strings.Join(cols, ",")))
	}
	return out
}

// GenerateAll renders DDL for every registered group in registry order.
func GenerateAll() DDLs {
	var ddls DDLs
	for _, g := range Groups() {
		ddls.Tables = append(ddls.Tables, GenerateTableDDL(g))
		ddls.Views = append(ddls.Views, GenerateViewDDLs(g)...)
		ddls.Indexes = append(ddls.Indexes, GenerateIndexDDLs(g)...)
	}
	return ddls
}

// indexName builds a deterministic index name, stripping sort direction
// tokens and truncating to 60 characters.
func indexName(table string, cols []string, unique bool) string {
	parts := make([]string, 0, len(cols))
	for _, c := range cols {
		parts = append(parts, strings.Fields(c)[0])
	}
	base := table + "_" + strings.Join(parts, "_")
	if unique {
		base = "uniq_" + base
	}
	if len(base) > 60 {
		base = base[:60]
	}
	return base
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
