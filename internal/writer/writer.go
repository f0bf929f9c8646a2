// Package writer translates metric samples into rows of wide tables and
// persists them in batches. Samples sharing (table, ts, bundle_id, sptid,
// category, host, local labels) coalesce into one logical row; aliases never
// overwrite a populated canonical column.
package writer

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	sqlbuilder "github.com/huandu/go-sqlbuilder"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"ptop-analyzer/internal/metrics"
	"ptop-analyzer/internal/parser"
	"ptop-analyzer/internal/schema"
)

const shardCount = 8

// Config controls batching and transport behavior.
type Config struct {
	DSN            string `yaml:"dsn"`
	BatchSize      int    `yaml:"batch_size"`
	InsertPageSize int    `yaml:"insert_page_size"`
	UseCopy        bool   `yaml:"use_copy"`
	Adaptive       bool   `yaml:"adaptive_batch"`
	MaxBatchSize   int    `yaml:"max_batch_size"`
}

// Stats is a snapshot of writer counters.
type Stats struct {
	RowsAdded        int64   `json:"total_rows_added"`
	RowsFlushed      int64   `json:"total_rows_flushed"`
	Flushes          int64   `json:"total_flushes"`
	Connected        bool    `json:"connected"`
	UseCopy          bool    `json:"use_copy"`
	BatchSize        int     `json:"batch_size"`
	InsertPageSize   int     `json:"insert_page_size"`
	AdaptiveEnabled  bool    `json:"adaptive_enabled"`
	AdaptiveUpscales int64   `json:"adaptive_upscales"`
	AvgFlushSeconds  float64 `json:"avg_flush_seconds"`
	LastFlushSeconds float64 `json:"last_flush_seconds"`
	MaxFlushSeconds  float64 `json:"max_flush_seconds"`
}

// pendingRow is one coalesced logical row awaiting flush.
type pendingRow struct {
	table  string
	values map[string]interface{} // column -> label string, metric float64 or nil
}

// Writer accumulates coalesced rows and flushes them with COPY or multi-row
// INSERT. Not safe for concurrent use; the ingestion orchestrator serializes
// access behind its own mutex.
type Writer struct {
	cfg    Config
	db     *sql.DB
	logger *logrus.Logger

	// Pending rows sharded by xxhash of the row key to keep per-shard maps
	// small on wide bundles. Flush drains every shard.
	shards  [shardCount]map[string]*pendingRow
	pending int
	lastKey string

	rowsAdded        int64
	rowsFlushed      int64
	flushes          int64
	totalFlushTime   time.Duration
	lastFlushTime    time.Duration
	maxFlushTime     time.Duration
	lastFlushRows    int64
	adaptiveUpscales int64

	closeOnce sync.Once
}

// New creates a writer and lazily opens the analytical-store connection. A
// missing DSN or failed open leaves the writer disconnected: rows are
// dropped silently but counters keep moving so the pipeline stays observable.
func New(cfg Config, logger *logrus.Logger) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 2000
	}
	if cfg.InsertPageSize < 25 {
		cfg.InsertPageSize = 200
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 50000
	}
	w := &Writer{cfg: cfg, logger: logger}
	for i := range w.shards {
		w.shards[i] = make(map[string]*pendingRow)
	}
	if cfg.DSN != "" {
		db, err := sql.Open("postgres", cfg.DSN)
		if err == nil {
			w.db = db
		} else {
			logger.WithError(err).Warn("Analytical store connection failed, writer runs disconnected")
		}
	}
	return w
}

// DB exposes the underlying connection for the SQL gateway and bootstrap.
func (w *Writer) DB() *sql.DB { return w.db }

// Add resolves the sample to a (table, column) and merges it into the
// pending logical row. Unknown metric names are dropped silently.
func (w *Writer) Add(sample parser.MetricSample) {
	grp, column, isAlias, ok := schema.Resolve(sample.Name)
	if !ok {
		return
	}
	labels := sample.Labels
	if labels == nil {
		labels = map[string]string{}
	}
	isoTs := time.UnixMilli(sample.TsMs).UTC().Format(time.RFC3339Nano)

	keyParts := make([]string, 0, 6+len(grp.LocalLabels))
	keyParts = append(keyParts, grp.Table, isoTs, labels["bundle_id"], labels["sptid"], grp.Category, labels["host"])
	for _, lbl := range grp.LocalLabels {
		keyParts = append(keyParts, labels[lbl])
	}
	key := strings.Join(keyParts, "\x1f")
	shard := w.shards[xxhash.Sum64String(key)%shardCount]

	row, exists := shard[key]
	// Flush only when a NEW logical row would push past the threshold and the
	// new key is not the row updated last (avoids splitting an in-flight row).
	if !exists && w.pending >= w.cfg.BatchSize && w.lastKey != key {
		w.Flush()
		shard = w.shards[xxhash.Sum64String(key)%shardCount]
		row, exists = shard[key]
	}
	if !exists {
		values := map[string]interface{}{
			"ts":              isoTs,
			"bundle_id":       nullable(labels["bundle_id"]),
			"sptid":           nullable(labels["sptid"]),
			"metric_category": grp.Category,
			"host":            nullable(labels["host"]),
		}
		for _, lbl := range grp.LocalLabels {
			values[lbl] = nullable(labels[lbl])
		}
		for _, mname := range grp.MetricNames() {
			col := metricColumn(grp, mname)
			if _, ok := values[col]; !ok {
				values[col] = nil
			}
		}
		row = &pendingRow{table: grp.Table, values: values}
		shard[key] = row
		w.pending++
		w.rowsAdded++
		metrics.WriterRowsAdded.Inc()
	}
	if isAlias && row.values[column] != nil {
		// First canonical or first alias wins; aliases never overwrite.
		w.lastKey = key
		return
	}
	row.values[column] = sample.Value
	w.lastKey = key
}

// Flush drains every pending row, grouped by table, committing one
// transaction per table. A transport error rolls back, is logged and keeps
// the connection usable; the batch is lost but counters still advance.
func (w *Writer) Flush() {
	if w.pending == 0 {
		return
	}
	start := time.Now()
	perTable := make(map[string][]*pendingRow)
	for i := range w.shards {
		for _, row := range w.shards[i] {
			perTable[row.table] = append(perTable[row.table], row)
		}
		w.shards[i] = make(map[string]*pendingRow)
	}
	drained := int64(w.pending)
	w.pending = 0
	w.lastKey = ""

	tables := make([]string, 0, len(perTable))
	for t := range perTable {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	for _, table := range tables {
		rows := perTable[table]
		w.rowsFlushed += int64(len(rows))
		metrics.WriterRowsFlushed.Add(float64(len(rows)))
		grp, ok := schema.GroupByTable(table)
		if !ok {
			continue
		}
		cols := w.columnList(grp, rows)
		if w.db == nil {
			continue
		}
		var err error
		if w.cfg.UseCopy {
			err = w.flushWithCopy(table, grp, cols, rows)
			if err != nil {
				w.logger.WithError(err).WithField("table", table).Warn("COPY flush failed, falling back to INSERT")
				err = w.flushWithInsert(table, grp, cols, rows)
			}
		} else {
			err = w.flushWithInsert(table, grp, cols, rows)
		}
		if err != nil {
			w.logger.WithError(err).WithFields(logrus.Fields{
				"table": table,
				"rows":  len(rows),
			}).Error("Flush failed, batch dropped")
		} else {
			w.logger.WithFields(logrus.Fields{
				"table": table,
				"rows":  len(rows),
			}).Debug("Flushed batch")
		}
	}

	w.flushes++
	metrics.WriterFlushes.Inc()
	elapsed := time.Since(start)
	w.lastFlushTime = elapsed
	w.totalFlushTime += elapsed
	if elapsed > w.maxFlushTime {
		w.maxFlushTime = elapsed
	}
	metrics.WriterFlushSeconds.Observe(elapsed.Seconds())

	// Adaptive sizing only helps in INSERT mode where per-row overhead
	// dominates; COPY keeps its fixed batch.
	if w.cfg.Adaptive && !w.cfg.UseCopy {
		if drained >= int64(w.cfg.BatchSize) && w.cfg.BatchSize < w.cfg.MaxBatchSize {
			newSize := w.cfg.BatchSize * 2
			if newSize > w.cfg.MaxBatchSize {
				newSize = w.cfg.MaxBatchSize
			}
			if newSize != w.cfg.BatchSize {
				w.cfg.BatchSize = newSize
				w.adaptiveUpscales++
				metrics.WriterAdaptiveUpscales.Inc()
				w.logger.WithField("batch_size", newSize).Debug("Adaptive batch upscale")
			}
		}
	}
	w.lastFlushRows = w.rowsFlushed
}

// columnList computes the flush column order: globals, local labels, then
// the union of declared and observed metric columns sorted by name.
func (w *Writer) columnList(grp *schema.TableGroup, rows []*pendingRow) []string {
	metricCols := make(map[string]struct{})
	for _, mname := range grp.MetricNames() {
		metricCols[metricColumn(grp, mname)] = struct{}{}
	}
	for _, r := range rows {
		for col := range r.values {
			if !grp.IsGlobalOrLocal(col) {
				metricCols[col] = struct{}{}
			}
		}
	}
	sorted := make([]string, 0, len(metricCols))
	for c := range metricCols {
		sorted = append(sorted, c)
	}
	sort.Strings(sorted)

	cols := make([]string, 0, len(schema.GlobalColumns)+len(grp.LocalLabels)+len(sorted))
	for _, gc := range schema.GlobalColumns {
		cols = append(cols, gc.Name)
	}
	cols = append(cols, grp.LocalLabels...)
	cols = append(cols, sorted...)
	return cols
}

// ensureColumns adds any observed-but-undeclared metric column so dynamic
// metrics stay forward compatible.
func (w *Writer) ensureColumns(tx *sql.Tx, table string, grp *schema.TableGroup, cols []string) error {
	for _, col := range cols {
		if grp.IsGlobalOrLocal(col) {
			continue
		}
		if _, err := tx.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s DOUBLE PRECISION", table, col)); err != nil {
			return err
		}
	}
	return nil
}

// flushWithCopy streams the batch through the server-side bulk copy
// protocol (tab-separated with NULL markers at the wire level).
func (w *Writer) flushWithCopy(table string, grp *schema.TableGroup, cols []string, rows []*pendingRow) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}
	if err := w.ensureColumns(tx, table, grp, cols); err != nil {
		tx.Rollback()
		return err
	}
	stmt, err := tx.Prepare(pq.CopyIn(table, cols...))
	if err != nil {
		tx.Rollback()
		return err
	}
	for _, r := range rows {
		args := rowArgs(r, cols)
		if _, err := stmt.Exec(args...); err != nil {
			stmt.Close()
			tx.Rollback()
			return err
		}
	}
	if _, err := stmt.Exec(); err != nil {
		stmt.Close()
		tx.Rollback()
		return err
	}
	if err := stmt.Close(); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// flushWithInsert writes the batch as parameterized multi-row inserts with
// a bounded page size.
func (w *Writer) flushWithInsert(table string, grp *schema.TableGroup, cols []string, rows []*pendingRow) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}
	if err := w.ensureColumns(tx, table, grp, cols); err != nil {
		tx.Rollback()
		return err
	}
	for offset := 0; offset < len(rows); offset += w.cfg.InsertPageSize {
		end := offset + w.cfg.InsertPageSize
		if end > len(rows) {
			end = len(rows)
		}
		ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
		ib.InsertInto(table).Cols(cols...)
		for _, r := range rows[offset:end] {
			ib.Values(rowArgs(r, cols)...)
		}
		query, args := ib.Build()
		if _, err := tx.Exec(query, args...); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Close flushes pending rows and releases the connection.
func (w *Writer) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.Flush()
		if w.db != nil {
			err = w.db.Close()
		}
	})
	return err
}

// Stats returns a counter snapshot.
func (w *Writer) Stats() Stats {
	avg := 0.0
	if w.flushes > 0 {
		avg = w.totalFlushTime.Seconds() / float64(w.flushes)
	}
	return Stats{
		RowsAdded:        w.rowsAdded,
		RowsFlushed:      w.rowsFlushed,
		Flushes:          w.flushes,
		Connected:        w.db != nil,
		UseCopy:          w.cfg.UseCopy,
		BatchSize:        w.cfg.BatchSize,
		InsertPageSize:   w.cfg.InsertPageSize,
		AdaptiveEnabled:  w.cfg.Adaptive,
		AdaptiveUpscales: w.adaptiveUpscales,
		AvgFlushSeconds:  avg,
		LastFlushSeconds: w.lastFlushTime.Seconds(),
		MaxFlushSeconds:  w.maxFlushTime.Seconds(),
	}
}

func rowArgs(r *pendingRow, cols []string) []interface{} {
	args := make([]interface{}, len(cols))
	for i, c := range cols {
		args[i] = r.values[c]
	}
	return args
}

func metricColumn(grp *schema.TableGroup, mname string) string {
	m := grp.Metrics[mname]
	if m.Column != "" {
		return m.Column
	}
	return mname
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
