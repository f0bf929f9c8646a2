// Package bundle manages the durable catalog of support bundles, the single
// global active pointer, archive extraction and the load/unload lifecycle.
package bundle

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	apperrors "ptop-analyzer/pkg/errors"
)

// Row is one catalog entry.
type Row struct {
	BundleID         string `json:"bundle_id"`
	Sptid            string `json:"sptid"`
	BundleHash       string `json:"bundle_hash"`
	Path             string `json:"path"`
	Host             string `json:"host,omitempty"`
	LogsProcessed    int64  `json:"logs_processed"`
	MetricsIngested  int64  `json:"metrics_ingested"`
	StartTs          int64  `json:"start_ts"`
	EndTs            int64  `json:"end_ts"`
	ReplacedPrevious bool   `json:"replaced_previous"`
	Reused           bool   `json:"reused"`
	CreatedAt        int64  `json:"created_at"`
	Ingested         bool   `json:"ingested"`
	Plugins          string `json:"plugins"`
}

// Store is the single-file relational catalog. One connection, serialized
// internally; every operation is short.
type Store struct {
	db     *sql.DB
	path   string
	mu     sync.Mutex
	logger *logrus.Logger
}

var schemaStmts = []string{
	`CREATE TABLE IF NOT EXISTS bundles (
		bundle_id TEXT PRIMARY KEY,
		sptid TEXT NOT NULL,
		bundle_hash TEXT NOT NULL,
		path TEXT NOT NULL,
		host TEXT,
		logs_processed INTEGER,
		metrics_ingested INTEGER,
		start_ts INTEGER,
		end_ts INTEGER,
		replaced_previous INTEGER,
		reused INTEGER,
		created_at INTEGER,
		ingested INTEGER DEFAULT 0,
		plugins TEXT DEFAULT '',
		UNIQUE(sptid, bundle_hash)
	)`,
	`CREATE TABLE IF NOT EXISTS global_active (
		id INTEGER PRIMARY KEY CHECK (id=1),
		bundle_id TEXT,
		activated_at INTEGER,
		FOREIGN KEY(bundle_id) REFERENCES bundles(bundle_id)
	)`,
}

// OpenStore opens (creating if needed) the catalog file. cleanStart removes
// the file first. The legacy tenant_id column is migrated to sptid by table
// rebuild on first open.
func OpenStore(path string, cleanStart bool, logger *logrus.Logger) (*Store, error) {
	if cleanStart {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.WithError(err).Warn("Clean start requested but catalog file not removable")
		}
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, apperrors.StoreError("open", "catalog directory not creatable").Wrap(err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, apperrors.StoreError("open", "catalog open failed").Wrap(err)
	}
	// Catalog operations are short and serialized; a single connection keeps
	// sqlite locking simple.
	db.SetMaxOpenConns(1)
	s := &Store{db: db, path: path, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	for _, stmt := range schemaStmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return apperrors.StoreError("init_schema", "schema statement failed").Wrap(err)
		}
	}
	s.migrate()
	return nil
}

// migrate renames the legacy tenant_id column to sptid via table rebuild and
// backfills the nullable ingested/plugins columns on very old catalogs.
func (s *Store) migrate() {
	rows, err := s.db.Query("PRAGMA table_info(bundles)")
	if err != nil {
		return
	}
	cols := map[string]bool{}
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err == nil {
			cols[name] = true
		}
	}
	rows.Close()

	if cols["tenant_id"] && !cols["sptid"] {
		s.logger.Info("Migrating bundle catalog: tenant_id -> sptid")
		ingestedExpr := "0"
		if cols["ingested"] {
			ingestedExpr = "IFNULL(ingested,0)"
		}
		pluginsExpr := "''"
		if cols["plugins"] {
			pluginsExpr = "IFNULL(plugins,'')"
		}
		stmts := []string{
			"ALTER TABLE bundles RENAME TO bundles_old",
			schemaStmts[0],
			`INSERT OR IGNORE INTO bundles (bundle_id, sptid, bundle_hash, path, host, logs_processed,
				metrics_ingested, start_ts, end_ts, replaced_previous, reused, created_at, ingested, plugins)
			 SELECT bundle_id, tenant_id, bundle_hash, path, host, logs_processed, metrics_ingested,
				start_ts, end_ts, replaced_previous, reused, created_at, ` + ingestedExpr + `, ` + pluginsExpr + `
			 FROM bundles_old`,
			"DROP TABLE bundles_old",
		}
		for _, stmt := range stmts {
			if _, err := s.db.Exec(stmt); err != nil {
				s.logger.WithError(err).Warn("Catalog migration step failed")
				return
			}
		}
		cols["ingested"] = true
		cols["plugins"] = true
	}
	if len(cols) > 0 && !cols["ingested"] {
		s.db.Exec("ALTER TABLE bundles ADD COLUMN ingested INTEGER DEFAULT 0")
	}
	if len(cols) > 0 && !cols["plugins"] {
		s.db.Exec("ALTER TABLE bundles ADD COLUMN plugins TEXT DEFAULT ''")
	}
	// Legacy per-tenant active pointer table is superseded by global_active.
	s.db.Exec("DROP TABLE IF EXISTS active_context")
}

// Close releases the catalog connection.
func (s *Store) Close() error { return s.db.Close() }

const bundleColumns = `bundle_id, sptid, bundle_hash, path, IFNULL(host,''), IFNULL(logs_processed,0),
	IFNULL(metrics_ingested,0), IFNULL(start_ts,0), IFNULL(end_ts,0), IFNULL(replaced_previous,0),
	IFNULL(reused,0), IFNULL(created_at,0), IFNULL(ingested,0), IFNULL(plugins,'')`

func scanRow(scanner interface{ Scan(...interface{}) error }) (*Row, error) {
	var r Row
	var replaced, reused, ingested int64
	err := scanner.Scan(&r.BundleID, &r.Sptid, &r.BundleHash, &r.Path, &r.Host, &r.LogsProcessed,
		&r.MetricsIngested, &r.StartTs, &r.EndTs, &replaced, &reused, &r.CreatedAt, &ingested, &r.Plugins)
	if err != nil {
		return nil, err
	}
	r.ReplacedPrevious = replaced != 0
	r.Reused = reused != 0
	r.Ingested = ingested != 0
	return &r, nil
}

// GetBundleByHash returns the bundle with the given (sptid, hash) or nil.
func (s *Store) GetBundleByHash(sptid, hash string) (*Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRow("SELECT "+bundleColumns+" FROM bundles WHERE sptid=? AND bundle_hash=?", sptid, hash)
	r, err := scanRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// Insert adds a catalog row; (sptid, bundle_hash) must be unique.
func (s *Store) Insert(r *Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO bundles (bundle_id, sptid, bundle_hash, path, host, logs_processed,
		metrics_ingested, start_ts, end_ts, replaced_previous, reused, created_at, ingested, plugins)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.BundleID, r.Sptid, r.BundleHash, r.Path, nullStr(r.Host), r.LogsProcessed,
		r.MetricsIngested, r.StartTs, r.EndTs, b2i(r.ReplacedPrevious), b2i(r.Reused),
		r.CreatedAt, b2i(r.Ingested), r.Plugins)
	if err != nil {
		return apperrors.StoreError("insert", "bundle insert failed").Wrap(err)
	}
	return nil
}

// UpdateIngestResult records final counts, time range and category set.
func (s *Store) UpdateIngestResult(bundleID string, logs, metricsIngested, startTs, endTs int64, plugins []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE bundles SET logs_processed=?, metrics_ingested=?, start_ts=?, end_ts=?,
		ingested=1, plugins=? WHERE bundle_id=?`,
		logs, metricsIngested, startTs, endTs, strings.Join(plugins, ","), bundleID)
	return err
}

// Get returns the bundle with the given id or nil.
func (s *Store) Get(bundleID string) (*Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRow("SELECT "+bundleColumns+" FROM bundles WHERE bundle_id=?", bundleID)
	r, err := scanRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// ListAll returns every bundle, newest first.
func (s *Store) ListAll() ([]*Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query("SELECT " + bundleColumns + " FROM bundles ORDER BY created_at DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Delete removes a bundle row. The active pointer is cleared by the caller
// (deletion never cascades to stored metric rows).
func (s *Store) Delete(bundleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec("DELETE FROM bundles WHERE bundle_id=?", bundleID)
	return err
}

// PurgeAll deletes every bundle row and nulls the active pointer. Returns
// the number of removed rows.
func (s *Store) PurgeAll() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec("DELETE FROM bundles")
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	s.db.Exec("UPDATE global_active SET bundle_id=NULL WHERE id=1")
	return n, nil
}

// SetGlobalActive points the single-row active pointer at bundleID.
func (s *Store) SetGlobalActive(bundleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UnixMilli()
	var id int
	err := s.db.QueryRow("SELECT id FROM global_active WHERE id=1").Scan(&id)
	if err == sql.ErrNoRows {
		_, err = s.db.Exec("INSERT INTO global_active(id, bundle_id, activated_at) VALUES(1,?,?)", bundleID, now)
		return err
	}
	if err != nil {
		return err
	}
	_, err = s.db.Exec("UPDATE global_active SET bundle_id=?, activated_at=? WHERE id=1", bundleID, now)
	return err
}

// GetGlobalActive returns the active bundle id or "" when none is set.
func (s *Store) GetGlobalActive() (string, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var bundleID sql.NullString
	var activatedAt sql.NullInt64
	err := s.db.QueryRow("SELECT bundle_id, activated_at FROM global_active WHERE id=1").Scan(&bundleID, &activatedAt)
	if err == sql.ErrNoRows {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, err
	}
	if !bundleID.Valid {
		return "", 0, nil
	}
	return bundleID.String, activatedAt.Int64, nil
}

// UnloadGlobalActive clears the pointer, returning the previous id ("" when
// none was active).
func (s *Store) UnloadGlobalActive() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var bundleID sql.NullString
	err := s.db.QueryRow("SELECT bundle_id FROM global_active WHERE id=1").Scan(&bundleID)
	if err == sql.ErrNoRows || (err == nil && !bundleID.Valid) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	_, err = s.db.Exec("UPDATE global_active SET bundle_id=NULL WHERE id=1")
	return bundleID.String, err
}

// PromoteRandomBundle picks any bundle when no active pointer is set and
// promotes it. Returns the promoted id or "".
func (s *Store) PromoteRandomBundle() (string, error) {
	active, _, err := s.GetGlobalActive()
	if err != nil {
		return "", err
	}
	if active != "" {
		return "", nil
	}
	s.mu.Lock()
	var bundleID string
	err = s.db.QueryRow("SELECT bundle_id FROM bundles ORDER BY RANDOM() LIMIT 1").Scan(&bundleID)
	s.mu.Unlock()
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if err := s.SetGlobalActive(bundleID); err != nil {
		return "", err
	}
	return bundleID, nil
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
