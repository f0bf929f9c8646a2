package bundle

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"

	"ptop-analyzer/internal/ingest"
	"ptop-analyzer/internal/metrics"
	"ptop-analyzer/internal/writer"
	apperrors "ptop-analyzer/pkg/errors"
)

var (
	tenantPattern     = regexp.MustCompile(`(?i)(NIOSSPT[-_]?\d+)`)
	tenantFullPattern = regexp.MustCompile(`(?i)^NIOSSPT[-_]?\d+$`)
	sbFilePattern     = regexp.MustCompile(`(?i)^sb-(\d{8})_(\d{4}).*\.tar\.gz$`)
	sbTrailingDate    = regexp.MustCompile(`(\d{4})-(\d{2})-(\d{2})-(\d{2})-(\d{2})-(\d{2})`)
)

// ManagerConfig wires the lifecycle manager.
type ManagerConfig struct {
	SupportBaseDir string
	TmpRoot        string
	MaxWorkers     int
}

// Manager drives load/unload of bundles against the catalog store and the
// analytical-store writer.
type Manager struct {
	store     *Store
	cfg       ManagerConfig
	newWriter func() *writer.Writer
	logger    *logrus.Logger
}

// NewManager creates a lifecycle manager. newWriter builds one writer per
// load so batch settings reset between bundles.
func NewManager(store *Store, cfg ManagerConfig, newWriter func() *writer.Writer, logger *logrus.Logger) *Manager {
	if cfg.TmpRoot == "" {
		cfg.TmpRoot = os.TempDir()
	}
	return &Manager{store: store, cfg: cfg, newWriter: newWriter, logger: logger}
}

// Store exposes the catalog for the tool surface.
func (m *Manager) Store() *Store { return m.store }

// LoadOptions are the load_bundle inputs.
type LoadOptions struct {
	Path       string
	Sptid      string
	Force      bool
	MaxFiles   int
	Categories []string
}

// LoadResult is the load_bundle output.
type LoadResult struct {
	BundleID         string    `json:"bundle_id"`
	Sptid            string    `json:"sptid"`
	LogsProcessed    int64     `json:"logs_processed"`
	MetricsIngested  int64     `json:"metrics_ingested"`
	TimeRange        TimeRange `json:"time_range"`
	Reused           bool      `json:"reused"`
	ReplacedPrevious bool      `json:"replaced_previous"`
	Warnings         []string  `json:"warnings"`
}

// TimeRange is the ingested sample window in epoch milliseconds.
type TimeRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Load ingests a bundle (archive or extracted directory) and makes it the
// globally active one.
func (m *Manager) Load(ctx context.Context, opts LoadOptions) (*LoadResult, error) {
	warnings := []string{}
	path := opts.Path
	sptid := opts.Sptid

	if path == "" && sptid != "" && tenantFullPattern.MatchString(sptid) {
		selected, err := m.autoSelectBundleTar(sptid)
		if err != nil {
			return nil, err
		}
		path = selected
	}
	if path == "" && sptid == "" {
		return nil, apperrors.InvalidInput("bundle", "load", "sptid or path required")
	}
	if sptid == "" && path != "" {
		deduced, resolved, w, err := deduceTenantAndPath(path)
		if err != nil {
			return nil, err
		}
		sptid = deduced
		path = resolved
		warnings = append(warnings, w...)
	}
	if path == "" || !exists(path) {
		return nil, apperrors.InvalidInput("bundle", "load", "path not found")
	}
	if sptid == "" {
		return nil, apperrors.InvalidInput("bundle", "load", "sptid deduction failed")
	}

	hash, err := FileBundleHash(path)
	if err != nil {
		return nil, apperrors.InvalidInput("bundle", "load", "path not hashable").Wrap(err)
	}
	existing, err := m.store.GetBundleByHash(sptid, hash)
	if err != nil {
		return nil, err
	}
	if existing != nil && !opts.Force {
		if err := m.store.SetGlobalActive(existing.BundleID); err != nil {
			return nil, err
		}
		metrics.BundlesLoaded.Inc()
		return &LoadResult{
			BundleID:        existing.BundleID,
			Sptid:           existing.Sptid,
			LogsProcessed:   existing.LogsProcessed,
			MetricsIngested: existing.MetricsIngested,
			TimeRange:       TimeRange{Start: existing.StartTs, End: existing.EndTs},
			Reused:          true,
			Warnings:        warnings,
		}, nil
	}
	replacedPrevious := false
	if existing != nil && opts.Force {
		if err := m.store.Delete(existing.BundleID); err != nil {
			return nil, err
		}
		replacedPrevious = true
	}

	now := time.Now().UnixMilli()
	bundleID := "b-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:10]
	if err := m.store.SetGlobalActive(bundleID); err != nil {
		return nil, err
	}
	row := &Row{
		BundleID:   bundleID,
		Sptid:      sptid,
		BundleHash: hash,
		Path:       path,
		StartTs:    now,
		EndTs:      now,
		CreatedAt:  now,
	}
	if err := m.store.Insert(row); err != nil {
		return nil, err
	}

	result := &LoadResult{
		BundleID:         bundleID,
		Sptid:            sptid,
		TimeRange:        TimeRange{Start: now, End: now},
		ReplacedPrevious: replacedPrevious,
	}

	categories := normalizeCategories(opts.Categories)
	extractDir, extractWarnings, err := Extract(path, m.cfg.TmpRoot, sptid, hash, opts.Force, false, m.logger)
	warnings = append(warnings, extractWarnings...)
	if err != nil {
		// Partial bundles still return success; the failure surfaces as a
		// warning so status endpoints keep working.
		m.logger.WithError(err).Warn("Bundle extraction failed")
		warnings = append(warnings, "ingest_failed:extract")
		result.Warnings = warnings
		return result, nil
	}

	maxFiles := opts.MaxFiles
	if maxFiles <= 0 {
		maxFiles = ingest.DefaultMaxFiles
	}
	selected, discoverWarnings := ingest.DiscoverLogs(extractDir, maxFiles)
	warnings = append(warnings, discoverWarnings...)

	w := m.newWriter()
	defer w.Close()
	ingestRes := ingest.Run(ctx, selected, ingest.Options{
		BundleID:          bundleID,
		BundleHash:        hash,
		Sptid:             sptid,
		AllowedCategories: categories,
		MaxWorkers:        m.cfg.MaxWorkers,
	}, w, m.logger)
	warnings = append(warnings, ingestRes.Warnings...)

	sort.Strings(categories)
	if err := m.store.UpdateIngestResult(bundleID, int64(ingestRes.FilesProcessed), ingestRes.MetricsIngested,
		ingestRes.StartTsMs, ingestRes.EndTsMs, categories); err != nil {
		m.logger.WithError(err).Warn("Bundle row update failed")
		warnings = append(warnings, "ingest_failed:catalog_update")
	}

	metrics.BundlesLoaded.Inc()
	result.LogsProcessed = int64(ingestRes.FilesProcessed)
	result.MetricsIngested = ingestRes.MetricsIngested
	result.TimeRange = TimeRange{Start: ingestRes.StartTsMs, End: ingestRes.EndTsMs}
	result.Warnings = warnings
	return result, nil
}

// UnloadResult is the unload_bundle output.
type UnloadResult struct {
	BundleID         string `json:"bundle_id,omitempty"`
	Path             string `json:"path,omitempty"`
	Unloaded         bool   `json:"unloaded"`
	Purged           bool   `json:"purged"`
	ActiveCleared    bool   `json:"active_cleared"`
	PromotedBundleID string `json:"promoted_bundle_id,omitempty"`
	PurgedAll        bool   `json:"purged_all,omitempty"`
	Removed          int64  `json:"removed,omitempty"`
}

// Unload removes one bundle (the active one when no id is given) or purges
// the whole catalog. Extraction directories are removed best-effort; after
// clearing the active pointer another bundle is promoted at random.
func (m *Manager) Unload(bundleID string, purgeAll bool) (*UnloadResult, error) {
	if purgeAll {
		removed, err := m.store.PurgeAll()
		if err != nil {
			return nil, err
		}
		return &UnloadResult{PurgedAll: true, Removed: removed, ActiveCleared: true}, nil
	}
	if bundleID == "" {
		active, _, err := m.store.GetGlobalActive()
		if err != nil {
			return nil, err
		}
		if active == "" {
			return &UnloadResult{}, nil
		}
		bundleID = active
	}
	row, err := m.store.Get(bundleID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, apperrors.NotFound("bundle", "unload", "bundle not found")
	}

	purged := false
	if row.BundleHash != "" {
		extractDir := filepath.Join(m.cfg.TmpRoot, row.Sptid, shortHash(row.BundleHash))
		if isDir(extractDir) {
			if err := os.RemoveAll(extractDir); err == nil {
				purged = true
			}
		}
	}
	if err := m.store.Delete(bundleID); err != nil {
		return nil, err
	}

	active, _, err := m.store.GetGlobalActive()
	if err != nil {
		return nil, err
	}
	res := &UnloadResult{BundleID: bundleID, Path: row.Path, Unloaded: true, Purged: purged}
	if active == bundleID {
		res.ActiveCleared = true
		if _, err := m.store.UnloadGlobalActive(); err != nil {
			return nil, err
		}
		promoted, err := m.store.PromoteRandomBundle()
		if err != nil {
			return nil, err
		}
		res.PromotedBundleID = promoted
	}
	return res, nil
}

// ActiveContext is the active_context output.
type ActiveContext struct {
	BundleID        string     `json:"bundle_id,omitempty"`
	Path            string     `json:"path,omitempty"`
	TimeRange       *TimeRange `json:"time_range,omitempty"`
	MetricsIngested int64      `json:"metrics_ingested"`
	Sptid           string     `json:"sptid,omitempty"`
}

// Active returns the globally active bundle summary (empty struct when none
// is active or the pointer is stale).
func (m *Manager) Active() (*ActiveContext, error) {
	active, _, err := m.store.GetGlobalActive()
	if err != nil {
		return nil, err
	}
	if active == "" {
		return &ActiveContext{}, nil
	}
	row, err := m.store.Get(active)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return &ActiveContext{BundleID: active}, nil
	}
	abs, err := filepath.Abs(row.Path)
	if err != nil {
		abs = row.Path
	}
	return &ActiveContext{
		BundleID:        row.BundleID,
		Path:            abs,
		TimeRange:       &TimeRange{Start: row.StartTs, End: row.EndTs},
		MetricsIngested: row.MetricsIngested,
		Sptid:           row.Sptid,
	}, nil
}

// autoSelectBundleTar picks the newest sb-*.tar.gz under the tenant's
// support directory. Selection order: embedded sb-YYYYMMDD_HHMM, then a
// trailing YYYY-MM-DD-HH-MM-SS, else file mtime.
func (m *Manager) autoSelectBundleTar(sptid string) (string, error) {
	tenantDir := filepath.Join(m.cfg.SupportBaseDir, sptid)
	entries, err := os.ReadDir(tenantDir)
	if err != nil {
		return "", apperrors.NotFound("bundle", "auto_select", "tenant directory not found").WithMetadata("dir", tenantDir)
	}
	type candidate struct {
		score int64
		path  string
	}
	var candidates []candidate
	for _, e := range entries {
		name := e.Name()
		lower := strings.ToLower(name)
		if !strings.HasSuffix(lower, ".tar.gz") {
			continue
		}
		if !strings.HasPrefix(lower, "sb-") && !strings.HasPrefix(lower, "sb_") {
			continue
		}
		full := filepath.Join(tenantDir, name)
		score := mtimeUnix(full)
		if m := sbFilePattern.FindStringSubmatch(name); m != nil {
			if dt, err := time.ParseInLocation("200601021504", m[1]+m[2], time.UTC); err == nil {
				score = dt.Unix()
			}
		} else if m := sbTrailingDate.FindStringSubmatch(name); m != nil {
			if dt, err := time.ParseInLocation("2006-01-02-15-04-05", strings.Join(m[1:], "-"), time.UTC); err == nil {
				score = dt.Unix()
			}
		}
		candidates = append(candidates, candidate{score: score, path: full})
	}
	if len(candidates) == 0 {
		return "", apperrors.NotFound("bundle", "auto_select", "no support bundles (sb-*.tar.gz) found for tenant")
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	return candidates[0].path, nil
}

// deduceTenantAndPath derives the tenant tag from the path when the caller
// omitted it. Heuristics walk ancestors first, then directory/file names,
// then tar members; the last resort is a hash-derived anonymous id. Every
// fallback adds a warning.
func deduceTenantAndPath(path string) (string, string, []string, error) {
	var warnings []string
	original := path
	if !exists(path) {
		return "", "", nil, apperrors.InvalidInput("bundle", "deduce_tenant", "path not found")
	}
	hashID := func(p string) string {
		sum := sha256.Sum256([]byte(p))
		return "anon-" + hex.EncodeToString(sum[:])[:12]
	}
	// Ancestor scan for a tenant pattern (limited upward traversal).
	cur, err := filepath.Abs(path)
	if err == nil {
		for i := 0; i < 6; i++ {
			if m := tenantPattern.FindStringSubmatch(filepath.Base(cur)); m != nil {
				return strings.ToUpper(m[1]), path, warnings, nil
			}
			parent := filepath.Dir(cur)
			if parent == cur {
				break
			}
			cur = parent
		}
	}
	if st, err := os.Stat(path); err == nil && st.IsDir() {
		base := filepath.Base(filepath.Clean(path))
		if m := tenantPattern.FindStringSubmatch(base); m != nil {
			return strings.ToUpper(m[1]), path, warnings, nil
		}
		entries, err := os.ReadDir(path)
		if err != nil || len(entries) == 0 {
			warnings = append(warnings, "empty_directory_no_children")
			return hashID(path), path, warnings, nil
		}
		// choose the newest child (dir or archive)
		type child struct {
			mtime int64
			path  string
			isDir bool
		}
		var children []child
		for _, e := range entries {
			full := filepath.Join(path, e.Name())
			children = append(children, child{mtime: mtimeUnix(full), path: full, isDir: e.IsDir()})
		}
		sort.Slice(children, func(i, j int) bool { return children[i].mtime > children[j].mtime })
		chosen := children[0]
		if chosen.isDir {
			if m := tenantPattern.FindStringSubmatch(filepath.Base(chosen.path)); m != nil {
				return strings.ToUpper(m[1]), chosen.path, warnings, nil
			}
			warnings = append(warnings, "no_tenant_pattern_in_latest_dir")
			return hashID(chosen.path), chosen.path, warnings, nil
		}
		path = chosen.path
	}
	fname := filepath.Base(path)
	if m := tenantPattern.FindStringSubmatch(fname); m != nil {
		return strings.ToUpper(m[1]), path, warnings, nil
	}
	if isArchivePath(path) {
		tenant, found, scanErr := scanTarForTenant(path)
		if found {
			return tenant, path, warnings, nil
		}
		if scanErr {
			warnings = append(warnings, "tar_scan_failed")
		}
	}
	warnings = append(warnings, "tenant_id_deduced_fallback_hash")
	return hashID(original), path, warnings, nil
}

// scanTarForTenant looks for the tenant pattern in archive member names.
func scanTarForTenant(path string) (tenant string, found bool, scanErr bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", false, true
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return "", false, true
	}
	defer gz.Close()
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return "", false, false
		}
		if err != nil {
			return "", false, true
		}
		if m := tenantPattern.FindStringSubmatch(hdr.Name); m != nil {
			return strings.ToUpper(m[1]), true, false
		}
	}
}

func normalizeCategories(categories []string) []string {
	set := map[string]struct{}{}
	for _, c := range categories {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c != "" {
			set[c] = struct{}{}
		}
	}
	if len(set) == 0 {
		// Default allowlist keeps initial loads cheap.
		return []string{"CPU"}
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func mtimeUnix(path string) int64 {
	st, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return st.ModTime().Unix()
}
