// Package app HTTP handlers for the tool surface.
package app

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"

	"ptop-analyzer/internal/bundle"
	"ptop-analyzer/internal/catalog"
	"ptop-analyzer/internal/export"
	"ptop-analyzer/internal/gateway"
	"ptop-analyzer/internal/metrics"
	apperrors "ptop-analyzer/pkg/errors"
)

// metricsMiddleware records response time for all endpoints.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		metrics.ResponseTimeSeconds.WithLabelValues(r.URL.Path, r.Method).Observe(time.Since(start).Seconds())
	})
}

func (a *App) registerHandlers(router *mux.Router) {
	wrap := func(h http.HandlerFunc) http.Handler { return metricsMiddleware(h) }

	router.Handle("/health", wrap(a.healthHandler)).Methods("GET")
	router.Handle("/stats", wrap(a.statsHandler)).Methods("GET")

	router.Handle("/tools/workflow_help", wrap(a.workflowHelpHandler)).Methods("GET")
	router.Handle("/tools/load_bundle", wrap(a.loadBundleHandler)).Methods("POST")
	router.Handle("/tools/active_context", wrap(a.activeContextHandler)).Methods("GET")
	router.Handle("/tools/list_bundles", wrap(a.listBundlesHandler)).Methods("GET")
	router.Handle("/tools/unload_bundle", wrap(a.unloadBundleHandler)).Methods("POST")
	router.Handle("/tools/ingest_status", wrap(a.ingestStatusHandler)).Methods("GET")
	router.Handle("/tools/ingest_stats", wrap(a.ingestStatsHandler)).Methods("GET")
	router.Handle("/tools/metric_discover", wrap(a.metricDiscoverHandler)).Methods("POST")
	router.Handle("/tools/metric_schema", wrap(a.metricSchemaHandler)).Methods("POST")
	router.Handle("/tools/metric_search", wrap(a.metricSearchHandler)).Methods("POST")
	router.Handle("/tools/fastpath_architecture", wrap(a.fastpathArchitectureHandler)).Methods("GET")
	router.Handle("/tools/timescale_sql", wrap(a.timescaleSQLHandler)).Methods("POST")
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// writeToolError maps typed app errors to the tool-surface error shape.
// Input-shape and not-found conditions are the only caller-visible failures.
func writeToolError(w http.ResponseWriter, err error) {
	if ae, ok := apperrors.AsAppError(err); ok {
		status := http.StatusInternalServerError
		switch ae.Code {
		case apperrors.CodeInvalidInput:
			status = http.StatusBadRequest
		case apperrors.CodeNotFound:
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]interface{}{"error": ae.Code, "detail": ae.Message})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "internal", "detail": err.Error()})
}

func (a *App) workflowHelpHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"prompt":      workflowPrompt,
		"recommended": true,
		"note":        "This workflow is recommended but not mandatory; tools may be invoked in any order as needed.",
	})
}

func (a *App) loadBundleHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path       string   `json:"path"`
		TenantID   string   `json:"tenant_id"`
		Force      bool     `json:"force"`
		MaxFiles   int      `json:"max_files"`
		Categories []string `json:"categories"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	ctx, endSpan := a.tracer.StartSpan(r.Context(), "load_bundle",
		attribute.String("path", req.Path), attribute.String("sptid", req.TenantID))
	defer endSpan()

	result, err := a.manager.Load(ctx, bundle.LoadOptions{
		Path:       req.Path,
		Sptid:      req.TenantID,
		Force:      req.Force,
		MaxFiles:   req.MaxFiles,
		Categories: req.Categories,
	})
	if err != nil {
		writeToolError(w, err)
		return
	}
	if a.exporter != nil && !result.Reused {
		a.exporter.Publish(export.Summary{
			BundleID:        result.BundleID,
			Sptid:           result.Sptid,
			LogsProcessed:   result.LogsProcessed,
			MetricsIngested: result.MetricsIngested,
			StartTsMs:       result.TimeRange.Start,
			EndTsMs:         result.TimeRange.End,
			Categories:      req.Categories,
		})
	}
	payload := map[string]interface{}{
		"bundle_id":         result.BundleID,
		"sptid":             result.Sptid,
		"logs_processed":    result.LogsProcessed,
		"metrics_ingested":  result.MetricsIngested,
		"time_range":        map[string]int64{"start": result.TimeRange.Start, "end": result.TimeRange.End},
		"reused":            result.Reused,
		"replaced_previous": result.ReplacedPrevious,
		"warnings":          result.Warnings,
		"workflow_prompt":   workflowPrompt,
		"workflow_version":  workflowVersion,
	}
	writeJSON(w, http.StatusOK, payload)
}

func (a *App) activeContextHandler(w http.ResponseWriter, r *http.Request) {
	active, err := a.manager.Active()
	if err != nil {
		writeToolError(w, err)
		return
	}
	payload := map[string]interface{}{
		"bundle_id":        nilIfEmpty(active.BundleID),
		"path":             nilIfEmpty(active.Path),
		"time_range":       nil,
		"metrics_ingested": active.MetricsIngested,
		"sptid":            nilIfEmpty(active.Sptid),
	}
	if active.TimeRange != nil {
		payload["time_range"] = map[string]int64{"start_ms": active.TimeRange.Start, "end_ms": active.TimeRange.End}
	}
	writeJSON(w, http.StatusOK, payload)
}

func (a *App) listBundlesHandler(w http.ResponseWriter, r *http.Request) {
	rows, err := a.store.ListAll()
	if err != nil {
		writeToolError(w, err)
		return
	}
	activeID, _, _ := a.store.GetGlobalActive()
	out := make([]map[string]interface{}, 0, len(rows))
	for _, row := range rows {
		out = append(out, map[string]interface{}{
			"bundle_id":      row.BundleID,
			"sptid":          row.Sptid,
			"path":           row.Path,
			"created_at":     row.CreatedAt,
			"active":         row.BundleID == activeID,
			"logs_processed": row.LogsProcessed,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *App) unloadBundleHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BundleID string `json:"bundle_id"`
		PurgeAll bool   `json:"purge_all"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	result, err := a.manager.Unload(req.BundleID, req.PurgeAll)
	if err != nil {
		writeToolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// collectIngestStats gathers writer counters plus a row-count probe for the active
// bundle when the store is reachable.
func (a *App) collectIngestStats() map[string]interface{} {
	stats := map[string]interface{}{"enabled": true, "initialized": a.lastWriter != nil}
	if a.lastWriter == nil {
		return stats
	}
	ws := a.lastWriter.Stats()
	b, _ := json.Marshal(ws)
	json.Unmarshal(b, &stats)
	stats["enabled"] = true
	stats["initialized"] = true
	activeID, _, _ := a.store.GetGlobalActive()
	stats["active_bundle_id"] = nilIfEmpty(activeID)
	if a.gatewayDB != nil && activeID != "" {
		var count int64
		err := a.gatewayDB.QueryRow("SELECT count(*) FROM ptops_cpu WHERE bundle_id=$1", activeID).Scan(&count)
		if err == nil {
			stats["timescale_rows_current_bundle"] = count
		} else {
			stats["timescale_rows_current_bundle"] = "error:query_failed"
		}
	}
	return stats
}

func (a *App) ingestStatusHandler(w http.ResponseWriter, r *http.Request) {
	notes := []string{}
	if a.watcher != nil {
		for _, p := range a.watcher.RecentArrivals() {
			notes = append(notes, "new_archive:"+p)
		}
	}
	payload := map[string]interface{}{
		"state":     "idle",
		"bundle_id": nil,
		"summary":   nil,
		"stats":     a.collectIngestStats(),
		"notes":     notes,
	}
	activeID, _, err := a.store.GetGlobalActive()
	if err != nil || activeID == "" {
		writeJSON(w, http.StatusOK, payload)
		return
	}
	payload["bundle_id"] = activeID
	row, err := a.store.Get(activeID)
	if err != nil || row == nil {
		writeJSON(w, http.StatusOK, payload)
		return
	}
	payload["summary"] = map[string]interface{}{
		"bundle_id":        row.BundleID,
		"sptid":            row.Sptid,
		"logs_processed":   row.LogsProcessed,
		"metrics_ingested": row.MetricsIngested,
		"time_range":       map[string]int64{"start": row.StartTs, "end": row.EndTs},
		"reused":           row.Reused,
		"warnings":         []string{},
	}
	writeJSON(w, http.StatusOK, payload)
}

// ingestStatsHandler is the deprecated wrapper kept for legacy clients.
func (a *App) ingestStatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := a.collectIngestStats()
	stats["deprecated"] = true
	stats["use"] = "ingest_status.stats"
	writeJSON(w, http.StatusOK, stats)
}

func (a *App) metricDiscoverHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
		TopK  int    `json:"top_k"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	if req.TopK <= 0 {
		req.TopK = 3
	}
	writeJSON(w, http.StatusOK, catalog.Discover(req.Query, req.TopK))
}

func (a *App) metricSchemaHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MetricName string `json:"metric_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	result, ok := catalog.MetricSchema(req.MetricName)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{"error": "metric_not_found", "metric_name": req.MetricName})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *App) metricSearchHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query    string `json:"query"`
		TopK     int    `json:"top_k"`
		Semantic *bool  `json:"semantic"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	if req.TopK <= 0 {
		req.TopK = 5
	}
	semantic := true
	if req.Semantic != nil {
		semantic = *req.Semantic
	}
	writeJSON(w, http.StatusOK, a.embeddings.MetricSearch(req.Query, req.TopK, semantic))
}

func (a *App) fastpathArchitectureHandler(w http.ResponseWriter, r *http.Request) {
	doc := a.embeddings.GetDoc("concept:fastpath_architecture")
	if doc == nil {
		writeJSON(w, http.StatusOK, map[string]string{"error": "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":       doc.ID,
		"level":    doc.Level,
		"text":     doc.Text,
		"metadata": doc.Metadata,
	})
}

func (a *App) timescaleSQLHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SQL     string `json:"sql"`
		MaxRows int    `json:"max_rows"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	if req.MaxRows <= 0 {
		req.MaxRows = gateway.DefaultMaxRows
	}
	result, qerr := a.gateway.Query(req.SQL, req.MaxRows)
	if qerr != nil {
		writeJSON(w, http.StatusOK, qerr)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"version":   a.cfg.App.Version,
		"uptime":    time.Since(a.startTime).String(),
		"checks": map[string]interface{}{
			"memory": map[string]interface{}{
				"alloc_mb":   memStats.Alloc / 1024 / 1024,
				"goroutines": runtime.NumGoroutine(),
			},
			"catalog":       a.embeddings.Status(),
			"timescale":     a.gatewayDB != nil,
			"exporter":      a.exporter != nil,
			"support_watch": a.watcher != nil,
		},
	}
	writeJSON(w, http.StatusOK, health)
}

func (a *App) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"application": map[string]interface{}{
			"name":       a.cfg.App.Name,
			"version":    a.cfg.App.Version,
			"uptime":     time.Since(a.startTime).String(),
			"goroutines": runtime.NumGoroutine(),
			"timestamp":  time.Now().Unix(),
		},
		"ingest": a.collectIngestStats(),
	}
	if bundles, err := a.store.ListAll(); err == nil {
		stats["bundles"] = len(bundles)
	}
	writeJSON(w, http.StatusOK, stats)
}

func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
