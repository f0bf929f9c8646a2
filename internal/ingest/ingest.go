// Package ingest drives the parser across a bundle's log files concurrently
// and funnels every sample through a single mutex-guarded writer.
package ingest

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"ptop-analyzer/internal/metrics"
	"ptop-analyzer/internal/parser"
	"ptop-analyzer/internal/writer"
	"ptop-analyzer/pkg/workerpool"
)

// workerBatchSize bounds the worker-local sample batch drained per lock
// acquisition; small batches keep writer lock hold times short.
const workerBatchSize = 500

// Options parameterize one ingestion run.
type Options struct {
	BundleID          string
	BundleHash        string
	Sptid             string
	Host              string
	AllowedCategories []string
	MaxWorkers        int
}

// Result aggregates counts and the observed time range.
type Result struct {
	MetricsIngested int64
	FilesProcessed  int
	StartTsMs       int64
	EndTsMs         int64
	Warnings        []string
}

// Run parses every file on a fixed-size worker pool and writes samples to w.
// Missing files contribute zero and a warning; a file whose read fails
// part-way keeps the samples parsed before the failure and adds a warning.
// Run reports no error: the writer logs flush failures itself.
func Run(ctx context.Context, files []string, opts Options, w *writer.Writer, logger *logrus.Logger) Result {
	now := time.Now().UnixMilli()
	if len(files) == 0 {
		return Result{StartTsMs: now, EndTsMs: now}
	}

	workers := opts.MaxWorkers
	if workers <= 0 {
		workers = 4
	}
	if len(files) < workers {
		workers = len(files)
	}
	if n := runtime.NumCPU(); n < workers {
		workers = n
	}

	globalLabels := map[string]string{
		"bundle_id":   opts.BundleID,
		"bundle_hash": opts.BundleHash,
		"source":      "ptops",
	}
	if opts.Sptid != "" {
		globalLabels["sptid"] = opts.Sptid
	}
	if opts.Host != "" {
		globalLabels["host"] = opts.Host
	}

	var (
		writerMu sync.Mutex
		resultMu sync.Mutex
		res      Result
	)

	pool := workerpool.New(workerpool.Config{MaxWorkers: workers, QueueSize: len(files)}, logger)
	pool.Start()
	defer pool.Stop()

	for _, path := range files {
		if ctx.Err() != nil {
			logger.Warn("Ingestion cancelled before all files were submitted")
			break
		}
		path := path
		task := workerpool.Task{
			ID: path,
			Execute: func(ctx context.Context) error {
				fileMetrics, startTs, endTs, processed, warns := ingestFile(path, opts.AllowedCategories, globalLabels, w, &writerMu, logger)
				resultMu.Lock()
				res.MetricsIngested += fileMetrics
				if processed {
					res.FilesProcessed++
				}
				res.Warnings = append(res.Warnings, warns...)
				if startTs != 0 && (res.StartTsMs == 0 || startTs < res.StartTsMs) {
					res.StartTsMs = startTs
				}
				if endTs != 0 && (res.EndTsMs == 0 || endTs > res.EndTsMs) {
					res.EndTsMs = endTs
				}
				resultMu.Unlock()
				return nil
			},
		}
		if err := pool.Submit(task); err != nil {
			logger.WithError(err).WithField("path", path).Warn("Could not submit ingest task")
		}
	}
	pool.Wait()

	writerMu.Lock()
	w.Flush()
	writerMu.Unlock()

	if res.StartTsMs == 0 {
		res.StartTsMs = now
	}
	if res.EndTsMs == 0 {
		res.EndTsMs = now
	}

	logger.WithFields(logrus.Fields{
		"bundle_id": opts.BundleID,
		"files":     res.FilesProcessed,
		"metrics":   res.MetricsIngested,
		"workers":   workers,
		"start_ms":  res.StartTsMs,
		"end_ms":    res.EndTsMs,
	}).Info("Bundle ingestion finished")
	return res
}

// ingestFile parses one log file, batching samples locally before draining
// them into the shared writer under the mutex.
func ingestFile(path string, categories []string, globalLabels map[string]string, w *writer.Writer, writerMu *sync.Mutex, logger *logrus.Logger) (int64, int64, int64, bool, []string) {
	var warnings []string
	info, err := os.Stat(path)
	if err != nil {
		logger.WithField("path", path).Warn("Log file missing, skipped")
		return 0, 0, 0, false, []string{"file_missing:" + path}
	}
	logger.WithFields(logrus.Fields{
		"path": path,
		"size": humanize.Bytes(uint64(info.Size())),
	}).Debug("Parsing ptop log")

	var (
		count   int64
		startTs int64
		endTs   int64
		batch   []parser.MetricSample
	)
	drain := func() {
		if len(batch) == 0 {
			return
		}
		writerMu.Lock()
		for _, s := range batch {
			w.Add(s)
		}
		writerMu.Unlock()
		batch = batch[:0]
	}

	p := parser.New(path, categories, logger)
	err = p.EachSample(func(s parser.MetricSample) {
		for k, v := range globalLabels {
			s.Labels[k] = v
		}
		count++
		metrics.SamplesParsed.WithLabelValues(s.Labels["metric_category"]).Inc()
		if startTs == 0 || s.TsMs < startTs {
			startTs = s.TsMs
		}
		if s.TsMs > endTs {
			endTs = s.TsMs
		}
		batch = append(batch, s)
		if len(batch) >= workerBatchSize {
			drain()
		}
	})
	drain()
	if err != nil {
		logger.WithError(err).WithField("path", path).Warn("Log file parse aborted")
		warnings = append(warnings, "processing_error:"+path)
	}
	metrics.FilesProcessed.Inc()
	if count == 0 {
		warnings = append(warnings, "no_metrics_in_file:"+path)
	}
	return count, startTs, endTs, true, warnings
}
