// Package metrics exposes the Prometheus instrumentation shared by the
// ingestion pipeline and the tool surface.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"
)

var (
	// Writer instrumentation (spec counters).
	WriterRowsAdded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ptops_writer_rows_added_total",
		Help: "Logical wide rows created by the writer",
	})
	WriterRowsFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ptops_writer_rows_flushed_total",
		Help: "Logical wide rows flushed to the analytical store",
	})
	WriterFlushes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ptops_writer_flushes_total",
		Help: "Writer flush cycles",
	})
	WriterFlushSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ptops_writer_flush_duration_seconds",
		Help:    "Duration of writer flush cycles",
		Buckets: prometheus.DefBuckets,
	})
	WriterAdaptiveUpscales = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ptops_writer_adaptive_upscales_total",
		Help: "Adaptive batch size doublings",
	})

	// Ingestion instrumentation.
	SamplesParsed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ptops_samples_parsed_total",
		Help: "Metric samples produced by the parser",
	}, []string{"category"})
	FilesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ptops_log_files_processed_total",
		Help: "ptop log files fully parsed",
	})
	BundlesLoaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ptops_bundles_loaded_total",
		Help: "Bundles loaded (including reused)",
	})

	// Tool surface instrumentation.
	ResponseTimeSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ptops_http_response_seconds",
		Help:    "HTTP handler response time",
		Buckets: prometheus.DefBuckets,
	}, []string{"path", "method"})

	// Process resource gauges, sampled by the resource collector.
	ProcessMemoryBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ptops_process_memory_rss_bytes",
		Help: "Resident memory of this process",
	})
	ProcessCPUPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ptops_process_cpu_percent",
		Help: "CPU percent of this process",
	})
	HostMemoryUsedPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ptops_host_memory_used_percent",
		Help: "Host memory used percent",
	})
)

// Server serves the /metrics endpoint and runs the resource sampler.
type Server struct {
	srv    *http.Server
	logger *logrus.Logger
	cancel context.CancelFunc
}

// NewServer creates a metrics server on the given port.
func NewServer(port int, path string, logger *logrus.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())
	return &Server{
		srv:    &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux},
		logger: logger,
	}
}

// Start launches the HTTP listener and the resource sampler.
func (s *Server) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("Metrics server failed")
		}
	}()
	go s.sampleResources(ctx)
	s.logger.WithField("addr", s.srv.Addr).Info("Metrics server started")
}

// Stop shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	return s.srv.Shutdown(ctx)
}

// sampleResources updates process/host gauges every 30s via gopsutil.
func (s *Server) sampleResources(ctx context.Context) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		s.logger.WithError(err).Debug("Resource sampler disabled")
		return
	}
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if mi, err := proc.MemoryInfo(); err == nil && mi != nil {
				ProcessMemoryBytes.Set(float64(mi.RSS))
			}
			if cp, err := proc.CPUPercent(); err == nil {
				ProcessCPUPercent.Set(cp)
			}
			if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
				HostMemoryUsedPercent.Set(vm.UsedPercent)
			}
		case <-ctx.Done():
			return
		}
	}
}
