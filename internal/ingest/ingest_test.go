package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"ptop-analyzer/internal/writer"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func writeLogFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func makeBundleDir(t *testing.T, names ...string) string {
	t.Helper()
	root := t.TempDir()
	logDir := filepath.Join(root, "var", "log")
	require.NoError(t, os.MkdirAll(logDir, 0o755))
	for _, name := range names {
		writeLogFile(t, logDir, name,
			"TIME 100.0 1700000000 2024-01-01 12:00:00\n"+
				"IDENT host h1 host_id x ver 1.2\n"+
				"CPU cpu0 u 42.5 id/io 50.0 2.0 u/s/n 30.0 10.0 0.5 irq h/s 0.1 0.1\n")
	}
	return root
}

func TestDiscoverLogsOrderingAndClamp(t *testing.T) {
	root := makeBundleDir(t,
		"ptop-20240101_0100.log",
		"ptop-20240102_0100.log",
		"ptop-20240103_0100.log",
		"ptop-20240104_0100.log",
	)
	selected, warnings := DiscoverLogs(root, 2)
	require.Len(t, selected, 2)
	// The two newest, returned chronologically.
	assert.Contains(t, selected[0], "ptop-20240103_0100.log")
	assert.Contains(t, selected[1], "ptop-20240104_0100.log")
	assert.Contains(t, warnings, "max_files_truncated")
	assert.Contains(t, warnings, "selected_2_of_4_candidates_requested_2")
}

func TestDiscoverLogsClampMin(t *testing.T) {
	root := makeBundleDir(t, "ptop-20240101_0100.log")
	selected, warnings := DiscoverLogs(root, 0)
	require.Len(t, selected, 1)
	assert.Contains(t, warnings, "max_files_clamped_min1")
}

func TestDiscoverLogsMissingDir(t *testing.T) {
	selected, warnings := DiscoverLogs(t.TempDir(), 3)
	assert.Empty(t, selected)
	assert.Contains(t, warnings, "log_dir_missing")
}

func TestDiscoverLogsIgnoresForeignFiles(t *testing.T) {
	root := makeBundleDir(t, "ptop-20240101_0100.log")
	writeLogFile(t, filepath.Join(root, "var", "log"), "messages", "noise\n")
	writeLogFile(t, filepath.Join(root, "var", "log"), "ptop-badname.log", "noise\n")
	selected, _ := DiscoverLogs(root, 10)
	require.Len(t, selected, 1)
}

func TestRunIngestsAllFiles(t *testing.T) {
	defer goleak.VerifyNone(t)
	root := makeBundleDir(t,
		"ptop-20240101_0100.log",
		"ptop-20240102_0100.log",
		"ptop-20240103_0100.log",
	)
	selected, _ := DiscoverLogs(root, 10)
	require.Len(t, selected, 3)

	w := writer.New(writer.Config{BatchSize: 100}, testLogger())
	defer w.Close()
	res := Run(context.Background(), selected, Options{
		BundleID:          "b-test",
		BundleHash:        "hash",
		Sptid:             "NIOSSPT-1",
		AllowedCategories: []string{"CPU"},
	}, w, testLogger())

	assert.Equal(t, 3, res.FilesProcessed)
	// 9 samples per file (8 cpu metrics + alias).
	assert.Equal(t, int64(27), res.MetricsIngested)
	assert.Equal(t, int64(1700000000000), res.StartTsMs)
	assert.Equal(t, int64(1700000000000), res.EndTsMs)
	// All three files share one logical row key (same ts/labels), so the
	// writer coalesces into a single row.
	assert.Equal(t, int64(1), w.Stats().RowsAdded)
}

func TestRunMissingFileWarns(t *testing.T) {
	w := writer.New(writer.Config{BatchSize: 100}, testLogger())
	defer w.Close()
	res := Run(context.Background(), []string{"/nonexistent/ptop-20240101_0100.log"}, Options{
		BundleID: "b-test",
	}, w, testLogger())
	assert.Equal(t, 0, res.FilesProcessed)
	assert.Equal(t, int64(0), res.MetricsIngested)
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[0], "file_missing")
	// Timestamps default to "now" when nothing was seen.
	assert.NotZero(t, res.StartTsMs)
	assert.NotZero(t, res.EndTsMs)
}

func TestRunEmptyFileList(t *testing.T) {
	w := writer.New(writer.Config{BatchSize: 100}, testLogger())
	defer w.Close()
	res := Run(context.Background(), nil, Options{BundleID: "b-test"}, w, testLogger())
	assert.Equal(t, 0, res.FilesProcessed)
	assert.NotZero(t, res.StartTsMs)
}
