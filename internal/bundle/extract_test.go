package bundle

import (
	"archive/tar"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeArchive builds a tar.gz with the given member name -> content map.
func writeArchive(t *testing.T, path string, members map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for name, content := range members {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
}

func TestExtractArchive(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "sb-20240101_1200.tar.gz")
	writeArchive(t, archive, map[string]string{
		"var/log/ptop-20240101_1200.log": "TIME 1 1700000000\n",
		"etc/version":                    "9.0\n",
	})

	dest, warnings, err := Extract(archive, dir, "NIOSSPT-1", "abcdef0123456789", false, false, testLogger())
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, filepath.Join(dir, "NIOSSPT-1", "abcdef012345"), dest)
	assert.FileExists(t, filepath.Join(dest, "var", "log", "ptop-20240101_1200.log"))
	assert.FileExists(t, filepath.Join(dest, "etc", "version"))
}

func TestExtractSkipsUnsafeMembers(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.tar.gz")
	writeArchive(t, archive, map[string]string{
		"var/log/ok.txt":      "fine\n",
		"../escape.txt":       "bad\n",
		"/abs/path.txt":       "bad\n",
		"nested/../../up.txt": "bad\n",
	})

	dest, _, err := Extract(archive, dir, "NIOSSPT-1", "feedfacefeedface", false, false, testLogger())
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dest, "var", "log", "ok.txt"))
	assert.NoFileExists(t, filepath.Join(dir, "escape.txt"))
	assert.NoFileExists(t, filepath.Join(dir, "up.txt"))
	assert.NoFileExists(t, "/abs/path.txt")
	// Nothing outside the destination was written.
	assert.NoFileExists(t, filepath.Join(dest, "..", "escape.txt"))
}

func TestExtractDirectoryUsedInPlace(t *testing.T) {
	dir := t.TempDir()
	dest, warnings, err := Extract(dir, t.TempDir(), "NIOSSPT-1", "hash", false, false, testLogger())
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, dir, dest)
	assert.DirExists(t, filepath.Join(dir, "var", "log"))
}

func TestSafeMemberName(t *testing.T) {
	assert.True(t, safeMemberName("var/log/x.log"))
	assert.False(t, safeMemberName("/etc/passwd"))
	assert.False(t, safeMemberName("../x"))
	assert.False(t, safeMemberName("a/../../b"))
	assert.True(t, safeMemberName("a/..b/c"))
}
