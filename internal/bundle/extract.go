package bundle

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"

	apperrors "ptop-analyzer/pkg/errors"
)

// isArchivePath reports whether path looks like a gzip-compressed tar.
func isArchivePath(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".tar.gz") || strings.HasSuffix(lower, ".tgz")
}

// Extract unpacks an archive into <tmpRoot>/<sptid>/<hash[:12]>, or uses a
// directory input in place (ensuring var/log exists). Members with absolute
// paths or ".." segments are skipped silently.
func Extract(path, tmpRoot, sptid, bundleHash string, force, reused bool, logger *logrus.Logger) (string, []string, error) {
	var warnings []string
	if st, err := os.Stat(path); err == nil && st.IsDir() && !isArchivePath(path) {
		logDir := filepath.Join(path, "var", "log")
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			warnings = append(warnings, "log_dir_create_failed")
		}
		return path, warnings, nil
	}

	dest := filepath.Join(tmpRoot, sptid, shortHash(bundleHash))
	needExtract := force || !reused || !isDir(dest)
	if !needExtract {
		return dest, warnings, nil
	}
	if isDir(dest) {
		if err := os.RemoveAll(dest); err != nil {
			warnings = append(warnings, "extract_cleanup_failed")
		}
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", warnings, apperrors.New(apperrors.CodeExtractFailed, "bundle", "extract", "destination not creatable").Wrap(err)
	}
	if err := extractTarGz(path, dest, logger); err != nil {
		return "", warnings, apperrors.New(apperrors.CodeExtractFailed, "bundle", "extract", "failed to extract bundle").Wrap(err)
	}
	return dest, warnings, nil
}

// extractTarGz streams the archive, skipping unsafe member names.
func extractTarGz(archivePath, dest string, logger *logrus.Logger) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if !safeMemberName(hdr.Name) {
			logger.WithField("member", hdr.Name).Debug("Skipped unsafe archive member")
			continue
		}
		target := filepath.Join(dest, filepath.FromSlash(hdr.Name))
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&0o777)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		default:
			// symlinks and specials are not needed from support bundles
		}
	}
}

// safeMemberName rejects absolute paths and any ".." path segment.
func safeMemberName(name string) bool {
	if strings.HasPrefix(name, "/") {
		return false
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." {
			return false
		}
	}
	return true
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func isDir(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.IsDir()
}
