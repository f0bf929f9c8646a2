package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// FileBundleHash computes the cheap content fingerprint used for
// deduplication. Files hash name, size, mtime and the first 1 MiB of
// content; directories hash name, mtime and the first 200 child names. This
// identifies repeated loads, it is not a cryptographic proof of content.
func FileBundleHash(path string) (string, error) {
	st, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	if st.IsDir() {
		fmt.Fprintf(h, "DIR:%s:%d", filepath.Base(path), st.ModTime().Unix())
		entries, err := os.ReadDir(path)
		if err == nil {
			names := make([]string, 0, len(entries))
			for _, e := range entries {
				names = append(names, e.Name())
			}
			sort.Strings(names)
			if len(names) > 200 {
				names = names[:200]
			}
			for _, n := range names {
				h.Write([]byte(n))
			}
		}
	} else {
		fmt.Fprintf(h, "FILE:%s:%d:%d", filepath.Base(path), st.Size(), st.ModTime().Unix())
		f, err := os.Open(path)
		if err != nil {
			return "", err
		}
		defer f.Close()
		io.CopyN(h, f, 1024*1024)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
