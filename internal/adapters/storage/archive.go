// Package storage provides object storage adapters for tile archive sync.
package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/domain"
)

// isArchiveKey reports whether an object key names a packed tile archive.
func isArchiveKey(key string) bool {
	return strings.HasSuffix(strings.ToLower(key), domain.ArchiveExtension)
}

// relativeKey strips the configured prefix from an object key.
func relativeKey(key, prefix string) string {
	return strings.TrimPrefix(strings.TrimPrefix(key, prefix), "/")
}

// joinKey prepends prefix to key.
func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return strings.TrimSuffix(prefix, "/") + "/" + key
}

// writeStream copies r to dest, creating parent directories. A failed copy
// leaves no file behind.
func writeStream(dest string, r io.Reader) (err error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return err
	}

	f, err := os.Create(dest) //#nosec G304 -- dest is a controlled local path
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(dest)
		}
	}()

	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("writing %s: %w", dest, err)
	}
	return nil
}
