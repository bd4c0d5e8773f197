// Package testutil provides shared test utilities for countitems tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tunnelmesh/countitems/internal/accounting"
)

// TempDir creates a temporary directory for testing and returns a cleanup function.
func TempDir(t *testing.T) (string, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "countitems-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	return dir, func() {
		_ = os.RemoveAll(dir)
	}
}

// TempFile creates a temporary file with the given content and returns its path.
func TempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

// RawObject builds a stored object record the way the storage service writes it.
func RawObject(key string, size int64, location string, lastModified time.Time) accounting.RawRecord {
	return accounting.RawRecord{
		Key: key,
		Value: accounting.RawValue{
			LastModified:  lastModified.UTC().Format(time.RFC3339Nano),
			ContentLength: size,
			DataStoreName: location,
			OwnerID:       "owner-1",
		},
	}
}

// RawVersion builds a version record stored under key + separator + versionID.
func RawVersion(key, versionID string, size int64, location string, lastModified time.Time) accounting.RawRecord {
	rec := RawObject(key+accounting.VersionSeparator+versionID, size, location, lastModified)
	rec.Value.VersionID = versionID
	return rec
}
