package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// BackupWriter writes reports that could not be delivered to a backup
// directory under the storage path.
type BackupWriter struct {
	dir string
	// now is swappable in tests.
	now func() time.Time
}

func NewBackupWriter(storagePath string) *BackupWriter {
	return &BackupWriter{dir: filepath.Join(storagePath, "backup"), now: time.Now}
}

// Write persists one report and returns its path. File names carry a
// timestamp so consecutive failures never clobber each other.
func (w *BackupWriter) Write(report string) (string, error) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("backup dir: %w", err)
	}
	name := fmt.Sprintf("report-%s.md", w.now().Format("20060102-150405"))
	path := filepath.Join(w.dir, name)
	if err := os.WriteFile(path, []byte(report), 0o644); err != nil {
		return "", fmt.Errorf("backup write: %w", err)
	}
	return path, nil
}
