package audit

import (
	"fmt"
	"os"
	"time"
)

// CleanupStats describes one cleanup run.
type CleanupStats struct {
	FilesRemoved int
	BytesFreed   int64
}

// Cleanup removes log files last modified before now minus retention.
// A zero retention keeps everything.
func Cleanup(dir string, retention time.Duration, now time.Time) (CleanupStats, error) {
	var stats CleanupStats
	if retention <= 0 {
		return stats, nil
	}

	cutoff := now.Add(-retention)
	for _, path := range findFiles(dir) {
		info, err := os.Stat(path)
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil {
			return stats, fmt.Errorf("remove %s: %w", path, err)
		}
		stats.FilesRemoved++
		stats.BytesFreed += info.Size()
	}
	return stats, nil
}
