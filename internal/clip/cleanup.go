package clip

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

var cleanupPatterns = []string{"clip_*.mp4", "slowmo_*.mp4"}

// Cleanup removes exported files in dir last modified more than maxAge
// before now. Files that cannot be removed are skipped and reported in err.
func Cleanup(dir string, maxAge time.Duration, now time.Time) (removed int, err error) {
	cutoff := now.Add(-maxAge)
	var errs []error

	for _, pattern := range cleanupPatterns {
		matches, globErr := filepath.Glob(filepath.Join(dir, pattern))
		if globErr != nil {
			errs = append(errs, globErr)
			continue
		}
		for _, path := range matches {
			info, statErr := os.Stat(path)
			if statErr != nil || !info.ModTime().Before(cutoff) {
				continue
			}
			if rmErr := os.Remove(path); rmErr != nil {
				errs = append(errs, rmErr)
				continue
			}
			removed++
			slog.Debug("clip: deleted old clip", "path", path, "age", now.Sub(info.ModTime()))
		}
	}
	return removed, errors.Join(errs...)
}
