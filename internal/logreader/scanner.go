package logreader

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// DefaultPatterns match common access log file names, rotated and compressed ones included
var DefaultPatterns = []string{"*access*.log", "*access*.log.*", "*.log", "*.log.gz"}

// LogLocation represents a discovered access log file
type LogLocation struct {
	Path    string
	Size    int64
	ModTime int64 // Unix seconds
}

// ScanForLogs resolves a list of files and directories into access log files.
// Files are taken as is; directories are walked recursively and filtered by
// patterns (matched against the base name). Results are ordered by
// modification time, oldest first, so that rotated files are ingested before
// the live one.
func ScanForLogs(paths []string, patterns []string) ([]LogLocation, error) {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}

	seen := make(map[string]bool)
	var locations []LogLocation

	add := func(path string, info os.FileInfo) {
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		if seen[abs] {
			return
		}
		seen[abs] = true
		locations = append(locations, LogLocation{
			Path:    abs,
			Size:    info.Size(),
			ModTime: info.ModTime().Unix(),
		})
	}

	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", root, err)
		}
		if !info.IsDir() {
			add(root, info)
			continue
		}

		log.Info().Str("root_dir", root).Msg("Scanning for access logs...")

		err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				// Skip inaccessible directories
				log.Warn().Err(err).Str("path", path).Msg("Skipping inaccessible path")
				return nil
			}
			if info.IsDir() {
				return nil
			}
			if matchesAny(info.Name(), patterns) {
				add(path, info)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk directory %s: %w", root, err)
		}
	}

	sort.SliceStable(locations, func(i, j int) bool {
		if locations[i].ModTime != locations[j].ModTime {
			return locations[i].ModTime < locations[j].ModTime
		}
		return locations[i].Path < locations[j].Path
	})

	log.Info().Int("total_files", len(locations)).Msg("Log scan complete")
	return locations, nil
}

func matchesAny(name string, patterns []string) bool {
	lower := strings.ToLower(name)
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, lower); ok {
			return true
		}
	}
	return false
}
