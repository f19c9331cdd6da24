package locator

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// CandidateItem is one piece of potential work surfaced by discovery. Path
// is relative to the location root and doubles as the payload identity.
type CandidateItem struct {
	LocationID string
	Path       string
	AbsPath    string
	SizeBytes  int64
	ModTime    time.Time
}

// DiscoverFilter narrows a discovery sweep.
type DiscoverFilter struct {
	// Extensions admits files by lowercase extension (with leading dot).
	// Empty admits everything.
	Extensions []string
	// Known holds location-relative paths already tracked by the job
	// store; matching items are skipped.
	Known map[string]struct{}
	// MaxItems caps the result after newest-first ordering. Zero means
	// unlimited.
	MaxItems int
}

// Discover walks a location root and returns untracked media files, newest
// first, so recency-prioritized admission policies can take a prefix. A
// location that is not currently discoverable yields an empty result, never
// an error, so one bad mount cannot abort a sweep across locations.
func (l *Locator) Discover(locationID string, filter DiscoverFilter) ([]CandidateItem, error) {
	status, ok := l.Status(locationID)
	if !ok {
		return nil, fmt.Errorf("unknown location %q", locationID)
	}
	if !status.Discoverable() {
		return nil, nil
	}

	extensions := make(map[string]struct{}, len(filter.Extensions))
	for _, ext := range filter.Extensions {
		extensions[strings.ToLower(ext)] = struct{}{}
	}

	var items []CandidateItem
	walkErr := filepath.WalkDir(status.Root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtrees are skipped, not fatal: the probe loop
			// will downgrade the location if the root itself is bad.
			if entry != nil && entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.IsDir() {
			if strings.HasPrefix(entry.Name(), ".") && path != status.Root {
				return filepath.SkipDir
			}
			return nil
		}
		if len(extensions) > 0 {
			if _, ok := extensions[strings.ToLower(filepath.Ext(entry.Name()))]; !ok {
				return nil
			}
		}

		rel, relErr := filepath.Rel(status.Root, path)
		if relErr != nil {
			return nil
		}
		if _, tracked := filter.Known[rel]; tracked {
			return nil
		}

		info, infoErr := entry.Info()
		if infoErr != nil {
			return nil
		}
		items = append(items, CandidateItem{
			LocationID: locationID,
			Path:       rel,
			AbsPath:    path,
			SizeBytes:  info.Size(),
			ModTime:    info.ModTime(),
		})
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("walk location %s: %w", locationID, walkErr)
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].ModTime.Equal(items[j].ModTime) {
			return items[i].Path < items[j].Path
		}
		return items[i].ModTime.After(items[j].ModTime)
	})
	if filter.MaxItems > 0 && len(items) > filter.MaxItems {
		items = items[:filter.MaxItems]
	}
	return items, nil
}

// ResolvePath maps a location-relative payload path back to an absolute
// filesystem path.
func (l *Locator) ResolvePath(locationID, payloadPath string) (string, error) {
	for _, location := range l.locations {
		if location.ID == locationID {
			return filepath.Join(location.Root, payloadPath), nil
		}
	}
	return "", fmt.Errorf("unknown location %q", locationID)
}
