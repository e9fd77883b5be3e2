package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// File cache for goldmark-rendered story bodies. The file name includes a
// hash of the story's update time, so an edited story simply misses and
// re-renders; stale files are reclaimed by ClearOldCache. Only rendered
// markdown is ever cached - access and temporal decisions are evaluated
// fresh on every request.

const cacheRoot = "cache/stories"

// GetCachePath returns the cache file path for a story body revision.
func GetCachePath(storyID string, updatedAt time.Time) string {
	hash := generateHash(storyID + updatedAt.UTC().Format(time.RFC3339Nano))
	return filepath.Join(cacheRoot, fmt.Sprintf("%s_%s.html", storyID, hash[:16]))
}

// generateHash generates an xxHash hash for the given string
func generateHash(s string) string {
	hash := xxhash.Sum64String(s)
	return fmt.Sprintf("%016x", hash)
}

// EnsureCacheDir ensures the cache directory exists
func EnsureCacheDir() error {
	return os.MkdirAll(cacheRoot, 0755)
}

// WriteCache writes rendered HTML to the cache file for a story revision.
func WriteCache(storyID string, updatedAt time.Time, html string) error {
	if err := EnsureCacheDir(); err != nil {
		return err
	}
	return os.WriteFile(GetCachePath(storyID, updatedAt), []byte(html), 0644)
}

// ReadCache reads rendered HTML for a story revision if present.
func ReadCache(storyID string, updatedAt time.Time) (string, bool) {
	content, err := os.ReadFile(GetCachePath(storyID, updatedAt))
	if err != nil {
		return "", false
	}
	return string(content), true
}

// ClearStoryCache removes every cached revision of a story.
func ClearStoryCache(storyID string) error {
	pattern := filepath.Join(cacheRoot, storyID+"_*.html")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return err
	}
	for _, match := range matches {
		if err := os.Remove(match); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// ClearOldCache removes cache files older than maxAge. Storage reclamation
// only; correctness never depends on it.
func ClearOldCache(maxAge time.Duration) error {
	return filepath.Walk(cacheRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		if !strings.HasSuffix(path, ".html") {
			return nil
		}
		if time.Since(info.ModTime()) > maxAge {
			os.Remove(path)
		}
		return nil
	})
}
