package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Store keeps rendered archive pages on disk, one directory per mailing list.
type Store struct {
	root   string
	maxAge time.Duration
}

func NewStore(root string, maxAge time.Duration) *Store {
	return &Store{root: root, maxAge: maxAge}
}

// generateHash generates an xxHash hash for the given string
func generateHash(s string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(s))
}

// sanitize keeps a path segment from escaping the cache root.
func sanitize(segment string) string {
	segment = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, segment)
	if segment == "" {
		return "_"
	}
	return segment
}

// Path returns the cache file for a page of a list. An empty list is the
// archive index.
func (s *Store) Path(list, page string) string {
	name := sanitize(page)
	return filepath.Join(s.root, sanitize(list), fmt.Sprintf("%s_%s.html", name, generateHash(list+"/"+page)))
}

func (s *Store) Write(list, page, html string) error {
	p := s.Path(list, page)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return err
	}
	return os.WriteFile(p, []byte(html), 0644)
}

// Read returns the cached page if it exists and is not expired.
func (s *Store) Read(list, page string) (string, bool) {
	p := s.Path(list, page)
	info, err := os.Stat(p)
	if err != nil {
		return "", false
	}
	if time.Since(info.ModTime()) > s.maxAge {
		return "", false
	}
	content, err := os.ReadFile(p)
	if err != nil {
		return "", false
	}
	return string(content), true
}

// ClearList drops every cached page of a list along with the archive index,
// which lists the newest messages.
func (s *Store) ClearList(list string) error {
	if err := os.RemoveAll(filepath.Join(s.root, sanitize(list))); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(s.root, sanitize("")))
}

// ClearAll removes the whole cache.
func (s *Store) ClearAll() error {
	return os.RemoveAll(s.root)
}

// ClearOld removes cache files older than maxAge.
func (s *Store) ClearOld() error {
	return filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || !strings.HasSuffix(path, ".html") {
			return nil
		}
		if time.Since(info.ModTime()) > s.maxAge {
			os.Remove(path)
		}
		return nil
	})
}
