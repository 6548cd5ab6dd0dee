// Package walker implements the directory selector: it walks a root tree
// and yields candidate files for fingerprinting, applying (in order) the
// built-in sensitive-path blocklist, the extension allowlist, the exclude
// glob patterns, and the file-size ceiling.
package walker

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Candidate is a file that passed all filters and should be fingerprinted.
type Candidate struct {
	Path       string
	Size       int64
	ModifiedAt time.Time
}

// Config holds the user-tunable selection settings.
type Config struct {
	// Extensions is the allowlist (with leading dot, case-insensitive).
	// Empty means no extension filtering.
	Extensions []string

	// Excludes are glob-style patterns matched against the absolute path,
	// translated to anchored regular expressions (`*` → `.*`, `?` → `.`).
	Excludes []string

	// MaxFileSize drops files larger than this many bytes. 0 = no ceiling.
	MaxFileSize int64
}

// Selector walks directory trees and yields candidates.
type Selector struct {
	exts     map[string]struct{}
	excludes []*regexp.Regexp
	maxSize  int64
}

// NewSelector compiles the config into a Selector.
// Returns an error if any exclude pattern fails to compile.
func NewSelector(cfg Config) (*Selector, error) {
	s := &Selector{
		exts:    make(map[string]struct{}, len(cfg.Extensions)),
		maxSize: cfg.MaxFileSize,
	}
	for _, ext := range cfg.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		s.exts[ext] = struct{}{}
	}
	for _, pattern := range cfg.Excludes {
		re, err := TranslateGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("compiling exclude pattern %q: %w", pattern, err)
		}
		s.excludes = append(s.excludes, re)
	}
	return s, nil
}

// TranslateGlob converts a glob pattern to an anchored regular expression:
// `*` becomes `.*`, `?` becomes `.`, everything else is quoted literally.
func TranslateGlob(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// Walk traverses root and calls visit for every candidate that passes the
// filters. Unreadable entries are skipped silently; only an unreadable
// root aborts the walk. Symbolic links are followed, but a real path is
// never visited twice (cycle guard). Cancellation is cooperative: the
// context is checked between entries.
func (s *Selector) Walk(ctx context.Context, root string, visit func(Candidate) error) error {
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("root not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("root is not a directory: %s", root)
	}

	visited := make(map[string]struct{})
	return s.walkDir(ctx, root, true, visited, visit)
}

// walkDir recursively processes one directory. isRoot marks the top-level
// call, the only place where read errors are fatal.
func (s *Selector) walkDir(ctx context.Context, dir string, isRoot bool, visited map[string]struct{}, visit func(Candidate) error) error {
	real, err := filepath.EvalSymlinks(dir)
	if err != nil {
		if isRoot {
			return fmt.Errorf("resolving root: %w", err)
		}
		return nil
	}
	if _, seen := visited[real]; seen {
		return nil
	}
	visited[real] = struct{}{}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if isRoot {
			return fmt.Errorf("reading root: %w", err)
		}
		return nil
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		name := entry.Name()
		path := filepath.Join(dir, name)

		switch {
		case entry.Type()&fs.ModeSymlink != 0:
			target, err := os.Stat(path)
			if err != nil {
				continue
			}
			if target.IsDir() {
				if blockedDir(name) {
					continue
				}
				if err := s.walkDir(ctx, path, false, visited, visit); err != nil {
					return err
				}
				continue
			}
			if !target.Mode().IsRegular() {
				continue
			}
			realFile, err := filepath.EvalSymlinks(path)
			if err != nil {
				continue
			}
			if _, seen := visited[realFile]; seen {
				continue
			}
			visited[realFile] = struct{}{}
			if err := s.emit(path, target, visit); err != nil {
				return err
			}

		case entry.IsDir():
			if blockedDir(name) {
				continue
			}
			if err := s.walkDir(ctx, path, false, visited, visit); err != nil {
				return err
			}

		case entry.Type().IsRegular():
			info, err := entry.Info()
			if err != nil {
				continue
			}
			realFile, err := filepath.EvalSymlinks(path)
			if err != nil {
				continue
			}
			if _, seen := visited[realFile]; seen {
				continue
			}
			visited[realFile] = struct{}{}
			if err := s.emit(path, info, visit); err != nil {
				return err
			}
		}
	}

	return nil
}

// emit applies the filter pipeline to a single regular file and calls
// visit if it survives.
func (s *Selector) emit(path string, info fs.FileInfo, visit func(Candidate) error) error {
	if blockedFile(filepath.Base(path)) {
		return nil
	}

	if len(s.exts) > 0 {
		ext := strings.ToLower(filepath.Ext(path))
		if _, ok := s.exts[ext]; !ok {
			return nil
		}
	}

	for _, re := range s.excludes {
		if re.MatchString(path) {
			return nil
		}
	}

	if s.maxSize > 0 && info.Size() > s.maxSize {
		return nil
	}

	return visit(Candidate{
		Path:       path,
		Size:       info.Size(),
		ModifiedAt: info.ModTime(),
	})
}
