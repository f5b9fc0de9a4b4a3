// Package project loads the source files a séance talks about.
//
// A [Project] is an ordered list of named text files. Order matters: it is
// the order in which files are presented to the engine in the bootstrap
// context, so [Load] sorts by relative path for reproducible sessions.
package project

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// File is one named text file.
type File struct {
	// Name is the slash-separated path relative to the project root.
	Name string

	// Content is the full file text.
	Content string

	// Language is the lower-case file extension without the dot, or "text".
	Language string
}

// Project is the ordered collection of files handed to a session.
type Project struct {
	Files []File
}

// Names returns the file names in order.
func (p Project) Names() []string {
	names := make([]string, len(p.Files))
	for i, f := range p.Files {
		names[i] = f.Name
	}
	return names
}

// Empty reports whether the project has no files.
func (p Project) Empty() bool { return len(p.Files) == 0 }

// Lookup returns the file called name.
func (p Project) Lookup(name string) (File, bool) {
	for _, f := range p.Files {
		if f.Name == name {
			return f, true
		}
	}
	return File{}, false
}

// LoadOptions restricts which files [Load] picks up.
type LoadOptions struct {
	// Extensions, when non-empty, limits loading to these extensions
	// (with or without the leading dot, case-insensitive).
	Extensions []string

	// MaxFileBytes skips files larger than this. Zero means 256 KiB.
	MaxFileBytes int64

	// MaxFiles stops loading after this many files. Zero means 200.
	MaxFiles int
}

const (
	defaultMaxFileBytes = 256 << 10
	defaultMaxFiles     = 200
)

// ErrNoFiles is returned by [Load] when nothing under the directory matched.
var ErrNoFiles = errors.New("project: no files loaded")

// skipDirs are never descended into.
var skipDirs = map[string]bool{
	".git":         true,
	".hg":          true,
	".svn":         true,
	"node_modules": true,
	"vendor":       true,
	"__pycache__":  true,
	".venv":        true,
	"dist":         true,
	"build":        true,
}

// Load walks dir and returns every matching text file, sorted by path.
// Hidden files, binary files, and files over the size limit are skipped.
func Load(dir string, opts LoadOptions) (Project, error) {
	if opts.MaxFileBytes <= 0 {
		opts.MaxFileBytes = defaultMaxFileBytes
	}
	if opts.MaxFiles <= 0 {
		opts.MaxFiles = defaultMaxFiles
	}
	exts := normaliseExtensions(opts.Extensions)

	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != dir && (skipDirs[name] || strings.HasPrefix(name, ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || strings.HasPrefix(name, ".") {
			return nil
		}
		if len(exts) > 0 && !exts[strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))] {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return Project{}, fmt.Errorf("project: walk %s: %w", dir, err)
	}
	slices.Sort(paths)

	var p Project
	for _, path := range paths {
		if len(p.Files) >= opts.MaxFiles {
			slog.Warn("project: file limit reached, ignoring the rest", "limit", opts.MaxFiles, "skipped", len(paths)-opts.MaxFiles)
			break
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return Project{}, fmt.Errorf("project: %w", err)
		}
		f, err := readFile(path, filepath.ToSlash(rel), opts.MaxFileBytes)
		if err != nil {
			slog.Debug("project: skipping file", "path", path, "reason", err)
			continue
		}
		p.Files = append(p.Files, f)
	}

	if p.Empty() {
		return p, fmt.Errorf("%w from %s", ErrNoFiles, dir)
	}
	return p, nil
}

// ReadFile loads a single file, named by its base name.
func ReadFile(path string) (File, error) {
	return readFile(path, filepath.Base(path), defaultMaxFileBytes)
}

func readFile(path, name string, maxBytes int64) (File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return File{}, fmt.Errorf("project: stat %s: %w", path, err)
	}
	if info.Size() > maxBytes {
		return File{}, fmt.Errorf("project: %s is %d bytes, limit %d", path, info.Size(), maxBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("project: read %s: %w", path, err)
	}
	if bytes.IndexByte(data, 0) >= 0 {
		return File{}, fmt.Errorf("project: %s looks binary", path)
	}
	return File{
		Name:     name,
		Content:  string(data),
		Language: LanguageFor(name),
	}, nil
}

// LanguageFor derives the language tag from a file name's extension.
func LanguageFor(name string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if ext == "" {
		return "text"
	}
	return ext
}

func normaliseExtensions(in []string) map[string]bool {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]bool, len(in))
	for _, e := range in {
		e = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(e), "."))
		if e != "" {
			out[e] = true
		}
	}
	return out
}
