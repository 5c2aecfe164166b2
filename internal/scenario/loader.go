package scenario

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// Importer turns an external API description into scenario definitions.
type Importer interface {
	Import(path string, imp Import) ([]Definition, error)
}

// LoaderOptions configure a Loader.
type LoaderOptions struct {
	ControlPrefix string
	Importer      Importer
	Logger        *slog.Logger
}

// Loader reads scenario files matched by a set of glob patterns.
type Loader struct {
	patterns []string
	opts     LoaderOptions
}

// NewLoader creates a new scenario loader
func NewLoader(patterns []string, opts LoaderOptions) *Loader {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Loader{patterns: patterns, opts: opts}
}

// Patterns returns the configured glob patterns.
func (l *Loader) Patterns() []string {
	return l.patterns
}

// Expand resolves glob patterns (including **) to a deduplicated file list.
// Matches of each pattern are sorted; patterns keep their given order.
func Expand(patterns []string) ([]string, error) {
	var files []string
	seen := make(map[string]bool)
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid scenario pattern %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			if _, statErr := os.Stat(pattern); statErr != nil {
				return nil, fmt.Errorf("no scenario files match %q", pattern)
			}
			matches = []string{pattern}
		}
		// Sort matches for deterministic ordering
		sort.Strings(matches)
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil || info.IsDir() {
				continue
			}
			if !seen[m] {
				seen[m] = true
				files = append(files, m)
			}
		}
	}
	return files, nil
}

// Load reads, compiles and validates every matched file.
func (l *Loader) Load() (*Catalog, error) {
	files, err := Expand(l.patterns)
	if err != nil {
		return nil, &ConfigError{Issues: []Issue{{Message: err.Error()}}}
	}
	return l.LoadFiles(files)
}

// LoadFiles reads, compiles and validates the given files.
func (l *Loader) LoadFiles(files []string) (*Catalog, error) {
	cerr := &ConfigError{}
	var defs []Definition

	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			cerr.add(path, "", "failed to read file: %v", err)
			continue
		}
		f, err := Parse(data, path)
		if err != nil {
			cerr.add("", "", "%v", err)
			continue
		}
		defs = append(defs, f.Scenarios...)

		for _, imp := range f.Imports {
			imported, err := l.runImport(path, imp)
			if err != nil {
				cerr.add(path, "", "%v", err)
				continue
			}
			defs = append(defs, imported...)
		}
	}

	if err := cerr.orNil(); err != nil {
		return nil, err
	}

	cat, err := Build(defs, BuildOptions{ControlPrefix: l.opts.ControlPrefix})
	if err != nil {
		return nil, err
	}
	cat.Sources = files
	l.opts.Logger.Debug("scenarios compiled", "files", len(files), "scenarios", cat.Len())
	return cat, nil
}

func (l *Loader) runImport(from string, imp Import) ([]Definition, error) {
	if imp.OpenAPI == "" {
		return nil, fmt.Errorf("import needs an openapi document")
	}
	if l.opts.Importer == nil {
		return nil, fmt.Errorf("openapi imports are not enabled")
	}
	path := imp.OpenAPI
	if !filepath.IsAbs(path) {
		path = filepath.Join(filepath.Dir(from), path)
	}
	defs, err := l.opts.Importer.Import(path, imp)
	if err != nil {
		return nil, fmt.Errorf("failed to import %s: %w", imp.OpenAPI, err)
	}
	for i := range defs {
		defs[i].Imported = true
		if defs[i].Source == "" {
			defs[i].Source = path
		}
	}
	return defs, nil
}
