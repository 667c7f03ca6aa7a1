// Package scanner discovers indexable files in a repository. It prunes
// excluded directories (defaults plus a root-level .agentignore), accepts
// only known text extensions, and rejects oversized and artifact files.
package scanner

import (
	"bufio"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// MaxFileSize is the inclusive size cap for indexable files (1 MiB).
const MaxFileSize = 1024 * 1024

// Skip reason labels reported by the scanner.
const (
	SkipTooLarge     = "too_large"
	SkipBinaryExt    = "unsupported_extension"
	SkipDenylisted   = "denylisted"
	SkipUnreadable   = "unreadable"
)

// FileInfo describes a discovered file.
type FileInfo struct {
	Path    string // repo-relative, forward-slash normalized
	AbsPath string
	Size    int64
	ModTime time.Time
}

// Result is the outcome of a scan.
type Result struct {
	Files       []FileInfo
	SkipReasons map[string]int
}

// Options configures a scan.
type Options struct {
	// Root is the repository root to walk.
	Root string
	// ExcludeDirs adds directory names to the exclusion set.
	ExcludeDirs []string
	// IncludeExts restricts accepted extensions (empty = default allowlist).
	IncludeExts []string
	// StoreDir is the vector store directory, pruned from the walk.
	StoreDir string
}

// defaultExcludeDirs are always pruned.
var defaultExcludeDirs = map[string]bool{
	".git":          true,
	".hg":           true,
	".svn":          true,
	"node_modules":  true,
	"__pycache__":   true,
	".venv":         true,
	"venv":          true,
	".tox":          true,
	"dist":          true,
	"build":         true,
	"target":        true,
	".idea":         true,
	".vscode":       true,
	".mypy_cache":   true,
	".pytest_cache": true,
	".ruff_cache":   true,
	"vendor":        true,
	".next":         true,
	".cache":        true,
}

// textExtensions is the allowlist of indexable extensions.
var textExtensions = map[string]bool{
	".py": true, ".pyw": true, ".pyi": true,
	".js": true, ".jsx": true, ".mjs": true,
	".ts": true, ".tsx": true,
	".go": true, ".rs": true,
	".c": true, ".h": true, ".cpp": true, ".cc": true, ".hpp": true,
	".cs": true, ".java": true, ".kt": true, ".rb": true, ".php": true,
	".scala": true, ".swift": true, ".lua": true, ".r": true,
	".sh": true, ".bash": true, ".zsh": true,
	".sql": true, ".graphql": true, ".proto": true,
	".md": true, ".mdx": true, ".markdown": true, ".rst": true, ".txt": true,
	".json": true, ".yaml": true, ".yml": true, ".toml": true,
	".ini": true, ".cfg": true, ".conf": true, ".env": true,
	".html": true, ".css": true, ".scss": true,
	".xml": true, ".csv": true,
}

// denyFiles are artifact and lock files excluded by name.
var denyFiles = map[string]bool{
	"package-lock.json": true,
	"yarn.lock":         true,
	"pnpm-lock.yaml":    true,
	"poetry.lock":       true,
	"Cargo.lock":        true,
	"go.sum":            true,
	"uv.lock":           true,
	"composer.lock":     true,
	"Gemfile.lock":      true,
}

// Scan walks the repository and returns accepted files plus skip
// accounting. The walk prunes excluded directories and never follows
// symlinked directories.
func Scan(opts Options) (*Result, error) {
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, err
	}

	exclude := make(map[string]bool, len(defaultExcludeDirs)+len(opts.ExcludeDirs))
	for d := range defaultExcludeDirs {
		exclude[d] = true
	}
	for _, d := range opts.ExcludeDirs {
		if d != "" {
			exclude[d] = true
		}
	}
	for _, d := range loadAgentIgnore(root) {
		exclude[d] = true
	}

	var storeBase string
	if opts.StoreDir != "" {
		if abs, err := filepath.Abs(opts.StoreDir); err == nil {
			storeBase = abs
		}
		exclude[filepath.Base(opts.StoreDir)] = true
	}

	allowExts := textExtensions
	if len(opts.IncludeExts) > 0 {
		allowExts = make(map[string]bool, len(opts.IncludeExts))
		for _, ext := range opts.IncludeExts {
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			allowExts[strings.ToLower(ext)] = true
		}
	}

	result := &Result{SkipReasons: make(map[string]int)}

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			result.SkipReasons[SkipUnreadable]++
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			if path == root {
				return nil
			}
			if exclude[d.Name()] {
				return filepath.SkipDir
			}
			if storeBase != "" && path == storeBase {
				return filepath.SkipDir
			}
			return nil
		}

		if !d.Type().IsRegular() {
			return nil
		}

		name := d.Name()
		if denyFiles[name] {
			result.SkipReasons[SkipDenylisted]++
			return nil
		}

		ext := strings.ToLower(filepath.Ext(name))
		if !allowExts[ext] {
			result.SkipReasons[SkipBinaryExt]++
			return nil
		}

		info, err := d.Info()
		if err != nil {
			result.SkipReasons[SkipUnreadable]++
			return nil
		}
		if info.Size() > MaxFileSize {
			result.SkipReasons[SkipTooLarge]++
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			result.SkipReasons[SkipUnreadable]++
			return nil
		}

		result.Files = append(result.Files, FileInfo{
			Path:    filepath.ToSlash(rel),
			AbsPath: path,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}

	return result, nil
}

// loadAgentIgnore reads directory names from a root-level .agentignore.
// Blank lines and lines starting with '#' are ignored.
func loadAgentIgnore(root string) []string {
	f, err := os.Open(filepath.Join(root, ".agentignore"))
	if err != nil {
		return nil
	}
	defer func() { _ = f.Close() }()

	var dirs []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		dirs = append(dirs, strings.TrimSuffix(line, "/"))
	}
	return dirs
}
