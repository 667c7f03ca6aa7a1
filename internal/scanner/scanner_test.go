package scanner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, rel string, size int) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	content := make([]byte, size)
	for i := range content {
		content[i] = 'a'
	}
	require.NoError(t, os.WriteFile(path, content, 0o644))
}

func scanPaths(t *testing.T, opts Options) map[string]bool {
	t.Helper()
	res, err := Scan(opts)
	require.NoError(t, err)
	paths := make(map[string]bool, len(res.Files))
	for _, f := range res.Files {
		paths[f.Path] = true
	}
	return paths
}

func TestScanAcceptsTextFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.go", 100)
	writeFile(t, root, "docs/readme.md", 100)
	writeFile(t, root, "image.png", 100)

	paths := scanPaths(t, Options{Root: root})

	assert.True(t, paths["main.go"])
	assert.True(t, paths["docs/readme.md"])
	assert.False(t, paths["image.png"], "unknown extensions are rejected")
}

func TestScanPrunesExcludedDirs(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/ok.go", 10)
	writeFile(t, root, ".git/config.txt", 10)
	writeFile(t, root, "node_modules/pkg/index.js", 10)
	writeFile(t, root, "custom/skip.go", 10)

	paths := scanPaths(t, Options{Root: root, ExcludeDirs: []string{"custom"}})

	assert.True(t, paths["src/ok.go"])
	assert.False(t, paths[".git/config.txt"])
	assert.False(t, paths["node_modules/pkg/index.js"])
	assert.False(t, paths["custom/skip.go"])
}

func TestScanAgentIgnore(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "keep/a.go", 10)
	writeFile(t, root, "generated/b.go", 10)
	writeFile(t, root, "tmp/c.go", 10)
	require.NoError(t, os.WriteFile(filepath.Join(root, ".agentignore"),
		[]byte("# build outputs\ngenerated\n\ntmp/\n"), 0o644))

	paths := scanPaths(t, Options{Root: root})

	assert.True(t, paths["keep/a.go"])
	assert.False(t, paths["generated/b.go"])
	assert.False(t, paths["tmp/c.go"], "trailing slash entries are honored")
}

func TestScanSizeBoundary(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "at_limit.txt", MaxFileSize)
	writeFile(t, root, "over_limit.txt", MaxFileSize+1)

	res, err := Scan(Options{Root: root})
	require.NoError(t, err)

	paths := make(map[string]bool)
	for _, f := range res.Files {
		paths[f.Path] = true
	}
	assert.True(t, paths["at_limit.txt"], "file exactly at 1 MiB is accepted")
	assert.False(t, paths["over_limit.txt"])
	assert.Equal(t, 1, res.SkipReasons[SkipTooLarge])
}

func TestScanDenylist(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "package-lock.json", 10)
	writeFile(t, root, "go.sum", 10)
	writeFile(t, root, "real.json", 10)

	res, err := Scan(Options{Root: root})
	require.NoError(t, err)

	paths := make(map[string]bool)
	for _, f := range res.Files {
		paths[f.Path] = true
	}
	assert.False(t, paths["package-lock.json"])
	assert.True(t, paths["real.json"])
	assert.Equal(t, 2, res.SkipReasons[SkipDenylisted])
}

func TestScanExcludesStoreDir(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.go", 10)
	writeFile(t, root, ".vection_db/chunks.json", 10)

	paths := scanPaths(t, Options{Root: root, StoreDir: filepath.Join(root, ".vection_db")})

	assert.True(t, paths["a.go"])
	assert.False(t, paths[".vection_db/chunks.json"])
}

func TestScanIncludeExtsRestricts(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.go", 10)
	writeFile(t, root, "b.md", 10)

	paths := scanPaths(t, Options{Root: root, IncludeExts: []string{"go"}})

	assert.True(t, paths["a.go"])
	assert.False(t, paths["b.md"])
}

func TestScanForwardSlashPaths(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "nested/dir/file.go", 10)

	res, err := Scan(Options{Root: root})
	require.NoError(t, err)
	require.Len(t, res.Files, 1)
	assert.Equal(t, "nested/dir/file.go", res.Files[0].Path)
	assert.NotContains(t, res.Files[0].Path, "\\")
}
