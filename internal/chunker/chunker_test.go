package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testChunker() *Chunker {
	return New(Config{
		ChunkSize:    300,
		ChunkOverlap: 30,
		MinChunkSize: 40,
		MaxChunkSize: 500,
	})
}

func TestChunkCodeSplitsAtDefinitions(t *testing.T) {
	content := `package main

func first() {
	a := 1
	b := 2
	process(a, b)
	finish()
}

func second() {
	x := compute()
	validate(x)
	store(x)
	report(x)
}

func third() {
	cleanup()
	shutdown()
	release()
	done()
}
`
	chunks := testChunker().ChunkFile(content, "main.go")
	require.NotEmpty(t, chunks)

	assert.GreaterOrEqual(t, len(chunks), 2, "three functions should not collapse into one chunk")
	for _, ch := range chunks {
		assert.NotEmpty(t, strings.TrimSpace(ch.Content))
		assert.LessOrEqual(t, len(ch.Content), 500)
		assert.Greater(t, ch.EndLine, 0)
		assert.LessOrEqual(t, ch.StartLine, ch.EndLine)
	}
	assert.Equal(t, TypeCodeBlock, chunks[0].Type)
}

func TestChunkMarkdownSplitsAtHeadings(t *testing.T) {
	content := `# Title

Introductory paragraph with enough text to satisfy the minimum chunk size requirement easily.

## Section One

Body of section one, also with a reasonable amount of content for the chunker to keep around.

## Section Two

Body of section two, likewise padded out with words so it clears the configured minimum size.
`
	chunks := testChunker().ChunkFile(content, "README.md")
	require.NotEmpty(t, chunks)

	assert.GreaterOrEqual(t, len(chunks), 2)
	for _, ch := range chunks {
		assert.Equal(t, TypeMarkdownSection, ch.Type)
	}
	assert.Contains(t, chunks[0].Content, "# Title")
}

func TestChunkTextGroupsParagraphs(t *testing.T) {
	para := strings.Repeat("plain prose sentence. ", 8)
	content := para + "\n\n" + para + "\n\n" + para + "\n\n" + para

	chunks := testChunker().ChunkFile(content, "notes.txt")
	require.NotEmpty(t, chunks)

	for _, ch := range chunks {
		assert.Equal(t, TypeTextBlock, ch.Type)
		assert.LessOrEqual(t, len(ch.Content), 500)
		assert.GreaterOrEqual(t, len(ch.Content), 40)
	}
}

func TestChunkOversizeDefinitionWindowed(t *testing.T) {
	// One function far beyond max_chunk_size must be windowed.
	var b strings.Builder
	b.WriteString("func enormous() {\n")
	for i := 0; i < 100; i++ {
		b.WriteString("\tstep := transform(step) // keep the body going\n")
	}
	b.WriteString("}\n")

	chunks := testChunker().ChunkFile(b.String(), "big.go")
	require.Greater(t, len(chunks), 1)
	for _, ch := range chunks {
		assert.LessOrEqual(t, len(ch.Content), 500)
	}
}

func TestChunkSingleAtMaxSize(t *testing.T) {
	c := New(Config{ChunkSize: 1000, ChunkOverlap: 100, MinChunkSize: 50, MaxChunkSize: 1500})
	content := strings.Repeat("x", 1500)

	chunks := c.ChunkFile(content, "blob.txt")
	require.Len(t, chunks, 1, "content exactly at max emits one chunk")
	assert.LessOrEqual(t, len(chunks[0].Content), 1500)
}

func TestChunkEmptyContent(t *testing.T) {
	assert.Empty(t, testChunker().ChunkFile("", "empty.go"))
	assert.Empty(t, testChunker().ChunkFile("   \n\n  ", "blank.txt"))
}

func TestChunkTinyContentStillEmits(t *testing.T) {
	// Content entirely below min_chunk_size must still produce its one
	// chunk; otherwise the owning file silently vanishes from the index.
	tests := []struct {
		name    string
		path    string
		content string
	}{
		{"two byte text", "tiny.txt", "ok"},
		{"short line", "note.txt", "v1.2.3"},
		{"tiny markdown", "tiny.md", "# Hi"},
		{"tiny code", "tiny.go", "package x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := testChunker().ChunkFile(tt.content, tt.path)
			require.Len(t, chunks, 1)
			assert.Equal(t, tt.content, chunks[0].Content)
			assert.NotEmpty(t, chunks[0].Type)
		})
	}
}

func TestChunkTrimmedNonEmpty(t *testing.T) {
	content := "\n\n\n" + strings.Repeat("real content here. ", 10) + "\n\n\n"
	chunks := testChunker().ChunkFile(content, "pad.txt")
	require.NotEmpty(t, chunks)
	for _, ch := range chunks {
		assert.Equal(t, strings.TrimSpace(ch.Content), ch.Content)
		assert.NotEmpty(t, ch.Content)
	}
}

func TestChunkLineNumbersMonotone(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 12; i++ {
		b.WriteString("func f")
		b.WriteByte(byte('a' + i))
		b.WriteString("() {\n\twork()\n\twork()\n\twork()\n}\n\n")
	}

	chunks := testChunker().ChunkFile(b.String(), "many.go")
	require.Greater(t, len(chunks), 1)

	for i := 1; i < len(chunks); i++ {
		assert.GreaterOrEqual(t, chunks[i].StartLine, chunks[i-1].StartLine,
			"chunk start lines advance through the file")
	}
}

func TestChunkPythonBoundaries(t *testing.T) {
	content := `import os

def first():
    value = os.getenv("X")
    return transform(value, default=None, strict=True)

class Widget:
    def __init__(self):
        self.state = {}
        self.ready = False
        self.register()
`
	chunks := testChunker().ChunkFile(content, "mod.py")
	require.NotEmpty(t, chunks)
	joined := strings.Join(collectContents(chunks), "\n")
	assert.Contains(t, joined, "def first")
	assert.Contains(t, joined, "class Widget")
}

func collectContents(chunks []Chunk) []string {
	out := make([]string, len(chunks))
	for i, ch := range chunks {
		out[i] = ch.Content
	}
	return out
}
