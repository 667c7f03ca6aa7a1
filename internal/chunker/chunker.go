// Package chunker splits file content into bounded, semantically coherent
// chunks. The strategy is chosen by file extension: code splits at top-
// level definitions, markdown at heading boundaries, prose at paragraphs.
package chunker

import (
	"path/filepath"
	"regexp"
	"strings"
)

// Chunk type labels recorded in metadata.
const (
	TypeCodeBlock       = "code_block"
	TypeCodeSplit       = "code_split"
	TypeMarkdownSection = "markdown_section"
	TypeTextBlock       = "text_block"
)

// Default chunker bounds.
const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 100
	DefaultMinChunkSize = 50
	DefaultMaxChunkSize = 1500

	// overlapLines is the small line overlap kept between adjacent code
	// chunks so a definition's lead-in stays searchable.
	overlapLines = 3
)

// Chunk is one emitted piece of a file.
type Chunk struct {
	Content   string
	StartLine int // 1-indexed
	EndLine   int // inclusive
	Type      string
}

// Config bounds the chunker.
type Config struct {
	ChunkSize    int
	ChunkOverlap int
	MinChunkSize int
	MaxChunkSize int
}

// DefaultConfig returns the default chunker bounds.
func DefaultConfig() Config {
	return Config{
		ChunkSize:    DefaultChunkSize,
		ChunkOverlap: DefaultChunkOverlap,
		MinChunkSize: DefaultMinChunkSize,
		MaxChunkSize: DefaultMaxChunkSize,
	}
}

// Chunker splits content at logical boundaries into bounded chunks.
type Chunker struct {
	cfg Config
}

// New creates a chunker, applying defaults for zero values.
func New(cfg Config) *Chunker {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ChunkOverlap < 0 {
		cfg.ChunkOverlap = DefaultChunkOverlap
	}
	if cfg.MinChunkSize <= 0 {
		cfg.MinChunkSize = DefaultMinChunkSize
	}
	if cfg.MaxChunkSize <= cfg.MinChunkSize {
		cfg.MaxChunkSize = DefaultMaxChunkSize
	}
	return &Chunker{cfg: cfg}
}

// codeExtensions maps extensions to a boundary pattern family.
var codeExtensions = map[string]string{
	".py":  "python",
	".pyw": "python",
	".js":  "script",
	".jsx": "script",
	".mjs": "script",
	".ts":  "script",
	".tsx": "script",
	".go":  "brace",
	".rs":  "brace",
	".c":   "brace",
	".h":   "brace",
	".cpp": "brace",
	".cc":  "brace",
	".hpp": "brace",
	".cs":  "brace",
	".java": "brace",
	".kt":  "brace",
	".rb":  "python",
	".php": "brace",
}

var markdownExtensions = map[string]bool{
	".md":       true,
	".mdx":      true,
	".markdown": true,
	".rst":      true,
}

// Boundary patterns matched against trimmed line starts.
var (
	pythonBoundary = regexp.MustCompile(`^(def |class |async def )`)
	scriptBoundary = regexp.MustCompile(`^(function |class |const \w+ = |export |import )`)
	braceBoundary  = regexp.MustCompile(`^(func |fn |[A-Za-z_][\w<>\*\s]*\{$|[A-Za-z_][\w<>\*\s,\(\)]*\)\s*\{)`)
	headingLine    = regexp.MustCompile(`^#{1,6}\s+`)
)

// ChunkFile splits content using the strategy for the file's extension.
// Every returned chunk is trimmed, non-empty, and at most MaxChunkSize
// long. Only the first returned chunk can be shorter than MinChunkSize,
// so tiny non-blank content yields one undersized chunk.
func (c *Chunker) ChunkFile(content, path string) []Chunk {
	ext := strings.ToLower(filepath.Ext(path))

	var chunks []Chunk
	switch {
	case codeExtensions[ext] != "":
		chunks = c.chunkCode(content, codeExtensions[ext])
	case markdownExtensions[ext]:
		chunks = c.chunkMarkdown(content)
	default:
		chunks = c.chunkText(content)
	}

	return c.finalize(chunks)
}

// chunkCode splits code at top-level definition boundaries, keeping a
// small line overlap between adjacent chunks.
func (c *Chunker) chunkCode(content, family string) []Chunk {
	var boundary *regexp.Regexp
	switch family {
	case "python":
		boundary = pythonBoundary
	case "script":
		boundary = scriptBoundary
	default:
		boundary = braceBoundary
	}

	lines := strings.Split(content, "\n")
	var chunks []Chunk
	var current []string
	startLine := 1

	flush := func(endLine int, typ string) {
		text := strings.Join(current, "\n")
		if strings.TrimSpace(text) != "" {
			chunks = append(chunks, Chunk{
				Content:   text,
				StartLine: startLine,
				EndLine:   endLine,
				Type:      typ,
			})
		}
		current = nil
	}

	for i, line := range lines {
		lineNo := i + 1
		atBoundary := boundary.MatchString(strings.TrimSpace(line)) && !isIndented(line)

		if atBoundary && len(current) > 0 && chunkLen(current) >= c.cfg.MinChunkSize {
			flush(lineNo-1, TypeCodeBlock)

			// Keep the last few lines as overlap into the next chunk.
			kept := overlapLines
			if i < kept {
				kept = i
			}
			current = append(current, lines[i-kept:i]...)
			startLine = lineNo - kept
		}

		current = append(current, line)

		if chunkLen(current) > c.cfg.MaxChunkSize {
			flush(lineNo, TypeCodeSplit)
			startLine = lineNo + 1
		}
	}

	if len(current) > 0 {
		flush(len(lines), TypeCodeBlock)
	}

	return chunks
}

// chunkMarkdown splits at heading boundaries, then by paragraph when a
// section exceeds the maximum.
func (c *Chunker) chunkMarkdown(content string) []Chunk {
	lines := strings.Split(content, "\n")
	var chunks []Chunk
	var current []string
	startLine := 1

	flush := func(endLine int) {
		text := strings.Join(current, "\n")
		if strings.TrimSpace(text) != "" {
			if len(text) > c.cfg.MaxChunkSize {
				chunks = append(chunks, c.splitParagraphs(text, startLine, TypeMarkdownSection)...)
			} else {
				chunks = append(chunks, Chunk{
					Content:   text,
					StartLine: startLine,
					EndLine:   endLine,
					Type:      TypeMarkdownSection,
				})
			}
		}
		current = nil
	}

	for i, line := range lines {
		lineNo := i + 1
		if headingLine.MatchString(strings.TrimSpace(line)) && len(current) > 0 &&
			chunkLen(current) >= c.cfg.MinChunkSize {
			flush(lineNo - 1)
			startLine = lineNo
		}
		current = append(current, line)
	}
	if len(current) > 0 {
		flush(len(lines))
	}

	return chunks
}

// chunkText groups paragraphs until the chunk size is reached.
func (c *Chunker) chunkText(content string) []Chunk {
	return c.splitParagraphs(content, 1, TypeTextBlock)
}

// splitParagraphs groups blank-line separated paragraphs into chunks of at
// most ChunkSize characters, falling back to fixed windows for any single
// paragraph over the maximum.
func (c *Chunker) splitParagraphs(content string, baseLine int, typ string) []Chunk {
	var chunks []Chunk
	var group []string
	groupStart := baseLine
	lineNo := baseLine

	flush := func(endLine int) {
		text := strings.Join(group, "\n\n")
		if strings.TrimSpace(text) == "" {
			group = nil
			return
		}
		if len(text) > c.cfg.MaxChunkSize {
			chunks = append(chunks, c.windowSplit(text, groupStart, typ)...)
		} else {
			chunks = append(chunks, Chunk{
				Content:   text,
				StartLine: groupStart,
				EndLine:   endLine,
				Type:      typ,
			})
		}
		group = nil
	}

	for _, para := range strings.Split(content, "\n\n") {
		paraLines := strings.Count(para, "\n") + 1

		if len(group) > 0 && groupLen(group)+len(para) > c.cfg.ChunkSize {
			flush(lineNo - 1)
			groupStart = lineNo
		}
		group = append(group, para)
		lineNo += paraLines + 1 // +1 for the blank separator line
	}
	if len(group) > 0 {
		flush(lineNo - 1)
	}

	return chunks
}

// windowSplit cuts oversized content into equal-size windows with
// ChunkOverlap characters of overlap.
func (c *Chunker) windowSplit(content string, baseLine int, typ string) []Chunk {
	size := c.cfg.ChunkSize
	overlap := c.cfg.ChunkOverlap
	if overlap >= size {
		overlap = size / 4
	}

	var chunks []Chunk
	step := size - overlap
	for start := 0; start < len(content); start += step {
		end := start + size
		if end > len(content) {
			end = len(content)
		}
		piece := content[start:end]

		startLine := baseLine + strings.Count(content[:start], "\n")
		endLine := baseLine + strings.Count(content[:end], "\n")

		chunks = append(chunks, Chunk{
			Content:   piece,
			StartLine: startLine,
			EndLine:   endLine,
			Type:      typ,
		})

		if end == len(content) {
			break
		}
	}
	return chunks
}

// finalize trims chunks, enforces size bounds, and merges undersized
// tails into their predecessor where possible. A file whose entire
// content falls below the minimum still emits its single chunk: dropping
// it would silently exclude the file from the index.
func (c *Chunker) finalize(chunks []Chunk) []Chunk {
	var first *Chunk // first non-empty pre-bound chunk, kept as fallback

	var out []Chunk
	for _, ch := range chunks {
		ch.Content = strings.TrimSpace(ch.Content)
		if ch.Content == "" {
			continue
		}
		if first == nil {
			kept := ch
			first = &kept
		}

		if len(ch.Content) > c.cfg.MaxChunkSize {
			out = append(out, c.windowSplit(ch.Content, ch.StartLine, ch.Type)...)
			continue
		}

		if len(ch.Content) < c.cfg.MinChunkSize {
			// Merge a small fragment into the previous chunk when the
			// result stays within bounds; otherwise drop it.
			if n := len(out); n > 0 && len(out[n-1].Content)+len(ch.Content)+1 <= c.cfg.MaxChunkSize {
				out[n-1].Content += "\n" + ch.Content
				out[n-1].EndLine = ch.EndLine
			}
			continue
		}

		out = append(out, ch)
	}

	// A windowSplit pass may still produce trimmed fragments below min.
	final := out[:0]
	for _, ch := range out {
		ch.Content = strings.TrimSpace(ch.Content)
		if ch.Content == "" {
			continue
		}
		if len(ch.Content) >= c.cfg.MinChunkSize || len(final) == 0 {
			final = append(final, ch)
		}
	}

	if len(final) == 0 && first != nil {
		final = append(final, *first)
	}
	return final
}

// isIndented reports whether a line starts with whitespace (not a
// top-level definition).
func isIndented(line string) bool {
	return len(line) > 0 && (line[0] == ' ' || line[0] == '\t')
}

// chunkLen returns the joined length of accumulated lines.
func chunkLen(lines []string) int {
	n := 0
	for _, l := range lines {
		n += len(l) + 1
	}
	if n > 0 {
		n--
	}
	return n
}

// groupLen returns the joined length of accumulated paragraphs.
func groupLen(group []string) int {
	n := 0
	for _, g := range group {
		n += len(g) + 2
	}
	if n > 0 {
		n -= 2
	}
	return n
}
