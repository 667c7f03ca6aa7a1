package intel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vection-dev/vection/internal/vectorstore"
)

func chunk(id, path, typ, doc string, distance float32) RetrievedChunk {
	return RetrievedChunk{
		ID:       id,
		Document: doc,
		Distance: distance,
		Metadata: vectorstore.Metadata{
			vectorstore.KeyPath:      vectorstore.String(path),
			vectorstore.KeyType:      vectorstore.String(typ),
			vectorstore.KeyStartLine: vectorstore.Int(10),
			vectorstore.KeyEndLine:   vectorstore.Int(20),
		},
	}
}

func TestExtractTypesAndProvenance(t *testing.T) {
	x := NewExtractor()

	set := x.Extract("what is the engine", []RetrievedChunk{
		chunk("a.md#0", "a.md", "markdown_section",
			"The engine is a local-first retrieval system that answers questions over indexed repositories and keeps every dependency on loopback.", 0.2),
		chunk("b.go#0", "b.go", "code_block",
			"func NewEngine(cfg *Config) *Engine {\n\treturn &Engine{cfg: cfg}\n}", 0.3),
		chunk("c.md#0", "c.md", "markdown_section",
			"For example, run `vection index .` to build the store and then query it interactively.", 0.4),
	})

	require.Len(t, set.Evidence, 3)

	assert.Equal(t, EvidenceDefinition, set.Evidence[0].Type)
	assert.Equal(t, EvidenceImplementation, set.Evidence[1].Type)
	assert.Equal(t, EvidenceExample, set.Evidence[2].Type)

	assert.True(t, set.Evidence[1].IsCode)
	assert.Equal(t, "go", set.Evidence[1].CodeLanguage)
	assert.Equal(t, "b.go#0", set.Evidence[1].SourceChunkID)
	assert.Equal(t, "b.go", set.Evidence[1].SourceFile)
	assert.Equal(t, 10, set.Evidence[1].SourceLineStart)
	assert.Equal(t, 20, set.Evidence[1].SourceLineEnd)
	assert.Equal(t, 3, set.TotalChunksProcessed)
}

func TestExtractConfidenceFromDistance(t *testing.T) {
	x := NewExtractor()

	set := x.Extract("q", []RetrievedChunk{
		chunk("near#0", "near.md", "markdown_section",
			"A close match with plenty of content so the short-chunk penalty does not apply to this text at all.", 0.1),
		chunk("far#0", "far.md", "markdown_section",
			"A distant match with plenty of content so the short-chunk penalty does not apply to this text at all.", 1.8),
	})

	require.Len(t, set.Evidence, 2)
	assert.Greater(t, set.Evidence[0].Confidence, set.Evidence[1].Confidence)
	assert.Equal(t, StrengthStrong, set.Evidence[0].Strength)
	assert.Equal(t, StrengthWeak, set.Evidence[1].Strength)
}

func TestExtractContradictionDetection(t *testing.T) {
	x := NewExtractor()

	set := x.Extract("should the cache be enabled", []RetrievedChunk{
		chunk("a.md#0", "a.md", "markdown_section",
			"The query cache should always remain enabled for production retrieval deployments because repeated questions dominate traffic.", 0.2),
		chunk("b.md#0", "b.md", "markdown_section",
			"The query cache should not remain enabled for production retrieval deployments because invalidation bugs dominate incidents.", 0.25),
	})

	require.Len(t, set.Evidence, 2)
	assert.Equal(t, StrengthContradictory, set.Evidence[1].Strength)
	assert.Equal(t, EvidenceContradiction, set.Evidence[1].Type)
	assert.True(t, set.HasContradictions())
}

func TestEvidenceSetDerivedViews(t *testing.T) {
	set := &EvidenceSet{
		Query: "q",
		Evidence: []Evidence{
			{ID: "ev_001", Type: EvidenceDefinition, Strength: StrengthStrong, Confidence: 0.9, SourceFile: "a.md"},
			{ID: "ev_002", Type: EvidenceImplementation, Strength: StrengthModerate, Confidence: 0.6, SourceFile: "b.go"},
			{ID: "ev_003", Type: EvidenceImplementation, Strength: StrengthStrong, Confidence: 0.8, SourceFile: "a.md"},
		},
	}

	byType := set.ByType()
	assert.Len(t, byType[EvidenceDefinition], 1)
	assert.Len(t, byType[EvidenceImplementation], 2)

	bySource := set.BySource()
	assert.Len(t, bySource["a.md"], 2)
	assert.Len(t, bySource["b.go"], 1)

	assert.Len(t, set.StrongEvidence(), 2)
	assert.False(t, set.HasContradictions())
	assert.InDelta(t, (0.9+0.6+0.8)/3, set.AverageConfidence(), 1e-9)

	top := set.TopByConfidence(2)
	require.Len(t, top, 2)
	assert.Equal(t, "ev_001", top[0].ID)
	assert.Equal(t, "ev_003", top[1].ID)
}

func TestEvidenceCitation(t *testing.T) {
	withLines := Evidence{SourceFile: "src/a.go", SourceLineStart: 5, SourceLineEnd: 12}
	assert.Equal(t, "src/a.go:5-12", withLines.Citation())

	noLines := Evidence{SourceFile: "docs/readme.md"}
	assert.Equal(t, "docs/readme.md", noLines.Citation())
}

func TestMinimalEvidence(t *testing.T) {
	set := MinimalEvidence("q", []RetrievedChunk{
		chunk("a#0", "a.md", "text_block", "first", 0.5),
		chunk("b#0", "b.md", "text_block", "second", 0.6),
	})

	require.Len(t, set.Evidence, 2)
	for _, e := range set.Evidence {
		assert.Equal(t, EvidenceAssertion, e.Type)
		assert.Equal(t, StrengthModerate, e.Strength)
		assert.Equal(t, 0.7, e.Confidence)
	}
}

func TestExtractSkipsEmptyChunks(t *testing.T) {
	x := NewExtractor()
	set := x.Extract("q", []RetrievedChunk{
		chunk("a#0", "a.md", "text_block", "   ", 0.1),
	})
	assert.Empty(t, set.Evidence)
	assert.Equal(t, 1, set.TotalChunksProcessed)
}
