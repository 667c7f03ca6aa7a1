package intel

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnderstandIntentClassification(t *testing.T) {
	u := NewUnderstander()

	tests := []struct {
		query string
		want  Intent
	}{
		{"what is the RAG engine?", IntentDefinition},
		{"how is chunking implemented?", IntentImplementation},
		{"where is the tracker defined?", IntentLocation},
		{"how to use the query cache", IntentUsage},
		{"fix the error in the indexer", IntentDebug},
		{"apples and oranges", IntentOther},
	}

	for _, tt := range tests {
		got := u.Understand(tt.query)
		assert.Equal(t, tt.want, got.Intent, "query %q", tt.query)
		assert.GreaterOrEqual(t, got.IntentConfidence, 0.0)
		assert.LessOrEqual(t, got.IntentConfidence, 1.0)
	}
}

func TestUnderstandEntityExtraction(t *testing.T) {
	u := NewUnderstander()

	got := u.Understand("How does `RAGEngine` handle search in tools/rag/engine.py?")

	var texts []string
	for _, e := range got.Entities {
		texts = append(texts, e.Text)
	}
	joined := strings.Join(texts, " ")
	assert.Contains(t, joined, "RAGEngine")
	assert.Contains(t, joined, "tools/rag/engine.py")
}

func TestUnderstandSnakeCaseIdentifier(t *testing.T) {
	u := NewUnderstander()
	got := u.Understand("what does compute_file_hash do")

	found := false
	for _, e := range got.Entities {
		if e.Text == "compute_file_hash" {
			found = true
		}
	}
	assert.True(t, found, "snake_case identifiers are extracted")
}

func TestUnderstandExpansions(t *testing.T) {
	u := NewUnderstander()

	got := u.Understand("how is chunking implemented?")
	require.NotEmpty(t, got.ExpandedQueries)

	assert.Equal(t, "how is chunking implemented?", got.ExpandedQueries[0],
		"original query comes first")

	joined := strings.ToLower(strings.Join(got.ExpandedQueries, " | "))
	assert.Contains(t, joined, "implemented")
	assert.Contains(t, joined, "source code")
}

func TestUnderstandExpansionsDeduplicated(t *testing.T) {
	u := NewUnderstander()
	got := u.Understand("what is X")

	seen := make(map[string]bool)
	for _, q := range got.ExpandedQueries {
		key := strings.ToLower(q)
		assert.False(t, seen[key], "duplicate expansion %q", q)
		seen[key] = true
	}
}

func TestUnderstandEmptyQuery(t *testing.T) {
	u := NewUnderstander()
	got := u.Understand("   ")

	assert.Equal(t, IntentOther, got.Intent)
	assert.Zero(t, got.IntentConfidence)
	assert.Empty(t, got.ExpandedQueries)
}

func TestMinimalQuery(t *testing.T) {
	got := MinimalQuery("anything at all")
	assert.Equal(t, IntentOther, got.Intent)
	assert.Equal(t, []string{"anything at all"}, got.ExpandedQueries)
	assert.Equal(t, 1.0, got.IntentConfidence)
}

func TestUnderstandSearchTermsDropStopwords(t *testing.T) {
	u := NewUnderstander()
	got := u.Understand("what is the semantic chunker")

	for _, term := range got.SearchTerms {
		assert.False(t, stopWords[strings.ToLower(term)], "stop word %q in search terms", term)
	}
	assert.Contains(t, got.SearchTerms, "semantic")
	assert.Contains(t, got.SearchTerms, "chunker")
}
