package vectorstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// The PGStore itself needs a loopback Postgres with pgvector, and no test
// in this package opens one. Only the pure helpers are tested here.

func TestToVectorLiteral(t *testing.T) {
	assert.Equal(t, "[]", toVectorLiteral(nil))
	assert.Equal(t, "[1,0,-0.5]", toVectorLiteral([]float32{1, 0, -0.5}))
}

func TestCollectionNamePattern(t *testing.T) {
	assert.True(t, collectionNamePattern.MatchString("default"))
	assert.True(t, collectionNamePattern.MatchString("my_project_2"))
	assert.False(t, collectionNamePattern.MatchString("drop table;"))
	assert.False(t, collectionNamePattern.MatchString("a-b"))
}
