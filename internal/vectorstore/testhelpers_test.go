package vectorstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// removeGraphFiles deletes the HNSW graph and its metadata from a store
// directory, simulating graph loss.
func removeGraphFiles(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.Remove(filepath.Join(dir, persistentVectorFile)))
	require.NoError(t, os.Remove(filepath.Join(dir, persistentVectorFile+".meta")))
}
