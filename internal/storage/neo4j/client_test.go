package neo4j

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legal-rag/backend/internal/storage/models"
)

func TestChunkParams(t *testing.T) {
	params := chunkParams([]models.Chunk{
		{ID: "d1_chunk_0", Ordinal: 0, Text: "Madde 1", StartOffset: 0, EndOffset: 7},
		{ID: "d1_chunk_1", Ordinal: 1, Text: "Madde 2", StartOffset: 5, EndOffset: 12},
	})

	require.Len(t, params, 2)
	assert.Equal(t, "d1_chunk_1", params[1]["id"])
	assert.Equal(t, int64(1), params[1]["ordinal"])
	assert.Equal(t, int64(12), params[1]["end_offset"])
}
