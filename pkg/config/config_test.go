package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFileDefaults(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, "server:\n  port: 9000\n"))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Vector.Backend)
	assert.Equal(t, "memory", cfg.Registry.Backend)
	assert.Equal(t, 1000, cfg.Ingestion.ChunkSize)
	assert.Equal(t, 200, cfg.Ingestion.ChunkOverlap)
	assert.Equal(t, 5, cfg.Retrieval.DefaultSources)
	assert.Equal(t, 10, cfg.Retrieval.MaxSources)
	assert.Equal(t, 2000, cfg.Prompt.HistoryBudgetChars)
	assert.InDelta(t, 0.70, cfg.Synthesis.HighThreshold, 1e-9)
	assert.Equal(t, int64(50*1024*1024), cfg.Ingestion.MaxFileSize())
	assert.Equal(t, 24*time.Hour, cfg.Redis.TTL())
	assert.Equal(t, time.Minute, cfg.LLM.Timeout())
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("LEGAL_RAG_VECTOR_BACKEND", "chroma")
	t.Setenv("LEGAL_RAG_LLM_MODEL", "gpt-4o")

	cfg, err := LoadFile(writeConfig(t, "vector:\n  backend: zilliz\n"))
	require.NoError(t, err)

	assert.Equal(t, "chroma", cfg.Vector.Backend)
	assert.Equal(t, "gpt-4o", cfg.LLM.Model)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"overlap not below size", "ingestion:\n  chunkSize: 100\n  chunkOverlap: 100\n"},
		{"zero dimension", "embedding:\n  dimension: 0\n"},
		{"inverted thresholds", "synthesis:\n  highThreshold: 0.4\n  mediumThreshold: 0.6\n"},
		{"no sources", "retrieval:\n  maxSources: 0\n"},
		{"sqlite registry over memory index", "registry:\n  backend: sqlite\n"},
		{"neo4j registry over memory index", "vector:\n  backend: memory\nregistry:\n  backend: neo4j\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFile(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestMissingExplicitFile(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestPersistentRegistryWithPersistentIndex(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, "vector:\n  backend: chroma\nregistry:\n  backend: sqlite\n"))
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Registry.Backend)
}

func TestShippedConfigIsValid(t *testing.T) {
	_, err := LoadFile(filepath.Join("..", "..", "config", "config.yaml"))
	assert.NoError(t, err)
}
