package models

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	StatusActive = "active"
)

type Document struct {
	ID          string
	Filename    string
	ContentType string
	ContentHash string
	SizeBytes   int64
	ChunkCount  int
	Status      string
	UploadedAt  time.Time
}

type Chunk struct {
	ID          string
	DocumentID  string
	Filename    string
	Ordinal     int
	Text        string
	StartOffset int
	EndOffset   int
	Embedding   []float32
}

// DocumentSummary is one row of the document listing, grouped by filename.
type DocumentSummary struct {
	Filename string `json:"filename"`
	Chunks   int    `json:"chunks"`
}

type ConversationTurn struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

type QueryRequest struct {
	Question   string
	History    []ConversationTurn
	MaxSources *int
}

type RetrievalResult struct {
	ChunkID    string
	DocumentID string
	Filename   string
	Ordinal    int
	Text       string
	Similarity float64
	Rank       int
}

type Citation struct {
	Filename   string  `json:"filename"`
	Similarity float64 `json:"similarity"`
	Preview    string  `json:"preview"`
	ChunkIndex int     `json:"chunk_index"`
}

type ConfidenceBand string

const (
	BandHigh    ConfidenceBand = "high"
	BandMedium  ConfidenceBand = "medium"
	BandLow     ConfidenceBand = "low"
	BandUnknown ConfidenceBand = "unknown"
)

type Answer struct {
	Text           string
	Confidence     *float64
	Band           ConfidenceBand
	Sources        []Citation
	Timestamp      time.Time
	Degraded       bool
	DegradedReason string
}

type SystemStats struct {
	TotalDocuments int     `json:"total_documents"`
	TotalChunks    int     `json:"total_chunks"`
	LLMModel       string  `json:"llm_model"`
	EmbeddingModel string  `json:"embedding_model"`
	Uptime         string  `json:"uptime"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
	CollectionName string  `json:"collection_name"`
}

// QueryRecord is one answered question kept for auditing.
type QueryRecord struct {
	ID          string
	Question    string
	Answer      string
	Confidence  *float64
	Band        ConfidenceBand
	SourceCount int
	Degraded    bool
	LatencyMS   int64
	CreatedAt   time.Time
}
