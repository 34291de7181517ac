package ingestion

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/legal-rag/backend/internal/ragerr"
	"github.com/legal-rag/backend/internal/storage/models"
	"github.com/legal-rag/backend/pkg/logger"
	"github.com/legal-rag/backend/pkg/utils"
)

// Upload is a file as received from a client or read from disk.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Result is an ingested document and its ordered chunks, not yet embedded.
type Result struct {
	Document models.Document
	Chunks   []models.Chunk
}

type Processor struct {
	extractor   *Extractor
	chunker     *Chunker
	maxFileSize int64
	now         func() time.Time
}

func NewProcessor(chunkSize, chunkOverlap int, maxFileSize int64) *Processor {
	return &Processor{
		extractor:   NewExtractor(),
		chunker:     NewChunker(chunkSize, chunkOverlap),
		maxFileSize: maxFileSize,
		now:         time.Now,
	}
}

func (p *Processor) Extractor() *Extractor { return p.extractor }
func (p *Processor) Chunker() *Chunker     { return p.chunker }

// Process extracts, cleans and chunks one file. It touches no shared state.
func (p *Processor) Process(u Upload) (*Result, error) {
	filename := filepath.Base(strings.TrimSpace(u.Filename))
	if filename == "" || filename == "." || filename == string(filepath.Separator) {
		return nil, &ragerr.Error{Kind: ragerr.UnsupportedFormat, Op: "ingest", Message: "missing filename"}
	}

	if p.maxFileSize > 0 && int64(len(u.Data)) > p.maxFileSize {
		return nil, &ragerr.Error{
			Kind:     ragerr.FileTooLarge,
			Op:       "ingest",
			Filename: filename,
			Message:  fmt.Sprintf("%d bytes exceeds limit of %d", len(u.Data), p.maxFileSize),
		}
	}

	text, err := p.extractor.Extract(filename, u.ContentType, u.Data)
	if err != nil {
		return nil, err
	}

	spans := p.chunker.Split(text)
	if len(spans) == 0 {
		return nil, &ragerr.Error{Kind: ragerr.EmptyExtraction, Op: "ingest", Filename: filename}
	}

	docID := uuid.New().String()
	doc := models.Document{
		ID:          docID,
		Filename:    filename,
		ContentType: u.ContentType,
		ContentHash: utils.HashBytes(u.Data),
		SizeBytes:   int64(len(u.Data)),
		ChunkCount:  len(spans),
		Status:      models.StatusActive,
		UploadedAt:  p.now(),
	}

	chunks := make([]models.Chunk, len(spans))
	for i, s := range spans {
		chunks[i] = models.Chunk{
			ID:          fmt.Sprintf("%s_chunk_%d", docID, i),
			DocumentID:  docID,
			Filename:    filename,
			Ordinal:     i,
			Text:        s.Text,
			StartOffset: s.Start,
			EndOffset:   s.End,
		}
	}

	logger.Info("Document chunked",
		zap.String("doc_id", docID),
		zap.String("filename", filename),
		zap.Int("chars", len([]rune(text))),
		zap.Int("chunks", len(chunks)),
	)

	return &Result{Document: doc, Chunks: chunks}, nil
}
