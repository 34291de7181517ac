package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/legal-rag/backend/internal/storage/models"
	"github.com/legal-rag/backend/pkg/logger"
)

// Client is the SQLite document registry. Record and Clear run the caller's
// publish/purge step inside the SQL transaction.
type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	c := &Client{db: db}
	if err := c.InitSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) Name() string { return "sqlite" }

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		filename TEXT NOT NULL,
		content_type TEXT,
		content_hash TEXT,
		size_bytes INTEGER NOT NULL DEFAULT 0,
		chunk_count INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		uploaded_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_documents_filename ON documents(filename);

	CREATE TABLE IF NOT EXISTS document_chunks (
		id TEXT PRIMARY KEY,
		doc_id TEXT NOT NULL,
		chunk_index INTEGER NOT NULL,
		text TEXT NOT NULL,
		start_offset INTEGER NOT NULL,
		end_offset INTEGER NOT NULL,
		FOREIGN KEY (doc_id) REFERENCES documents(id) ON DELETE CASCADE,
		UNIQUE (doc_id, chunk_index)
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_doc ON document_chunks(doc_id);

	CREATE TABLE IF NOT EXISTS query_history (
		id TEXT PRIMARY KEY,
		question TEXT NOT NULL,
		answer TEXT,
		confidence REAL,
		confidence_band TEXT,
		source_count INTEGER NOT NULL DEFAULT 0,
		degraded INTEGER NOT NULL DEFAULT 0,
		latency_ms INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_query_created ON query_history(created_at);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func (c *Client) Record(ctx context.Context, doc models.Document, chunks []models.Chunk, publish func(ctx context.Context) error) (err error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	status := doc.Status
	if status == "" {
		status = models.StatusActive
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (id, filename, content_type, content_hash, size_bytes, chunk_count, status, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID,
		doc.Filename,
		doc.ContentType,
		doc.ContentHash,
		doc.SizeBytes,
		len(chunks),
		status,
		doc.UploadedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO document_chunks (id, doc_id, chunk_index, text, start_offset, end_offset)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, ch := range chunks {
		if _, err = stmt.ExecContext(ctx, ch.ID, doc.ID, ch.Ordinal, ch.Text, ch.StartOffset, ch.EndOffset); err != nil {
			return fmt.Errorf("failed to insert chunk %d: %w", ch.Ordinal, err)
		}
	}

	if err = publish(ctx); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit document: %w", err)
	}

	logger.Debug("Document recorded", zap.String("doc_id", doc.ID), zap.String("filename", doc.Filename))
	return nil
}

func (c *Client) Clear(ctx context.Context, purge func(ctx context.Context) error) (err error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM document_chunks`); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM documents`); err != nil {
		return fmt.Errorf("failed to delete documents: %w", err)
	}

	if err = purge(ctx); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit clear: %w", err)
	}

	logger.Info("Registry cleared")
	return nil
}

func (c *Client) Documents(ctx context.Context) ([]models.DocumentSummary, error) {
	query := `
		SELECT filename, SUM(chunk_count)
		FROM documents
		WHERE chunk_count > 0
		GROUP BY filename
		ORDER BY filename
	`

	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	docs := make([]models.DocumentSummary, 0)
	for rows.Next() {
		var d models.DocumentSummary
		if err := rows.Scan(&d.Filename, &d.Chunks); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return docs, nil
}

func (c *Client) ChunkCount(ctx context.Context, documentID string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM document_chunks WHERE doc_id = ?`, documentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return n, nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) InsertQueryRecord(ctx context.Context, record *models.QueryRecord) error {
	query := `
		INSERT INTO query_history (id, question, answer, confidence, confidence_band, source_count,
			degraded, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var confidence sql.NullFloat64
	if record.Confidence != nil {
		confidence = sql.NullFloat64{Float64: *record.Confidence, Valid: true}
	}
	degraded := 0
	if record.Degraded {
		degraded = 1
	}

	_, err := c.db.ExecContext(
		ctx,
		query,
		record.ID,
		record.Question,
		record.Answer,
		confidence,
		string(record.Band),
		record.SourceCount,
		degraded,
		record.LatencyMS,
		record.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert query record: %w", err)
	}

	logger.Debug("Query recorded", zap.String("query_id", record.ID))
	return nil
}

// RecentQueries returns the latest query records, newest first.
func (c *Client) RecentQueries(ctx context.Context, limit int) ([]models.QueryRecord, error) {
	query := `
		SELECT id, question, answer, confidence, confidence_band, source_count, degraded, latency_ms, created_at
		FROM query_history
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := c.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get query history: %w", err)
	}
	defer rows.Close()

	var records []models.QueryRecord
	for rows.Next() {
		var r models.QueryRecord
		var confidence sql.NullFloat64
		var band string
		var degraded int
		var createdAt int64

		err := rows.Scan(&r.ID, &r.Question, &r.Answer, &confidence, &band, &r.SourceCount, &degraded, &r.LatencyMS, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if confidence.Valid {
			v := confidence.Float64
			r.Confidence = &v
		}
		r.Band = models.ConfidenceBand(band)
		r.Degraded = degraded == 1
		r.CreatedAt = time.Unix(createdAt, 0)
		records = append(records, r)
	}

	return records, rows.Err()
}
