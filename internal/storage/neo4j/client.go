// Package neo4j stores the document registry as a graph:
// (:Document)-[:HAS_CHUNK]->(:Chunk).
package neo4j

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/legal-rag/backend/internal/storage/models"
	"github.com/legal-rag/backend/pkg/circuitbreaker"
	"github.com/legal-rag/backend/pkg/logger"
	"github.com/legal-rag/backend/pkg/retry"
)

type Client struct {
	driver      neo4j.DriverWithContext
	database    string
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

func NewClient(ctx context.Context, uri, username, password, database string) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(
		uri,
		neo4j.BasicAuth(username, password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	err = driver.VerifyConnectivity(ctx)
	if err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}

	if database == "" {
		database = "neo4j"
	}

	cb := circuitbreaker.NewCircuitBreaker("neo4j", circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       3 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	c := &Client{
		driver:      driver,
		database:    database,
		cb:          cb,
		retryConfig: retryConfig,
	}
	if err := c.initSchema(ctx); err != nil {
		driver.Close(ctx)
		return nil, err
	}

	logger.Info("Neo4j client initialized", zap.String("uri", uri), zap.String("database", database))

	return c, nil
}

func (c *Client) Name() string { return "neo4j" }

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (c *Client) initSchema(ctx context.Context) error {
	statements := []string{
		`CREATE CONSTRAINT document_id IF NOT EXISTS FOR (d:Document) REQUIRE d.id IS UNIQUE`,
		`CREATE CONSTRAINT chunk_id IF NOT EXISTS FOR (c:Chunk) REQUIRE c.id IS UNIQUE`,
		`CREATE INDEX document_filename IF NOT EXISTS FOR (d:Document) ON (d.filename)`,
	}
	session := c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: c.database})
	defer session.Close(ctx)

	for _, stmt := range statements {
		if _, err := session.Run(ctx, stmt, nil); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

func (c *Client) executeWithRetry(ctx context.Context, operation func(neo4j.SessionWithContext) error) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			session := c.driver.NewSession(ctx, neo4j.SessionConfig{
				DatabaseName: c.database,
				AccessMode:   neo4j.AccessModeRead,
			})
			defer session.Close(ctx)
			return operation(session)
		})
	})
}

// withWriteTx runs fn in an explicit transaction and then step; it commits only
// when both succeed.
func (c *Client) withWriteTx(ctx context.Context, fn func(tx neo4j.ExplicitTransaction) error, step func(ctx context.Context) error) (err error) {
	session := c.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: c.database,
		AccessMode:   neo4j.AccessModeWrite,
	})
	defer session.Close(context.WithoutCancel(ctx))

	tx, err := session.BeginTransaction(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rerr := tx.Rollback(context.WithoutCancel(ctx)); rerr != nil {
				logger.Warn("Neo4j rollback failed", zap.Error(rerr))
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = step(ctx); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (c *Client) Record(ctx context.Context, doc models.Document, chunks []models.Chunk, publish func(ctx context.Context) error) error {
	status := doc.Status
	if status == "" {
		status = models.StatusActive
	}

	query := `
		CREATE (d:Document {
			id: $id,
			filename: $filename,
			content_type: $content_type,
			content_hash: $content_hash,
			size_bytes: $size_bytes,
			chunk_count: $chunk_count,
			status: $status,
			uploaded_at: $uploaded_at
		})
		WITH d
		UNWIND $chunks AS ch
		CREATE (d)-[:HAS_CHUNK]->(:Chunk {
			id: ch.id,
			ordinal: ch.ordinal,
			text: ch.text,
			start_offset: ch.start_offset,
			end_offset: ch.end_offset
		})
	`

	params := map[string]interface{}{
		"id":           doc.ID,
		"filename":     doc.Filename,
		"content_type": doc.ContentType,
		"content_hash": doc.ContentHash,
		"size_bytes":   doc.SizeBytes,
		"chunk_count":  int64(len(chunks)),
		"status":       status,
		"uploaded_at":  doc.UploadedAt.Unix(),
		"chunks":       chunkParams(chunks),
	}

	err := c.withWriteTx(ctx, func(tx neo4j.ExplicitTransaction) error {
		result, err := tx.Run(ctx, query, params)
		if err != nil {
			return fmt.Errorf("failed to create document: %w", err)
		}
		_, err = result.Consume(ctx)
		return err
	}, publish)
	if err != nil {
		return err
	}

	logger.Debug("Document recorded in graph", zap.String("doc_id", doc.ID), zap.Int("chunks", len(chunks)))
	return nil
}

func chunkParams(chunks []models.Chunk) []map[string]interface{} {
	out := make([]map[string]interface{}, len(chunks))
	for i, ch := range chunks {
		out[i] = map[string]interface{}{
			"id":           ch.ID,
			"ordinal":      int64(ch.Ordinal),
			"text":         ch.Text,
			"start_offset": int64(ch.StartOffset),
			"end_offset":   int64(ch.EndOffset),
		}
	}
	return out
}

func (c *Client) Clear(ctx context.Context, purge func(ctx context.Context) error) error {
	query := `
		MATCH (d:Document)
		OPTIONAL MATCH (d)-[:HAS_CHUNK]->(ch:Chunk)
		DETACH DELETE d, ch
	`

	return c.withWriteTx(ctx, func(tx neo4j.ExplicitTransaction) error {
		result, err := tx.Run(ctx, query, nil)
		if err != nil {
			return fmt.Errorf("failed to delete documents: %w", err)
		}
		_, err = result.Consume(ctx)
		return err
	}, purge)
}

func (c *Client) Documents(ctx context.Context) ([]models.DocumentSummary, error) {
	docs := make([]models.DocumentSummary, 0)

	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		docs = docs[:0]
		query := `
			MATCH (d:Document)
			WHERE d.chunk_count > 0
			RETURN d.filename AS filename, sum(d.chunk_count) AS chunks
			ORDER BY filename
		`

		result, err := session.Run(ctx, query, nil)
		if err != nil {
			return fmt.Errorf("failed to list documents: %w", err)
		}

		for result.Next(ctx) {
			record := result.Record()
			filename, _ := record.Get("filename")
			chunks, _ := record.Get("chunks")

			name, _ := filename.(string)
			n, _ := chunks.(int64)
			docs = append(docs, models.DocumentSummary{Filename: name, Chunks: int(n)})
		}

		if err = result.Err(); err != nil {
			return fmt.Errorf("error iterating results: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return docs, nil
}

func (c *Client) ChunkCount(ctx context.Context, documentID string) (int, error) {
	var count int64

	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		query := `
			MATCH (:Document {id: $id})-[:HAS_CHUNK]->(ch:Chunk)
			RETURN count(ch) AS n
		`

		result, err := session.Run(ctx, query, map[string]interface{}{"id": documentID})
		if err != nil {
			return fmt.Errorf("failed to count chunks: %w", err)
		}
		if result.Next(ctx) {
			n, _ := result.Record().Get("n")
			count, _ = n.(int64)
		}
		return result.Err()
	})
	if err != nil {
		return 0, err
	}

	return int(count), nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.driver.VerifyConnectivity(ctx)
}
