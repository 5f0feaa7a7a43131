// Package search retrieves knowledge-base documents by vector
// similarity from Postgres with the pgvector extension. The query text
// is embedded on every call; cosine distance ordering plus a similarity
// floor keeps irrelevant hits out of suggestions.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/livecall/backend/internal/types"
)

// Embedder turns text into an embedding vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// PostgresSearcher queries the document_embeddings table.
type PostgresSearcher struct {
	pool     *pgxpool.Pool
	embedder Embedder
	logger   zerolog.Logger
}

// NewPostgres connects to databaseURL and verifies the connection.
func NewPostgres(ctx context.Context, databaseURL string, embedder Embedder, logger zerolog.Logger) (*PostgresSearcher, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PostgresSearcher{
		pool:     pool,
		embedder: embedder,
		logger:   logger.With().Str("component", "search").Logger(),
	}, nil
}

const searchSQL = `
SELECT
    document_id,
    title,
    content,
    1 - (embedding <=> $1::vector) AS similarity,
    meta_data,
    category
FROM document_embeddings
WHERE 1 - (embedding <=> $1::vector) > $2
ORDER BY embedding <=> $1::vector
LIMIT $3`

// Search embeds query and returns the closest documents above
// similarityFloor, nearest first.
func (s *PostgresSearcher) Search(ctx context.Context, query string, limit int, similarityFloor float64) ([]types.RankedDocument, error) {
	if query == "" {
		return nil, nil
	}

	embedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	rows, err := s.pool.Query(ctx, searchSQL, vectorLiteral(embedding), similarityFloor, limit)
	if err != nil {
		return nil, fmt.Errorf("search documents: %w", err)
	}
	defer rows.Close()

	var docs []types.RankedDocument
	for rows.Next() {
		var doc types.RankedDocument
		var content, category *string
		var metaRaw []byte
		if err := rows.Scan(&doc.DocumentID, &doc.Title, &content, &doc.Similarity, &metaRaw, &category); err != nil {
			return nil, fmt.Errorf("scan document row: %w", err)
		}
		if content != nil {
			doc.Content = *content
		}
		if category != nil {
			doc.Category = *category
		}
		if len(metaRaw) > 0 {
			if err := json.Unmarshal(metaRaw, &doc.Metadata); err != nil {
				s.logger.Warn().Err(err).Str("docId", doc.DocumentID).Msg("unreadable document metadata")
			}
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read document rows: %w", err)
	}
	return docs, nil
}

func (s *PostgresSearcher) Close() {
	s.pool.Close()
}

// vectorLiteral renders an embedding in pgvector's input syntax so it
// can be passed as text and cast server side.
func vectorLiteral(embedding []float64) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range embedding {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(v, 'f', -1, 64))
	}
	b.WriteByte(']')
	return b.String()
}
