// Package pgvector stores chunk embeddings in Postgres with the pgvector extension.
package pgvector

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgv "github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/northoaks/contract-ai/backend/internal/vector"
	"github.com/northoaks/contract-ai/backend/pkg/logger"
)

var tableName = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

type Store struct {
	pool      *pgxpool.Pool
	table     string
	dimension int
}

func NewStore(ctx context.Context, dsn, table string, dimension int) (*Store, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	logger.Info("pgvector store initialized", zap.String("table", table), zap.Int("dimension", dimension))

	return &Store{pool: pool, table: table, dimension: dimension}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) ident() string {
	return pgx.Identifier{s.table}.Sanitize()
}

func (s *Store) EnsureCollection(ctx context.Context) error {
	statements := createStatements(s.table, s.dimension)
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			if isDuplicateObject(err) {
				// lost a creation race with another process
				continue
			}
			return fmt.Errorf("failed to prepare vector table: %w", err)
		}
	}
	return nil
}

func createStatements(table string, dimension int) []string {
	ident := pgx.Identifier{table}.Sanitize()
	indexIdent := pgx.Identifier{table + "_embedding_idx"}.Sanitize()
	docIdent := pgx.Identifier{table + "_document_idx"}.Sanitize()
	return []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			point_id UUID PRIMARY KEY,
			document_id BIGINT NOT NULL,
			chunk_index INT NOT NULL,
			text TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			embedding vector(%d) NOT NULL
		)`, ident, dimension),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (document_id)`, docIdent, ident),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (embedding vector_cosine_ops)`, indexIdent, ident),
	}
}

func isDuplicateObject(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	// unique_violation on the catalog, duplicate_table, duplicate_object
	return pgErr.Code == "23505" || pgErr.Code == "42P07" || pgErr.Code == "42710"
}

func (s *Store) Upsert(ctx context.Context, rec vector.Record) (string, error) {
	if err := vector.CheckDimension(rec.Vector, s.dimension); err != nil {
		return "", err
	}

	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	pointID := uuid.NewString()

	query := fmt.Sprintf(`INSERT INTO %s (point_id, document_id, chunk_index, text, created_at, embedding)
		VALUES ($1, $2, $3, $4, $5, $6)`, s.ident())
	if _, err := s.pool.Exec(ctx, query, pointID, rec.DocumentID, rec.ChunkIndex, rec.Text, created, pgv.NewVector(rec.Vector)); err != nil {
		return "", fmt.Errorf("failed to insert vector: %w", err)
	}
	return pointID, nil
}

func (s *Store) Search(ctx context.Context, query []float32, opts vector.SearchOptions) ([]vector.SearchResult, error) {
	if err := vector.CheckDimension(query, s.dimension); err != nil {
		return nil, err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	var docFilter []int64
	if len(opts.DocumentIDs) > 0 {
		docFilter = opts.DocumentIDs
	}

	sql := fmt.Sprintf(`SELECT point_id::text, document_id, chunk_index, text, 1 - (embedding <=> $1) AS score
		FROM %s
		WHERE ($3::bigint[] IS NULL OR document_id = ANY($3))
		  AND 1 - (embedding <=> $1) >= $4
		ORDER BY embedding <=> $1
		LIMIT $2`, s.ident())

	rows, err := s.pool.Query(ctx, sql, pgv.NewVector(query), limit, docFilter, opts.ScoreThreshold)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}
	defer rows.Close()

	var results []vector.SearchResult
	for rows.Next() {
		var (
			r     vector.SearchResult
			score float64
		)
		if err := rows.Scan(&r.PointID, &r.DocumentID, &r.ChunkIndex, &r.Text, &score); err != nil {
			return nil, fmt.Errorf("failed to scan search row: %w", err)
		}
		r.Score = float32(score)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read search rows: %w", err)
	}

	return vector.Rank(results, opts.ScoreThreshold, limit), nil
}

func (s *Store) DeleteByDocument(ctx context.Context, documentID int64) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE document_id = $1`, s.ident())
	tag, err := s.pool.Exec(ctx, query, documentID)
	if err != nil {
		return fmt.Errorf("failed to delete vectors for document %d: %w", documentID, err)
	}
	logger.Info("Vectors deleted", zap.Int64("document_id", documentID), zap.Int64("rows", tag.RowsAffected()))
	return nil
}
