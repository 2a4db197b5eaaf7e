package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"

	"rag-gateway/internal/config"
	"rag-gateway/internal/models"
)

const defaultTable = "chunks"

// ChunkRow is one embedded chunk. Score is only filled by similarity queries.
type ChunkRow struct {
	bun.BaseModel `bun:"table:chunks,alias:c"`

	ID         string            `bun:"id,pk"`
	Content    string            `bun:"content,notnull"`
	ChunkIndex int               `bun:"chunk_index,notnull"`
	Metadata   map[string]string `bun:"metadata,type:jsonb"`
	Embedding  pgvector.Vector   `bun:"embedding,type:vector,notnull"`
	CreatedAt  time.Time         `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	Score      float64           `bun:"score,scanonly"`
}

// Store keeps chunks in a postgres table with a pgvector column
type Store struct {
	db        *bun.DB
	table     string
	dimension int
}

func NewDB(sqldb *sql.DB, debug bool) *bun.DB {
	db := bun.NewDB(sqldb, pgdialect.New())
	if debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	return db
}

func ConnectDB(dsn, password string) *sql.DB {
	opts := []pgdriver.Option{pgdriver.WithDSN(dsn)}
	if password != "" {
		opts = append(opts, pgdriver.WithPassword(password))
	}
	return sql.OpenDB(pgdriver.NewConnector(opts...))
}

// NewStore connects to the database of cfg. dimension fixes the width of the
// vector column; zero leaves it unconstrained.
func NewStore(cfg config.DatabaseConfig, dimension int) *Store {
	table := cfg.Table
	if table == "" {
		table = defaultTable
	}
	return &Store{
		db:        NewDB(ConnectDB(cfg.DSN, cfg.Password), cfg.Debug),
		table:     table,
		dimension: dimension,
	}
}

func (s *Store) vectorType() string {
	if s.dimension > 0 {
		return fmt.Sprintf("vector(%d)", s.dimension)
	}
	return "vector"
}

// Init creates the vector extension and the chunk table
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create vector extension: %v", err)
	}
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS ? (
		id text PRIMARY KEY,
		content text NOT NULL,
		chunk_index integer NOT NULL,
		metadata jsonb,
		embedding ? NOT NULL,
		created_at timestamptz NOT NULL DEFAULT current_timestamp
	)`, bun.Ident(s.table), bun.Safe(s.vectorType()))
	if err != nil {
		return fmt.Errorf("failed to create table %s: %v", s.table, err)
	}
	log.Debug().Str("table", s.table).Str("type", s.vectorType()).Msg("Vector table ready")
	return nil
}

// Add inserts all chunks in one transaction
func (s *Store) Add(ctx context.Context, chunks []models.Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("%w: %d chunks but %d vectors", models.ErrIndexUnavailable, len(chunks), len(vectors))
	}
	if len(chunks) == 0 {
		return nil
	}

	rows := make([]ChunkRow, len(chunks))
	for i, c := range chunks {
		rows[i] = ChunkRow{
			ID:         c.ID,
			Content:    c.Content,
			ChunkIndex: c.ChunkID,
			Metadata:   c.Metadata,
			Embedding:  pgvector.NewVector(vectors[i]),
		}
	}

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewInsert().
			Model(&rows).
			ModelTableExpr("?", bun.Ident(s.table)).
			Exec(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: failed to insert chunks: %v", models.ErrIndexUnavailable, err)
	}
	return nil
}

// Search returns the k nearest chunks by cosine distance. Score is the cosine
// similarity.
func (s *Store) Search(ctx context.Context, vector []float32, k int) ([]models.Match, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be > 0", models.ErrValidation)
	}

	query := pgvector.NewVector(vector)
	var rows []ChunkRow
	err := s.db.NewSelect().
		Model(&rows).
		ModelTableExpr("? AS c", bun.Ident(s.table)).
		Column("id", "content", "chunk_index", "metadata").
		ColumnExpr("1 - (embedding <=> ?) AS score", query).
		OrderExpr("embedding <=> ?", query).
		Limit(k).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to search chunks: %v", models.ErrIndexUnavailable, err)
	}

	matches := make([]models.Match, 0, len(rows))
	for _, r := range rows {
		matches = append(matches, models.Match{
			Chunk: models.Chunk{
				ID:       r.ID,
				Content:  r.Content,
				ChunkID:  r.ChunkIndex,
				Metadata: r.Metadata,
			},
			Score: float32(r.Score),
		})
	}
	return matches, nil
}

// Count returns the number of stored chunks
func (s *Store) Count(ctx context.Context) (int, error) {
	n, err := s.db.NewSelect().
		Model((*ChunkRow)(nil)).
		ModelTableExpr("? AS c", bun.Ident(s.table)).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to count chunks: %v", models.ErrIndexUnavailable, err)
	}
	return n, nil
}

// Drop removes the chunk table
func (s *Store) Drop(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS ?", bun.Ident(s.table))
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}
