package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"go.uber.org/zap"

	"contractlens/internal/fault"
	"contractlens/internal/llm"
	"contractlens/internal/models"
)

// SearchResult is one vector neighbour. RelevanceScore is
// 1 - cosine distance, clamped to [0, 1].
type SearchResult struct {
	ChunkID        string            `json:"chunk_id"`
	ContractID     string            `json:"contract_id"`
	SectionName    string            `json:"section_name"`
	Text           string            `json:"text"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Distance       float64           `json:"distance"`
	RelevanceScore float64           `json:"relevance_score"`
}

// Index is the vector-search surface the retriever and pipeline depend on.
type Index interface {
	Upsert(ctx context.Context, chunks []models.DocumentChunk) error
	SemanticSearch(ctx context.Context, query string, n int, contractID string) ([]SearchResult, error)
	DeleteContract(ctx context.Context, contractID string) (int64, error)
}

// Store keeps chunk embeddings in Postgres with pgvector.
type Store struct {
	db       *pgxpool.Pool
	embedder llm.Embedder
	log      *zap.Logger
}

func NewStore(ctx context.Context, dbURL string, embedder llm.Embedder, log *zap.Logger) (*Store, error) {
	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse db url: %w", err)
	}

	if maxConnStr := os.Getenv("DB_MAX_OPEN_CONNS"); maxConnStr != "" {
		if maxConn, err := strconv.Atoi(maxConnStr); err == nil {
			config.MaxConns = int32(maxConn)
		}
	}
	config.AfterConnect = pgxvec.RegisterTypes

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	return &Store{db: pool, embedder: embedder, log: log}, nil
}

func (s *Store) Migrate(ctx context.Context, schemaPath string) error {
	content, err := os.ReadFile(schemaPath)
	if err != nil {
		return fmt.Errorf("failed to read schema file: %w", err)
	}
	if _, err := s.db.Exec(ctx, string(content)); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Upsert embeds any chunks that arrive without a vector, then writes the
// batch in one transaction. Re-upserting a chunk_id replaces the row, so
// repeated ingests of the same contract converge.
func (s *Store) Upsert(ctx context.Context, chunks []models.DocumentChunk) error {
	if len(chunks) == 0 {
		return nil
	}

	var missing []int
	var texts []string
	for i := range chunks {
		if len(chunks[i].Embedding) == 0 {
			missing = append(missing, i)
			texts = append(texts, chunks[i].Text)
		}
	}
	if len(missing) > 0 {
		vectors, err := s.embedder.Embed(ctx, texts, llm.TaskRetrievalDocument)
		if err != nil {
			return fmt.Errorf("embed %d chunks: %w", len(missing), err)
		}
		for j, idx := range missing {
			chunks[idx].Embedding = vectors[j]
		}
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fault.Wrap(fault.KindTransient, err)
	}
	defer tx.Rollback(ctx)

	for _, chunk := range chunks {
		metadata, err := json.Marshal(chunk.Metadata)
		if err != nil {
			return fault.Wrap(fault.KindFatal, err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO contract_chunks (chunk_id, contract_id, section_name, chunk_index, content, embedding, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (chunk_id) DO UPDATE SET
				contract_id = EXCLUDED.contract_id,
				section_name = EXCLUDED.section_name,
				chunk_index = EXCLUDED.chunk_index,
				content = EXCLUDED.content,
				embedding = EXCLUDED.embedding,
				metadata = EXCLUDED.metadata`,
			chunk.ChunkID, chunk.ContractID, chunk.SectionName, chunk.ChunkIndex,
			chunk.Text, pgvector.NewVector(chunk.Embedding), metadata)
		if err != nil {
			return fault.Wrap(fault.KindTransient, fmt.Errorf("upsert chunk %s: %w", chunk.ChunkID, err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fault.Wrap(fault.KindTransient, err)
	}

	s.log.Info("chunks upserted",
		zap.Int("count", len(chunks)),
		zap.String("contract_id", chunks[0].ContractID))
	return nil
}

// SemanticSearch embeds the query and returns the n nearest chunks by
// cosine distance, optionally restricted to one contract.
func (s *Store) SemanticSearch(ctx context.Context, query string, n int, contractID string) ([]SearchResult, error) {
	if query == "" {
		return nil, fault.New(fault.KindInvalidInput, "empty query")
	}
	if n <= 0 {
		n = 5
	}

	vectors, err := s.embedder.Embed(ctx, []string{query}, llm.TaskRetrievalQuery)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	queryVec := pgvector.NewVector(vectors[0])

	sql := `
		SELECT chunk_id, contract_id, section_name, content, metadata, embedding <=> $1 AS distance
		FROM contract_chunks`
	args := []any{queryVec}
	if contractID != "" {
		sql += ` WHERE contract_id = $2`
		args = append(args, contractID)
	}
	sql += fmt.Sprintf(` ORDER BY distance LIMIT %d`, n)

	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var metadata []byte
		if err := rows.Scan(&r.ChunkID, &r.ContractID, &r.SectionName, &r.Text, &metadata, &r.Distance); err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			_ = json.Unmarshal(metadata, &r.Metadata)
		}
		r.RelevanceScore = clamp01(1 - r.Distance)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.KindTransient, err)
	}
	return results, nil
}

// DeleteContract removes every chunk of a contract and reports the count.
func (s *Store) DeleteContract(ctx context.Context, contractID string) (int64, error) {
	ct, err := s.db.Exec(ctx, `DELETE FROM contract_chunks WHERE contract_id = $1`, contractID)
	if err != nil {
		return 0, fault.Wrap(fault.KindTransient, err)
	}
	deleted := ct.RowsAffected()
	s.log.Info("contract chunks deleted",
		zap.String("contract_id", contractID),
		zap.Int64("count", deleted))
	return deleted, nil
}

// CountChunks reports the collection size for the status endpoint.
func (s *Store) CountChunks(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM contract_chunks`).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
