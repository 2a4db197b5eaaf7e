package chromemdb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"sync"

	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"

	"rag-gateway/internal/config"
	"rag-gateway/internal/models"
)

// VectorDBManager encapsulates the chromem-go database operations for one
// collection
type VectorDBManager struct {
	// guards against a search racing a rollback between Count and Query
	mu sync.RWMutex

	db            *chromem.DB
	collection    *chromem.Collection
	name          string
	dbPath        string
	compress      bool
	encryptionKey string
	exportPath    string
}

// NewVectorDBManager opens the collection described by cfg. An empty Path
// keeps everything in memory.
func NewVectorDBManager(cfg config.VectorStoreConfig) (*VectorDBManager, error) {
	var (
		db  *chromem.DB
		err error
	)
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %v", err)
		}
	}

	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create/get collection: %v", err)
	}

	return &VectorDBManager{
		db:            db,
		collection:    collection,
		name:          cfg.Collection,
		dbPath:        cfg.Path,
		compress:      cfg.Compress,
		encryptionKey: cfg.EncryptionKey,
		exportPath:    cfg.ExportPath,
	}, nil
}

// Add stores chunks with their vectors as one batch. If the batch fails
// half way the documents already written are removed again.
func (m *VectorDBManager) Add(ctx context.Context, chunks []models.Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("%w: %d chunks but %d vectors", models.ErrIndexUnavailable, len(chunks), len(vectors))
	}
	if len(chunks) == 0 {
		return nil
	}

	docs := make([]chromem.Document, len(chunks))
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		if c.ID == "" {
			return fmt.Errorf("%w: chunk %d has no id", models.ErrIndexUnavailable, i)
		}
		meta := make(map[string]string, len(c.Metadata)+1)
		for k, v := range c.Metadata {
			meta[k] = v
		}
		meta[models.MetaChunkIndex] = strconv.Itoa(c.ChunkID)
		docs[i] = chromem.Document{
			ID:        c.ID,
			Content:   c.Content,
			Metadata:  meta,
			Embedding: vectors[i],
		}
		ids[i] = c.ID
	}

	// AddDocuments reports success when ctx is already done
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.collection.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		if derr := m.collection.Delete(context.Background(), nil, nil, ids...); derr != nil {
			log.Error().Err(derr).Int("chunks", len(ids)).Msg("Failed to roll back partial batch")
		}
		return fmt.Errorf("%w: failed to add documents: %v", models.ErrIndexUnavailable, err)
	}
	return nil
}

// Search returns up to k chunks ordered by descending cosine similarity. An
// empty collection yields no matches.
func (m *VectorDBManager) Search(ctx context.Context, vector []float32, k int) ([]models.Match, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be > 0", models.ErrValidation)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	n := min(k, m.collection.Count())
	if n == 0 {
		return []models.Match{}, nil
	}

	results, err := m.collection.QueryEmbedding(ctx, vector, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query by similarity: %v", models.ErrIndexUnavailable, err)
	}

	matches := make([]models.Match, 0, len(results))
	for _, r := range results {
		chunkID, _ := strconv.Atoi(r.Metadata[models.MetaChunkIndex])
		matches = append(matches, models.Match{
			Chunk: models.Chunk{
				ID:       r.ID,
				Content:  r.Content,
				ChunkID:  chunkID,
				Metadata: r.Metadata,
			},
			Score: r.Similarity,
		})
	}
	return matches, nil
}

// Count returns the number of stored chunks
func (m *VectorDBManager) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collection.Count(), nil
}

// Reset drops every chunk of the collection
func (m *VectorDBManager) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.db.DeleteCollection(m.name); err != nil {
		return fmt.Errorf("failed to drop collection: %v", err)
	}
	c, err := m.db.GetOrCreateCollection(m.name, nil, nil)
	if err != nil {
		return fmt.Errorf("failed to create/get collection: %v", err)
	}
	m.collection = c
	return nil
}

// ExportPath is where Export writes and Import reads the snapshot
func (m *VectorDBManager) ExportPath() string {
	return m.exportPath
}

// Export writes the collection to a single, optionally encrypted, file
func (m *VectorDBManager) Export(ctx context.Context) error {
	if m.exportPath == "" {
		return fmt.Errorf("export path is required")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	log.Debug().
		Str("collection", m.name).
		Str("file", m.exportPath).
		Bool("compress", m.compress).
		Bool("encrypted", m.encryptionKey != "").
		Msg("Exporting collection")

	if err := m.db.ExportToFile(m.exportPath, m.compress, m.encryptionKey, m.name); err != nil {
		return fmt.Errorf("failed to export database: %v", err)
	}
	return nil
}

// Import restores the collection from the export file. A missing file is
// not an error. A collection that already holds chunks, for example one
// loaded from a persistent directory, is left as it is.
func (m *VectorDBManager) Import(ctx context.Context) error {
	if m.exportPath == "" {
		return nil
	}
	if _, err := os.Stat(m.exportPath); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if n := m.collection.Count(); n > 0 {
		log.Info().Str("collection", m.name).Int("chunks", n).Msg("Collection not empty, skipping import")
		return nil
	}

	if err := m.db.ImportFromFile(m.exportPath, m.encryptionKey, m.name); err != nil {
		return fmt.Errorf("failed to import database: %v", err)
	}
	c := m.db.GetCollection(m.name, nil)
	if c == nil {
		return fmt.Errorf("collection %s missing after import", m.name)
	}
	m.collection = c

	log.Info().Str("collection", m.name).Int("chunks", c.Count()).Msg("Imported collection")
	return nil
}
