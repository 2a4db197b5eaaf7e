package chromemdb

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rag-gateway/internal/config"
	"rag-gateway/internal/models"
)

func newMemoryIndex(t *testing.T) *VectorDBManager {
	t.Helper()
	m, err := NewVectorDBManager(config.VectorStoreConfig{Kind: config.StoreChromem, Collection: "test"})
	require.NoError(t, err)
	return m
}

func chunk(id string, n int, text string) models.Chunk {
	return models.Chunk{
		ID:       id,
		Content:  text,
		ChunkID:  n,
		Metadata: map[string]string{models.MetaFilename: "doc.txt"},
	}
}

func TestSearch_EmptyIndex(t *testing.T) {
	m := newMemoryIndex(t)

	matches, err := m.Search(context.Background(), []float32{1, 0, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestSearch_OrdersBySimilarityAndClampsK(t *testing.T) {
	m := newMemoryIndex(t)
	ctx := context.Background()

	err := m.Add(ctx,
		[]models.Chunk{chunk("a", 0, "east"), chunk("b", 1, "north"), chunk("c", 2, "north-east")},
		[][]float32{{1, 0}, {0, 1}, {0.7, 0.7}},
	)
	require.NoError(t, err)

	count, err := m.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	matches, err := m.Search(ctx, []float32{0.1, 1}, 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "north", matches[0].Chunk.Content)
	assert.Equal(t, "north-east", matches[1].Chunk.Content)
	assert.GreaterOrEqual(t, matches[0].Score, matches[1].Score)
	assert.Equal(t, 1, matches[0].Chunk.ChunkID)
	assert.Equal(t, "doc.txt", matches[0].Chunk.Metadata[models.MetaFilename])

	matches, err = m.Search(ctx, []float32{1, 0}, 10)
	require.NoError(t, err)
	assert.Len(t, matches, 3)
	assert.Equal(t, "east", matches[0].Chunk.Content)
}

func TestSearch_RejectsNonPositiveK(t *testing.T) {
	m := newMemoryIndex(t)
	_, err := m.Search(context.Background(), []float32{1}, 0)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestAdd_RollsBackFailedBatch(t *testing.T) {
	m := newMemoryIndex(t)
	ctx := context.Background()

	chunks := make([]models.Chunk, 0, 21)
	vectors := make([][]float32, 0, 21)
	for i := 0; i < 20; i++ {
		chunks = append(chunks, chunk(fmt.Sprintf("ok-%d", i), i, "text"))
		vectors = append(vectors, []float32{1, float32(i)})
	}
	// no content and no vector is rejected by the collection
	chunks = append(chunks, chunk("broken", 20, ""))
	vectors = append(vectors, nil)

	err := m.Add(ctx, chunks, vectors)
	assert.ErrorIs(t, err, models.ErrIndexUnavailable)

	count, err := m.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestAdd_Validation(t *testing.T) {
	m := newMemoryIndex(t)
	ctx := context.Background()

	err := m.Add(ctx, []models.Chunk{chunk("a", 0, "x")}, nil)
	assert.ErrorIs(t, err, models.ErrIndexUnavailable)

	err = m.Add(ctx, []models.Chunk{chunk("", 0, "x")}, [][]float32{{1}})
	assert.ErrorIs(t, err, models.ErrIndexUnavailable)

	assert.NoError(t, m.Add(ctx, nil, nil))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err = m.Add(cancelled, []models.Chunk{chunk("a", 0, "x")}, [][]float32{{1}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExportImport_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	cfg := config.VectorStoreConfig{
		Kind:          config.StoreChromem,
		Collection:    "snap",
		ExportPath:    filepath.Join(dir, "snap.gob.enc"),
		EncryptionKey: "0123456789abcdef0123456789abcdef",
	}

	src, err := NewVectorDBManager(cfg)
	require.NoError(t, err)
	require.NoError(t, src.Add(ctx, []models.Chunk{chunk("a", 0, "alpha"), chunk("b", 1, "beta")}, [][]float32{{1, 0}, {0, 1}}))
	require.NoError(t, src.Export(ctx))

	dst, err := NewVectorDBManager(cfg)
	require.NoError(t, err)
	require.NoError(t, dst.Import(ctx))

	count, err := dst.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	matches, err := dst.Search(ctx, []float32{0, 1}, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "beta", matches[0].Chunk.Content)
}

func TestImport_MissingFileIsNoop(t *testing.T) {
	m, err := NewVectorDBManager(config.VectorStoreConfig{
		Kind:       config.StoreChromem,
		Collection: "c",
		ExportPath: filepath.Join(t.TempDir(), "absent.gob"),
	})
	require.NoError(t, err)
	assert.NoError(t, m.Import(context.Background()))
}

func TestReset(t *testing.T) {
	m := newMemoryIndex(t)
	ctx := context.Background()
	require.NoError(t, m.Add(ctx, []models.Chunk{chunk("a", 0, "x")}, [][]float32{{1}}))
	require.NoError(t, m.Reset(ctx))

	count, err := m.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestPersistentRestart_KeepsChunksAddedAfterExport(t *testing.T) {
	ctx := context.Background()
	cfg := config.VectorStoreConfig{
		Kind:       config.StoreChromem,
		Path:       t.TempDir(),
		Collection: "docs",
		ExportPath: filepath.Join(t.TempDir(), "docs.chromem"),
	}

	first, err := NewVectorDBManager(cfg)
	require.NoError(t, err)
	require.NoError(t, first.Add(ctx, []models.Chunk{chunk("a", 0, "alpha")}, [][]float32{{1, 0}}))
	require.NoError(t, first.Export(ctx))
	// written to disk but never exported, as after a crash
	require.NoError(t, first.Add(ctx, []models.Chunk{chunk("b", 0, "beta")}, [][]float32{{0, 1}}))

	reopened, err := NewVectorDBManager(cfg)
	require.NoError(t, err)
	require.NoError(t, reopened.Import(ctx))

	count, err := reopened.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	matches, err := reopened.Search(ctx, []float32{0, 1}, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "beta", matches[0].Chunk.Content)
}

func TestNewVectorDBManager_NoDefaultExportPath(t *testing.T) {
	m, err := NewVectorDBManager(config.VectorStoreConfig{
		Kind:       config.StoreChromem,
		Path:       t.TempDir(),
		Collection: "docs",
	})
	require.NoError(t, err)
	assert.Empty(t, m.ExportPath())
	assert.NoError(t, m.Import(context.Background()))
}

func TestConcurrentAddAndSearch(t *testing.T) {
	m := newMemoryIndex(t)
	ctx := context.Background()

	const (
		writers   = 8
		batches   = 10
		batchSize = 5
		readers   = 4
	)

	var wg sync.WaitGroup
	errs := make(chan error, writers*batches+readers*batches)

	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for b := 0; b < batches; b++ {
				chunks := make([]models.Chunk, batchSize)
				vectors := make([][]float32, batchSize)
				for i := range chunks {
					chunks[i] = chunk(fmt.Sprintf("w%d-b%d-c%d", w, b, i), i, "text")
					vectors[i] = []float32{float32(w + 1), float32(b + 1), float32(i + 1)}
				}
				if err := m.Add(ctx, chunks, vectors); err != nil {
					errs <- err
				}
			}
		}(w)
	}
	for r := 0; r < readers; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for b := 0; b < batches; b++ {
				matches, err := m.Search(ctx, []float32{1, 1, 1}, 5)
				if err != nil {
					errs <- err
					continue
				}
				if len(matches) > 5 {
					errs <- fmt.Errorf("got %d matches for k=5", len(matches))
				}
				for i := 1; i < len(matches); i++ {
					if matches[i-1].Score < matches[i].Score {
						errs <- fmt.Errorf("matches out of order at %d", i)
					}
				}
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	count, err := m.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, writers*batches*batchSize, count)
}
