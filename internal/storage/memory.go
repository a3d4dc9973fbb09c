package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/maneesh/chunkdrop/internal/apperr"
	"github.com/maneesh/chunkdrop/internal/models"
)

// MemoryStore is an in-memory chunk and file store for tests and local runs.
// It enforces the same uniqueness rules as the TiDB schema.
type MemoryStore struct {
	mu     sync.RWMutex
	chunks map[string]map[int]*models.Chunk // file id -> number -> chunk
	files  map[string]*models.File
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chunks: make(map[string]map[int]*models.Chunk),
		files:  make(map[string]*models.File),
	}
}

func copyChunk(c *models.Chunk) *models.Chunk {
	cp := *c
	return &cp
}

func (m *MemoryStore) AddChunk(ctx context.Context, chunk *models.Chunk) (*models.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byNumber, ok := m.chunks[chunk.FileID]
	if !ok {
		byNumber = make(map[int]*models.Chunk)
		m.chunks[chunk.FileID] = byNumber
	}
	if _, exists := byNumber[chunk.Number]; exists {
		return nil, apperr.Wrap(apperr.ErrDuplicateKey, nil, "chunk %d of file %s", chunk.Number, chunk.FileID)
	}
	byNumber[chunk.Number] = copyChunk(chunk)
	return chunk, nil
}

func (m *MemoryStore) GetByIndex(ctx context.Context, fileID string, number int) (*models.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.chunks[fileID][number]
	if !ok {
		return nil, nil
	}
	return copyChunk(c), nil
}

func (m *MemoryStore) GetRange(ctx context.Context, fileID string, lo, hi int) ([]*models.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*models.Chunk
	for _, c := range m.chunks[fileID] {
		if c.Number >= lo && c.Number < hi {
			result = append(result, copyChunk(c))
		}
	}
	if len(result) != hi-lo {
		return nil, apperr.Wrap(apperr.ErrIncompleteRange, nil,
			"file %s has %d of %d chunks in [%d, %d)", fileID, len(result), hi-lo, lo, hi)
	}
	sortChunks(result)
	return result, nil
}

func (m *MemoryStore) GetOrdered(ctx context.Context, fileID string) ([]*models.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byNumber := m.chunks[fileID]
	if len(byNumber) == 0 {
		return nil, apperr.Wrap(apperr.ErrNotFound, nil, "no chunks for file %s", fileID)
	}

	result := make([]*models.Chunk, 0, len(byNumber))
	for _, c := range byNumber {
		result = append(result, copyChunk(c))
	}
	sortChunks(result)
	return result, nil
}

func (m *MemoryStore) GetSummary(ctx context.Context, fileID string) (*models.FileSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.chunks[fileID][0]
	if !ok {
		return nil, nil
	}
	return &models.FileSummary{
		FileID:      c.FileID,
		ChunkSize:   c.Size,
		FileSize:    c.FileSize,
		ContentType: c.ContentType,
		FileName:    c.FileName,
	}, nil
}

func (m *MemoryStore) DeleteAllForFile(ctx context.Context, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chunks, fileID)
	return nil
}

func (m *MemoryStore) StaleFileIDs(ctx context.Context, before time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for fileID, byNumber := range m.chunks {
		stale := true
		for _, c := range byNumber {
			if !c.UploadTimestamp.Before(before) {
				stale = false
				break
			}
		}
		if stale && len(byNumber) > 0 {
			ids = append(ids, fileID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ChunkCount returns the number of chunks stored for a file
func (m *MemoryStore) ChunkCount(fileID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chunks[fileID])
}

func (m *MemoryStore) CreateFile(ctx context.Context, file *models.File) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.files[file.ID]; exists {
		return apperr.Wrap(apperr.ErrDuplicateKey, nil, "file %s", file.ID)
	}
	cp := *file
	m.files[file.ID] = &cp
	return nil
}

func (m *MemoryStore) GetFile(ctx context.Context, fileID string) (*models.File, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.files[fileID]
	if !ok {
		return nil, apperr.Wrap(apperr.ErrNotFound, nil, "file %s", fileID)
	}
	cp := *f
	return &cp, nil
}

func sortChunks(chunks []*models.Chunk) {
	sort.Slice(chunks, func(i, j int) bool {
		return chunks[i].Number < chunks[j].Number
	})
}
