package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maneesh/chunkdrop/internal/apperr"
	"github.com/maneesh/chunkdrop/internal/models"
)

// GatewayTypeMemory is used for tests and local development
const GatewayTypeMemory = "memory"

func init() {
	RegisterGateway(GatewayTypeMemory, func(ctx context.Context, cfg GatewayConfig) (Gateway, error) {
		return NewMemoryGateway(), nil
	})
}

type memoryUpload struct {
	key   string
	parts map[int][]byte
	etags map[int]string
}

// MemoryGateway is an in-memory object store implementing Gateway
type MemoryGateway struct {
	mu      sync.RWMutex
	objects map[string][]byte
	uploads map[string]*memoryUpload
}

var _ Gateway = (*MemoryGateway)(nil)

// NewMemoryGateway creates an empty in-memory object store
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		objects: make(map[string][]byte),
		uploads: make(map[string]*memoryUpload),
	}
}

func (m *MemoryGateway) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *MemoryGateway) PutObject(ctx context.Context, key string, data []byte, visibility models.Visibility) (string, error) {
	buf := make([]byte, len(data))
	copy(buf, data)

	m.mu.Lock()
	m.objects[key] = buf
	m.mu.Unlock()

	if visibility == models.Public {
		return m.PublicURL(key), nil
	}
	return "", nil
}

func (m *MemoryGateway) GetObject(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.objects[key]
	if !ok {
		return nil, apperr.Wrap(apperr.ErrNotFound, nil, "object %s", key)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *MemoryGateway) InitiateMultipart(ctx context.Context, key string, visibility models.Visibility) (string, error) {
	uploadID := uuid.NewString()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads[uploadID] = &memoryUpload{
		key:   key,
		parts: make(map[int][]byte),
		etags: make(map[int]string),
	}
	return uploadID, nil
}

func (m *MemoryGateway) UploadPart(ctx context.Context, uploadID, key string, partNumber int, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	upload, ok := m.uploads[uploadID]
	if !ok || upload.key != key {
		return "", apperr.Wrap(apperr.ErrUploadFailed, nil, "no such upload %s for %s", uploadID, key)
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	sum := md5.Sum(buf)
	etag := hex.EncodeToString(sum[:])

	upload.parts[partNumber] = buf
	upload.etags[partNumber] = etag
	return etag, nil
}

func (m *MemoryGateway) CompleteMultipart(ctx context.Context, uploadID, key string, parts []models.CompletedPart) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	upload, ok := m.uploads[uploadID]
	if !ok || upload.key != key {
		return apperr.Wrap(apperr.ErrUploadFailed, nil, "no such upload %s for %s", uploadID, key)
	}

	var b strings.Builder
	prev := 0
	for _, part := range parts {
		if part.PartNumber <= prev {
			return apperr.Wrap(apperr.ErrUploadFailed, nil, "part %d out of order", part.PartNumber)
		}
		prev = part.PartNumber
		if upload.etags[part.PartNumber] != part.ETag {
			return apperr.Wrap(apperr.ErrUploadFailed, nil, "etag mismatch for part %d", part.PartNumber)
		}
		b.Write(upload.parts[part.PartNumber])
	}

	m.objects[key] = []byte(b.String())
	delete(m.uploads, uploadID)
	return nil
}

func (m *MemoryGateway) AbortMultipart(ctx context.Context, uploadID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.uploads, uploadID)
	return nil
}

func (m *MemoryGateway) PresignURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if ok, _ := m.Exists(ctx, key); !ok {
		return "", apperr.Wrap(apperr.ErrNotFound, nil, "object %s", key)
	}
	return fmt.Sprintf("memory://%s?expires=%d", key, int(expiry.Seconds())), nil
}

func (m *MemoryGateway) RemoveObject(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *MemoryGateway) PublicURL(key string) string {
	return "memory://" + key
}

// PendingUploads returns the number of multipart uploads neither completed
// nor aborted
func (m *MemoryGateway) PendingUploads() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.uploads)
}

// ObjectCount returns the number of stored objects
func (m *MemoryGateway) ObjectCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
