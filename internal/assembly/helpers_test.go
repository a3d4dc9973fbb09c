package assembly

import (
	"context"
	"encoding/base64"
	"errors"
	"math/rand"
	"testing"

	"github.com/maneesh/chunkdrop/internal/models"
	"github.com/maneesh/chunkdrop/internal/storage"

	"github.com/stretchr/testify/require"
)

const (
	// multipart fixture: nine 300 KiB chunks plus a short tail, about 2.7 MiB
	bigChunkSize = 300 * 1024
	bigTailSize  = 100000
	bigChunks    = 10
)

type fixture struct {
	svc     *Service
	store   *storage.MemoryStore
	gateway *faultyGateway
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	gw := &faultyGateway{MemoryGateway: storage.NewMemoryGateway()}
	return &fixture{
		svc:     NewService(store, store, gw, nil, opts),
		store:   store,
		gateway: gw,
	}
}

// multipartOptions routes the big fixture through the multipart path with
// 1 MiB parts, giving groups [0,3) and [3,10)
func multipartOptions() Options {
	return Options{MultipartThresholdMB: 1, PartSize: 1024 * 1024}
}

func randomBytes(seed int64, n int) []byte {
	buf := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(buf)
	return buf
}

// splitEncoded base64-encodes raw and cuts the text into n nearly equal slices
func splitEncoded(raw []byte, n int) []string {
	encoded := base64.StdEncoding.EncodeToString(raw)
	slices := make([]string, 0, n)
	step := len(encoded) / n
	extra := len(encoded) % n
	pos := 0
	for i := 0; i < n; i++ {
		size := step
		if i < extra {
			size++
		}
		slices = append(slices, encoded[pos:pos+size])
		pos += size
	}
	return slices
}

// smallFile is 1000 random bytes sent as 10 chunks declared at 100 bytes each
func smallFile(seed int64) (raw []byte, encoded []string) {
	raw = randomBytes(seed, 1000)
	return raw, splitEncoded(raw, 10)
}

// bigFile encodes each chunk separately; chunk sizes divisible by 3 keep the
// concatenation identical to encoding the whole file
func bigFile(seed int64) (raw []byte, encoded []string, fileSize int64) {
	fileSize = int64((bigChunks-1)*bigChunkSize + bigTailSize)
	raw = randomBytes(seed, int(fileSize))
	for i := 0; i < bigChunks; i++ {
		end := (i + 1) * bigChunkSize
		if end > len(raw) {
			end = len(raw)
		}
		encoded = append(encoded, base64.StdEncoding.EncodeToString(raw[i*bigChunkSize:end]))
	}
	return raw, encoded, fileSize
}

func chunkRequest(fileID string, number int, data string, size, fileSize int64) *ChunkRequest {
	return &ChunkRequest{
		FileID:      fileID,
		Number:      number,
		Data:        data,
		Size:        size,
		FileSize:    fileSize,
		ContentType: "application/octet-stream",
		FileName:    "payload.bin",
	}
}

func submitSmall(t *testing.T, svc *Service, fileID string, encoded []string, fileSize int64) {
	t.Helper()
	for i, data := range encoded {
		_, err := svc.SubmitChunk(context.Background(), chunkRequest(fileID, i, data, 100, fileSize))
		require.NoError(t, err, "chunk %d", i)
	}
}

func submitBig(t *testing.T, svc *Service, fileID string, encoded []string, fileSize int64, skip ...int) {
	t.Helper()
	skipped := make(map[int]bool, len(skip))
	for _, n := range skip {
		skipped[n] = true
	}
	for i, data := range encoded {
		if skipped[i] {
			continue
		}
		size := int64(bigChunkSize)
		if i == len(encoded)-1 {
			size = bigTailSize
		}
		_, err := svc.SubmitChunk(context.Background(), chunkRequest(fileID, i, data, size, fileSize))
		require.NoError(t, err, "chunk %d", i)
	}
}

// faultyGateway wraps the memory gateway with injectable multipart faults
type faultyGateway struct {
	*storage.MemoryGateway

	emptyUploadID bool
	emptyETag     bool
	failPart      int
	afterPart     func(partNumber int)

	initiated int
	parts     []int
	aborts    int
}

func (g *faultyGateway) InitiateMultipart(ctx context.Context, key string, visibility models.Visibility) (string, error) {
	g.initiated++
	if g.emptyUploadID {
		return "", nil
	}
	return g.MemoryGateway.InitiateMultipart(ctx, key, visibility)
}

func (g *faultyGateway) UploadPart(ctx context.Context, uploadID, key string, partNumber int, data []byte) (string, error) {
	if g.failPart == partNumber {
		return "", errors.New("connection reset by peer")
	}
	etag, err := g.MemoryGateway.UploadPart(ctx, uploadID, key, partNumber, data)
	if err != nil {
		return "", err
	}
	g.parts = append(g.parts, partNumber)
	if g.afterPart != nil {
		g.afterPart(partNumber)
	}
	if g.emptyETag {
		return "", nil
	}
	return etag, nil
}

func (g *faultyGateway) AbortMultipart(ctx context.Context, uploadID, key string) error {
	g.aborts++
	return g.MemoryGateway.AbortMultipart(ctx, uploadID, key)
}

// failingFileStore refuses to record files
type failingFileStore struct {
	*storage.MemoryStore
	err error
}

func (f *failingFileStore) CreateFile(ctx context.Context, file *models.File) error {
	return f.err
}

// racingGateway runs beforePut once, ahead of the first PutObject
type racingGateway struct {
	*storage.MemoryGateway

	beforePut func(key string)
}

func (g *racingGateway) PutObject(ctx context.Context, key string, data []byte, visibility models.Visibility) (string, error) {
	if hook := g.beforePut; hook != nil {
		g.beforePut = nil
		hook(key)
	}
	return g.MemoryGateway.PutObject(ctx, key, data, visibility)
}
