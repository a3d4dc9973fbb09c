package assembly

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/maneesh/chunkdrop/internal/apperr"
	"github.com/maneesh/chunkdrop/internal/models"
	"github.com/maneesh/chunkdrop/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Single-shot path
// ============================================================================

func TestUploadFile_PrivateSingleShot(t *testing.T) {
	// given
	f := newFixture(t, Options{})
	fileID := uuid.NewString()
	raw, encoded := smallFile(1)
	submitSmall(t, f.svc, fileID, encoded, 1000)

	// when
	file, err := f.svc.UploadFile(context.Background(), fileID, models.Private)

	// then
	require.NoError(t, err)
	assert.Equal(t, fileID, file.ID)
	assert.Equal(t, int64(1000), file.Size)
	assert.Equal(t, "payload.bin", file.Name)
	assert.Equal(t, "application/octet-stream", file.ContentType)
	assert.Empty(t, file.URL)
	assert.Equal(t, 0, f.store.ChunkCount(fileID))

	stored, err := f.store.GetFile(context.Background(), fileID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), stored.Size)

	object, err := f.gateway.GetObject(context.Background(), storage.ObjectKey(fileID, models.Private))
	require.NoError(t, err)
	decoded, err := base64.StdEncoding.DecodeString(string(object))
	require.NoError(t, err)
	assert.Equal(t, raw, decoded)
	assert.Zero(t, f.gateway.initiated, "small files never use multipart")
}

func TestUploadFile_PublicSingleShot(t *testing.T) {
	f := newFixture(t, Options{})
	fileID := uuid.NewString()
	_, encoded := smallFile(2)
	submitSmall(t, f.svc, fileID, encoded, 1000)

	file, err := f.svc.UploadFile(context.Background(), fileID, models.Public)
	require.NoError(t, err)
	assert.Equal(t, "memory://public/"+fileID, file.URL)
	assert.True(t, file.IsPublic())

	exists, err := f.gateway.Exists(context.Background(), "public/"+fileID)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestUploadFile_NoChunks(t *testing.T) {
	f := newFixture(t, Options{})
	fileID := uuid.NewString()

	_, err := f.svc.UploadFile(context.Background(), fileID, models.Private)

	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	_, err = f.store.GetFile(context.Background(), fileID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestUploadFile_ExistingRecord(t *testing.T) {
	// given an id that was already assembled
	ctx := context.Background()
	f := newFixture(t, Options{})
	fileID := uuid.NewString()
	original := &models.File{ID: fileID, Name: "first.bin", Size: 42, UploadTimestamp: time.Now()}
	require.NoError(t, f.store.CreateFile(ctx, original))

	_, encoded := smallFile(3)
	submitSmall(t, f.svc, fileID, encoded, 1000)

	// when
	_, err := f.svc.UploadFile(ctx, fileID, models.Private)

	// then the record is untouched and chunks stay
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrDuplicateFile)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	stored, err := f.store.GetFile(ctx, fileID)
	require.NoError(t, err)
	assert.Equal(t, "first.bin", stored.Name)
	assert.Equal(t, int64(42), stored.Size)
	assert.Equal(t, 10, f.store.ChunkCount(fileID))
	assert.Zero(t, f.gateway.ObjectCount())
}

func TestUploadFile_ExistingObjectUnderOtherVisibility(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	fileID := uuid.NewString()
	_, err := f.gateway.PutObject(ctx, "public/"+fileID, []byte("x"), models.Public)
	require.NoError(t, err)

	_, encoded := smallFile(4)
	submitSmall(t, f.svc, fileID, encoded, 1000)

	_, err = f.svc.UploadFile(ctx, fileID, models.Private)
	assert.ErrorIs(t, err, apperr.ErrDuplicateFile)
	assert.Equal(t, 10, f.store.ChunkCount(fileID))
}

func TestUploadFile_SizeMismatch(t *testing.T) {
	// given chunks whose payload adds up to 1000 bytes but declare 2000
	ctx := context.Background()
	f := newFixture(t, Options{})
	fileID := uuid.NewString()
	_, encoded := smallFile(5)
	submitSmall(t, f.svc, fileID, encoded, 2000)

	// when
	_, err := f.svc.UploadFile(ctx, fileID, models.Private)

	// then
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrSizeMismatch)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Zero(t, f.gateway.ObjectCount())
	assert.Equal(t, 10, f.store.ChunkCount(fileID))
	_, err = f.store.GetFile(ctx, fileID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestUploadFile_GapInSingleShot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	fileID := uuid.NewString()
	_, encoded := smallFile(6)
	for i, data := range encoded {
		if i == 4 {
			continue
		}
		_, err := f.svc.SubmitChunk(ctx, chunkRequest(fileID, i, data, 100, 1000))
		require.NoError(t, err)
	}

	_, err := f.svc.UploadFile(ctx, fileID, models.Private)
	assert.ErrorIs(t, err, apperr.ErrIncompleteRange)
	assert.Zero(t, f.gateway.ObjectCount())
}

func TestUploadFile_RecordFailureRemovesObject(t *testing.T) {
	// given a file store that cannot record files
	ctx := context.Background()
	store := storage.NewMemoryStore()
	gw := storage.NewMemoryGateway()
	files := &failingFileStore{MemoryStore: store, err: errors.New("lost connection to tidb")}
	svc := NewService(store, files, gw, nil, Options{})

	fileID := uuid.NewString()
	_, encoded := smallFile(7)
	submitSmall(t, svc, fileID, encoded, 1000)

	// when
	_, err := svc.UploadFile(ctx, fileID, models.Private)

	// then the object is compensated away and chunks survive for a retry
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrStorage)
	assert.Equal(t, apperr.KindBackend, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "lost connection to tidb")
	assert.Zero(t, gw.ObjectCount())
	assert.Equal(t, 10, store.ChunkCount(fileID))
}

func TestUploadFile_RecordRaceSameKeyKeepsObject(t *testing.T) {
	// given a private finalize that completes while another private finalize
	// of the same id is storing its object
	ctx := context.Background()
	store := storage.NewMemoryStore()
	gw := &racingGateway{MemoryGateway: storage.NewMemoryGateway()}
	svc := NewService(store, store, gw, nil, Options{})

	fileID := uuid.NewString()
	_, encoded := smallFile(8)
	submitSmall(t, svc, fileID, encoded, 1000)

	var winnerErr error
	gw.beforePut = func(key string) {
		if key == storage.ObjectKey(fileID, models.Private) {
			_, winnerErr = svc.UploadFile(ctx, fileID, models.Private)
		}
	}

	// when
	_, err := svc.UploadFile(ctx, fileID, models.Private)

	// then the loser reports a duplicate and the shared object survives
	require.NoError(t, winnerErr)
	assert.ErrorIs(t, err, apperr.ErrDuplicateFile)
	exists, err := gw.Exists(ctx, storage.ObjectKey(fileID, models.Private))
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, 1, gw.ObjectCount())
}

func TestUploadFile_RecordRaceOtherKeyRemovesObject(t *testing.T) {
	// given a private finalize that completes while a public finalize of the
	// same id is storing its object
	ctx := context.Background()
	store := storage.NewMemoryStore()
	gw := &racingGateway{MemoryGateway: storage.NewMemoryGateway()}
	svc := NewService(store, store, gw, nil, Options{})

	fileID := uuid.NewString()
	_, encoded := smallFile(10)
	submitSmall(t, svc, fileID, encoded, 1000)

	var winnerErr error
	gw.beforePut = func(key string) {
		if key == storage.ObjectKey(fileID, models.Public) {
			_, winnerErr = svc.UploadFile(ctx, fileID, models.Private)
		}
	}

	// when
	_, err := svc.UploadFile(ctx, fileID, models.Public)

	// then the public copy is removed and only the private record and object remain
	require.NoError(t, winnerErr)
	assert.ErrorIs(t, err, apperr.ErrDuplicateFile)

	exists, err := gw.Exists(ctx, storage.ObjectKey(fileID, models.Public))
	require.NoError(t, err)
	assert.False(t, exists)
	exists, err = gw.Exists(ctx, storage.ObjectKey(fileID, models.Private))
	require.NoError(t, err)
	assert.True(t, exists)

	file, err := store.GetFile(ctx, fileID)
	require.NoError(t, err)
	assert.False(t, file.IsPublic())
}

func TestUploadFile_RecordRaceWithoutWinnerRemovesObject(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	gw := storage.NewMemoryGateway()
	files := &failingFileStore{
		MemoryStore: store,
		err:         apperr.Wrap(apperr.ErrDuplicateKey, nil, "file"),
	}
	svc := NewService(store, files, gw, nil, Options{})

	fileID := uuid.NewString()
	_, encoded := smallFile(8)
	submitSmall(t, svc, fileID, encoded, 1000)

	_, err := svc.UploadFile(ctx, fileID, models.Private)
	assert.ErrorIs(t, err, apperr.ErrDuplicateFile)
	assert.Zero(t, gw.ObjectCount())
}

func TestUploadFile_SecondAssemblyIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	fileID := uuid.NewString()
	_, encoded := smallFile(9)
	submitSmall(t, f.svc, fileID, encoded, 1000)

	_, err := f.svc.UploadFile(ctx, fileID, models.Private)
	require.NoError(t, err)

	_, err = f.svc.UploadFile(ctx, fileID, models.Public)
	assert.ErrorIs(t, err, apperr.ErrDuplicateFile)
}

// ============================================================================
// Multipart path
// ============================================================================

func TestUploadFile_Multipart(t *testing.T) {
	// given
	ctx := context.Background()
	f := newFixture(t, multipartOptions())
	fileID := uuid.NewString()
	raw, encoded, fileSize := bigFile(10)
	submitBig(t, f.svc, fileID, encoded, fileSize)

	// when
	file, err := f.svc.UploadFile(ctx, fileID, models.Private)

	// then
	require.NoError(t, err)
	assert.Equal(t, fileSize, file.Size)
	assert.Empty(t, file.URL)
	assert.Equal(t, 1, f.gateway.initiated)
	assert.Equal(t, []int{1, 2}, f.gateway.parts)
	assert.Zero(t, f.gateway.PendingUploads())
	assert.Zero(t, f.store.ChunkCount(fileID))

	object, err := f.gateway.GetObject(ctx, fileID)
	require.NoError(t, err)
	assert.Equal(t, strings.Join(encoded, ""), string(object))
	decoded, err := base64.StdEncoding.DecodeString(string(object))
	require.NoError(t, err)
	assert.Equal(t, raw, decoded)
}

func TestUploadFile_MultipartPublic(t *testing.T) {
	f := newFixture(t, multipartOptions())
	fileID := uuid.NewString()
	_, encoded, fileSize := bigFile(11)
	submitBig(t, f.svc, fileID, encoded, fileSize)

	file, err := f.svc.UploadFile(context.Background(), fileID, models.Public)
	require.NoError(t, err)
	assert.Equal(t, "memory://public/"+fileID, file.URL)
}

func TestUploadFile_MultipartFailures(t *testing.T) {
	tests := []struct {
		name       string
		configure  func(g *faultyGateway)
		wantErr    error
		wantAborts int
	}{
		{
			name:       "empty upload id",
			configure:  func(g *faultyGateway) { g.emptyUploadID = true },
			wantErr:    apperr.ErrUploadFailed,
			wantAborts: 0,
		},
		{
			name:       "second part fails",
			configure:  func(g *faultyGateway) { g.failPart = 2 },
			wantErr:    apperr.ErrStorage,
			wantAborts: 1,
		},
		{
			name:       "empty etag",
			configure:  func(g *faultyGateway) { g.emptyETag = true },
			wantErr:    apperr.ErrUploadFailed,
			wantAborts: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, multipartOptions())
			tt.configure(f.gateway)
			fileID := uuid.NewString()
			_, encoded, fileSize := bigFile(12)
			submitBig(t, f.svc, fileID, encoded, fileSize)

			_, err := f.svc.UploadFile(ctx, fileID, models.Private)

			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, apperr.KindBackend, apperr.KindOf(err))
			assert.Equal(t, tt.wantAborts, f.gateway.aborts)
			assert.Zero(t, f.gateway.PendingUploads())
			assert.Zero(t, f.gateway.ObjectCount())
			assert.Equal(t, bigChunks, f.store.ChunkCount(fileID))

			_, err = f.store.GetFile(ctx, fileID)
			assert.ErrorIs(t, err, apperr.ErrNotFound)
		})
	}
}

func TestUploadFile_MultipartMissingChunk(t *testing.T) {
	// given chunk 5 never arrived, so the second group [3,10) is incomplete
	ctx := context.Background()
	f := newFixture(t, multipartOptions())
	fileID := uuid.NewString()
	_, encoded, fileSize := bigFile(13)
	submitBig(t, f.svc, fileID, encoded, fileSize, 5)

	// when
	_, err := f.svc.UploadFile(ctx, fileID, models.Private)

	// then the first part is abandoned
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrIncompleteRange)
	assert.Equal(t, apperr.KindIncompleteData, apperr.KindOf(err))
	assert.Equal(t, []int{1}, f.gateway.parts)
	assert.Equal(t, 1, f.gateway.aborts)
	assert.Zero(t, f.gateway.PendingUploads())
	assert.Equal(t, bigChunks-1, f.store.ChunkCount(fileID))
}

func TestUploadFile_MultipartChunkBeyondCount(t *testing.T) {
	// given a chunk numbered past the last one, sent before chunk 0 existed
	ctx := context.Background()
	f := newFixture(t, multipartOptions())
	fileID := uuid.NewString()
	_, encoded, fileSize := bigFile(16)
	_, err := f.svc.SubmitChunk(ctx, chunkRequest(fileID, bigChunks, encoded[bigChunks-1], bigTailSize, fileSize))
	require.NoError(t, err)
	submitBig(t, f.svc, fileID, encoded, fileSize)

	// when
	_, err = f.svc.UploadFile(ctx, fileID, models.Private)

	// then nothing is uploaded and every chunk is kept
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrInconsistentChunk)
	assert.Zero(t, f.gateway.initiated)
	assert.Zero(t, f.gateway.ObjectCount())
	assert.Equal(t, bigChunks+1, f.store.ChunkCount(fileID))
}

func TestUploadFile_MultipartCancelledBetweenGroups(t *testing.T) {
	// given a caller that gives up once the first part is confirmed
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t, multipartOptions())
	f.gateway.afterPart = func(partNumber int) {
		if partNumber == 1 {
			cancel()
		}
	}
	fileID := uuid.NewString()
	_, encoded, fileSize := bigFile(14)
	submitBig(t, f.svc, fileID, encoded, fileSize)

	// when
	_, err := f.svc.UploadFile(ctx, fileID, models.Private)

	// then no further part is sent and the upload is aborted
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []int{1}, f.gateway.parts)
	assert.Equal(t, 1, f.gateway.aborts)
	assert.Zero(t, f.gateway.PendingUploads())
	assert.Equal(t, bigChunks, f.store.ChunkCount(fileID))
}

func TestUploadFile_MultipartSizeMismatchAborts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, multipartOptions())
	fileID := uuid.NewString()
	_, encoded, fileSize := bigFile(15)

	// declare a file 200 KB larger; every chunk still fits the nominal size
	declared := fileSize + 200000
	for i, data := range encoded {
		size := int64(bigChunkSize)
		if i == len(encoded)-1 {
			size = bigTailSize
		}
		_, err := f.svc.SubmitChunk(ctx, chunkRequest(fileID, i, data, size, declared))
		require.NoError(t, err)
	}

	_, err := f.svc.UploadFile(ctx, fileID, models.Private)
	assert.ErrorIs(t, err, apperr.ErrSizeMismatch)
	assert.Equal(t, 1, f.gateway.aborts)
	assert.Zero(t, f.gateway.ObjectCount())
}
