package chunker

import (
	"math"
	"strings"

	"github.com/maneesh/chunkdrop/internal/apperr"
	"github.com/maneesh/chunkdrop/internal/models"
)

const (
	// MinPartSize is the smallest multipart part the storage backend accepts
	// for every part but the last (6 MiB)
	MinPartSize = 6 * 1024 * 1024

	bytesPerMB = 1024 * 1024

	// minTolerance absorbs encoding rounding on very small payloads
	minTolerance = 2
	// relativeTolerance is the allowed relative divergence on large payloads
	relativeTolerance = 0.0001
)

// BytesFromEncodedLength approximates the raw byte count of a base64 payload.
// Padding is ignored, so callers must compare with CheckSize.
func BytesFromEncodedLength(payload string) int64 {
	return BytesFromEncodedSize(int64(len(payload)))
}

// BytesFromEncodedSize is BytesFromEncodedLength for a payload known only by
// its length
func BytesFromEncodedSize(length int64) int64 {
	return length / 4 * 3
}

// Tolerance returns the allowed divergence for an expected byte count
func Tolerance(expected int64) float64 {
	return math.Max(minTolerance, float64(expected)*relativeTolerance)
}

// CheckSize verifies a declared size against the size computed from a payload
func CheckSize(expected, declared int64) error {
	diff := math.Abs(float64(expected - declared))
	if diff > Tolerance(expected) {
		return apperr.Wrap(apperr.ErrSizeMismatch, nil,
			"declared %d bytes, payload carries %d", declared, expected)
	}
	return nil
}

// BytesToMB converts a byte count to whole megabytes
func BytesToMB(bytes int64) int64 {
	return bytes / bytesPerMB
}

// PresignExpiryMinutes returns how long a temporary URL stays valid.
// Larger files get longer-lived URLs.
func PresignExpiryMinutes(fileSize int64) int {
	mb := BytesToMB(fileSize)
	return 5 + int(math.Round(float64(mb)/100))
}

// ChunkCount returns how many chunks of nominalChunkSize make up fileSize
func ChunkCount(fileSize, nominalChunkSize int64) int {
	if nominalChunkSize <= 0 || fileSize <= 0 {
		return 0
	}
	count := fileSize / nominalChunkSize
	if fileSize%nominalChunkSize > 0 {
		count++
	}
	return int(count)
}

// PlanGroups computes how many multipart parts a file needs and how many
// stored chunks are concatenated into each part
func PlanGroups(fileSize, nominalChunkSize int64) models.ChunkGroupPlan {
	return PlanGroupsWithPartSize(fileSize, nominalChunkSize, MinPartSize)
}

// PlanGroupsWithPartSize is PlanGroups for a backend with a different
// minimum part size. A non-positive partSize falls back to MinPartSize.
func PlanGroupsWithPartSize(fileSize, nominalChunkSize, partSize int64) models.ChunkGroupPlan {
	if partSize <= 0 {
		partSize = MinPartSize
	}
	plan := models.ChunkGroupPlan{
		IterationCount: int(fileSize / partSize),
	}
	if nominalChunkSize > 0 {
		plan.ChunksPerGroup = int(math.Round(float64(partSize) / float64(nominalChunkSize)))
	}
	return plan
}

// GroupRanges splits chunk numbers [0, chunkCount) into the plan's groups.
// Every group but the last holds ChunksPerGroup chunks; the last one absorbs
// the remainder. The result covers every chunk exactly once and never
// contains an empty group.
func GroupRanges(plan models.ChunkGroupPlan, chunkCount int) []models.ChunkRange {
	if chunkCount <= 0 {
		return nil
	}

	perGroup := plan.ChunksPerGroup
	if perGroup < 1 {
		perGroup = 1
	}

	iterations := plan.IterationCount
	if limit := chunkCount / perGroup; iterations > limit {
		iterations = limit
	}
	if iterations < 1 {
		iterations = 1
	}

	ranges := make([]models.ChunkRange, 0, iterations)
	for i := 0; i < iterations; i++ {
		r := models.ChunkRange{Lo: i * perGroup, Hi: (i + 1) * perGroup}
		if i == iterations-1 {
			r.Hi = chunkCount
		}
		ranges = append(ranges, r)
	}
	return ranges
}

// Join concatenates chunk payloads in the order given
func Join(chunks []*models.Chunk) string {
	totalSize := 0
	for _, chunk := range chunks {
		totalSize += len(chunk.Data)
	}

	var b strings.Builder
	b.Grow(totalSize)
	for _, chunk := range chunks {
		b.WriteString(chunk.Data)
	}
	return b.String()
}
