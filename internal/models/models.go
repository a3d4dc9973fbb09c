package models

import "time"

// Chunk is one numbered fragment of a file, stored until the file is assembled
type Chunk struct {
	ID              string    `json:"id"`
	FileID          string    `json:"file_id"`
	Number          int       `json:"number"`
	Size            int64     `json:"size"`
	FileSize        int64     `json:"file_size"`
	Data            string    `json:"data"`
	UploadTimestamp time.Time `json:"upload_timestamp"`
	ContentType     string    `json:"content_type"`
	FileName        string    `json:"file_name"`
}

// FileSummary is the metadata carried on chunk 0 of a file.
// It never includes payload data.
type FileSummary struct {
	FileID      string `json:"file_id"`
	ChunkSize   int64  `json:"chunk_size"`
	FileSize    int64  `json:"file_size"`
	ContentType string `json:"content_type"`
	FileName    string `json:"file_name"`
}

// File represents an assembled file's metadata stored in TiDB
type File struct {
	ID              string    `json:"id"`
	UploadTimestamp time.Time `json:"upload_timestamp"`
	ContentType     string    `json:"content_type"`
	Name            string    `json:"name"`
	Size            int64     `json:"size"`
	URL             string    `json:"url,omitempty"`
}

// IsPublic reports whether the file lives at a publicly addressable location
func (f *File) IsPublic() bool {
	return f.URL != ""
}

// Visibility selects where an assembled object is stored
type Visibility int

const (
	Private Visibility = iota
	Public
)

func (v Visibility) String() string {
	if v == Public {
		return "public"
	}
	return "private"
}

// ChunkGroupPlan describes how stored chunks are grouped into multipart parts
type ChunkGroupPlan struct {
	IterationCount int
	ChunksPerGroup int
}

// ChunkRange is a half-open range [Lo, Hi) of chunk numbers
type ChunkRange struct {
	Lo int
	Hi int
}

// Len returns the number of chunks in the range
func (r ChunkRange) Len() int {
	return r.Hi - r.Lo
}

// CompletedPart is one confirmed multipart part
type CompletedPart struct {
	PartNumber int
	ETag       string
}

// MultipartState is the bookkeeping of one in-flight multipart upload.
// Values are never mutated in place; WithPart returns a new state.
type MultipartState struct {
	UploadID string
	Parts    []CompletedPart
}

// WithPart returns a copy of the state with part appended
func (s MultipartState) WithPart(part CompletedPart) MultipartState {
	parts := make([]CompletedPart, len(s.Parts), len(s.Parts)+1)
	copy(parts, s.Parts)
	return MultipartState{
		UploadID: s.UploadID,
		Parts:    append(parts, part),
	}
}

// FileContent is the result of reading an assembled file: metadata plus
// either the inline payload or a URL the client can fetch it from
type FileContent struct {
	File *File  `json:"file"`
	Data string `json:"data,omitempty"`
	URL  string `json:"url,omitempty"`
}
