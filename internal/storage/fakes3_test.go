package storage

import (
	"bufio"
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

const s3Namespace = "http://s3.amazonaws.com/doc/2006-03-01/"

// fakeS3 is a path-style S3 endpoint that keeps buckets, objects and
// multipart uploads in memory. It understands the subset of the API the
// MinIO and AWS gateways call and ignores request signatures.
type fakeS3 struct {
	mu       sync.Mutex
	buckets  map[string]map[string][]byte
	policies map[string]string
	uploads  map[string]*fakeUpload
	nextID   int

	// objectStatus, when set, answers every object request with that status
	objectStatus int
}

type fakeUpload struct {
	bucket string
	key    string
	parts  map[int][]byte
}

func newFakeS3(t *testing.T, buckets ...string) (*fakeS3, *httptest.Server) {
	t.Helper()
	f := &fakeS3{
		buckets:  make(map[string]map[string][]byte),
		policies: make(map[string]string),
		uploads:  make(map[string]*fakeUpload),
	}
	for _, b := range buckets {
		f.buckets[b] = make(map[string][]byte)
	}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeS3) hasBucket(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.buckets[name]
	return ok
}

func (f *fakeS3) object(bucket, key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.buckets[bucket][key]
	return data, ok
}

func (f *fakeS3) pendingUploads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

func etagOf(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	bucket, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	query := r.URL.Query()

	body, err := readPayload(r)
	if err != nil {
		writeS3Error(w, r, http.StatusBadRequest, "IncompleteBody", err.Error())
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if key == "" {
		f.serveBucket(w, r, bucket, query, body)
		return
	}

	if f.objectStatus != 0 {
		writeS3Error(w, r, f.objectStatus, "AccessDenied", "access denied")
		return
	}
	objects, ok := f.buckets[bucket]
	if !ok {
		writeS3Error(w, r, http.StatusNotFound, "NoSuchBucket", "bucket does not exist")
		return
	}

	switch {
	case r.Method == http.MethodPost && query.Has("uploads"):
		f.nextID++
		uploadID := fmt.Sprintf("upload-%d", f.nextID)
		f.uploads[uploadID] = &fakeUpload{bucket: bucket, key: key, parts: make(map[int][]byte)}
		writeXML(w, struct {
			XMLName  xml.Name `xml:"InitiateMultipartUploadResult"`
			Xmlns    string   `xml:"xmlns,attr"`
			Bucket   string   `xml:"Bucket"`
			Key      string   `xml:"Key"`
			UploadID string   `xml:"UploadId"`
		}{Xmlns: s3Namespace, Bucket: bucket, Key: key, UploadID: uploadID})

	case r.Method == http.MethodPut && query.Has("uploadId"):
		upload, ok := f.uploads[query.Get("uploadId")]
		if !ok {
			writeS3Error(w, r, http.StatusNotFound, "NoSuchUpload", "upload does not exist")
			return
		}
		n, err := strconv.Atoi(query.Get("partNumber"))
		if err != nil {
			writeS3Error(w, r, http.StatusBadRequest, "InvalidArgument", "bad part number")
			return
		}
		upload.parts[n] = body
		w.Header().Set("ETag", `"`+etagOf(body)+`"`)
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodPost && query.Has("uploadId"):
		f.completeUpload(w, r, objects, query.Get("uploadId"), body)

	case r.Method == http.MethodDelete && query.Has("uploadId"):
		if _, ok := f.uploads[query.Get("uploadId")]; !ok {
			writeS3Error(w, r, http.StatusNotFound, "NoSuchUpload", "upload does not exist")
			return
		}
		delete(f.uploads, query.Get("uploadId"))
		w.WriteHeader(http.StatusNoContent)

	case r.Method == http.MethodPut:
		objects[key] = body
		w.Header().Set("ETag", `"`+etagOf(body)+`"`)
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodHead || r.Method == http.MethodGet:
		data, ok := objects[key]
		if !ok {
			writeS3Error(w, r, http.StatusNotFound, "NoSuchKey", "key does not exist")
			return
		}
		w.Header().Set("ETag", `"`+etagOf(data)+`"`)
		w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			w.Write(data)
		}

	case r.Method == http.MethodDelete:
		delete(objects, key)
		w.WriteHeader(http.StatusNoContent)

	default:
		writeS3Error(w, r, http.StatusNotImplemented, "NotImplemented", r.Method)
	}
}

func (f *fakeS3) serveBucket(w http.ResponseWriter, r *http.Request, bucket string, query map[string][]string, body []byte) {
	_, exists := f.buckets[bucket]
	_, location := query["location"]
	_, policy := query["policy"]

	switch {
	case r.Method == http.MethodGet && location:
		writeXML(w, struct {
			XMLName xml.Name `xml:"LocationConstraint"`
			Xmlns   string   `xml:"xmlns,attr"`
			Region  string   `xml:",chardata"`
		}{Xmlns: s3Namespace, Region: "us-east-1"})
	case r.Method == http.MethodPut && policy:
		if !exists {
			writeS3Error(w, r, http.StatusNotFound, "NoSuchBucket", "bucket does not exist")
			return
		}
		f.policies[bucket] = string(body)
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodHead:
		if !exists {
			writeS3Error(w, r, http.StatusNotFound, "NoSuchBucket", "bucket does not exist")
			return
		}
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPut:
		if !exists {
			f.buckets[bucket] = make(map[string][]byte)
		}
		w.WriteHeader(http.StatusOK)
	default:
		writeS3Error(w, r, http.StatusNotImplemented, "NotImplemented", r.Method)
	}
}

func (f *fakeS3) completeUpload(w http.ResponseWriter, r *http.Request, objects map[string][]byte, uploadID string, body []byte) {
	upload, ok := f.uploads[uploadID]
	if !ok {
		writeS3Error(w, r, http.StatusNotFound, "NoSuchUpload", "upload does not exist")
		return
	}

	var req struct {
		Parts []struct {
			PartNumber int    `xml:"PartNumber"`
			ETag       string `xml:"ETag"`
		} `xml:"Part"`
	}
	if err := xml.Unmarshal(body, &req); err != nil {
		writeS3Error(w, r, http.StatusBadRequest, "MalformedXML", err.Error())
		return
	}

	var assembled []byte
	for i, p := range req.Parts {
		data, ok := upload.parts[p.PartNumber]
		if !ok || p.PartNumber != i+1 || strings.Trim(p.ETag, `"`) != etagOf(data) {
			writeS3Error(w, r, http.StatusBadRequest, "InvalidPart", fmt.Sprintf("part %d", p.PartNumber))
			return
		}
		assembled = append(assembled, data...)
	}

	objects[upload.key] = assembled
	delete(f.uploads, uploadID)

	writeXML(w, struct {
		XMLName xml.Name `xml:"CompleteMultipartUploadResult"`
		Xmlns   string   `xml:"xmlns,attr"`
		Bucket  string   `xml:"Bucket"`
		Key     string   `xml:"Key"`
		ETag    string   `xml:"ETag"`
	}{Xmlns: s3Namespace, Bucket: upload.bucket, Key: upload.key,
		ETag: fmt.Sprintf(`"%s-%d"`, etagOf(assembled), len(req.Parts))})
}

func writeXML(w http.ResponseWriter, v any) {
	out, err := xml.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(xml.Header))
	w.Write(out)
}

// writeS3Error answers with an S3 error document. HEAD responses carry no body.
func writeS3Error(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	if r.Method == http.MethodHead {
		w.WriteHeader(status)
		return
	}
	out, _ := xml.Marshal(struct {
		XMLName   xml.Name `xml:"Error"`
		Code      string   `xml:"Code"`
		Message   string   `xml:"Message"`
		Resource  string   `xml:"Resource"`
		RequestID string   `xml:"RequestId"`
	}{Code: code, Message: message, Resource: r.URL.Path, RequestID: "fake"})
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	w.Write([]byte(xml.Header))
	w.Write(out)
}

// readPayload returns the request body, unwrapping aws-chunked encoding
func readPayload(r *http.Request) ([]byte, error) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	chunked := strings.Contains(r.Header.Get("Content-Encoding"), "aws-chunked") ||
		strings.HasPrefix(r.Header.Get("X-Amz-Content-Sha256"), "STREAMING-")
	if !chunked {
		return raw, nil
	}
	return decodeAWSChunked(raw)
}

func decodeAWSChunked(raw []byte) ([]byte, error) {
	rd := bufio.NewReader(bytes.NewReader(raw))
	var out []byte
	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("read chunk header: %w", err)
		}
		sizeHex, _, _ := strings.Cut(strings.TrimSpace(line), ";")
		size, err := strconv.ParseInt(sizeHex, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("parse chunk size %q: %w", sizeHex, err)
		}
		if size == 0 {
			return out, nil
		}
		buf := make([]byte, size)
		if _, err := io.ReadFull(rd, buf); err != nil {
			return nil, fmt.Errorf("read chunk: %w", err)
		}
		out = append(out, buf...)
		if _, err := rd.Discard(2); err != nil {
			return nil, fmt.Errorf("read chunk terminator: %w", err)
		}
	}
}
