package upload

import (
	"bytes"
	"context"
	"io"
	"os"
	"time"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusError   Status = "error"
	StatusSuccess Status = "success"
)

// Payload gives access to the raw bytes of a file. Open may be called once
// per upload attempt, so implementations must be re-openable.
type Payload interface {
	Open() (io.ReadCloser, error)
}

// PayloadFunc adapts a function to the Payload interface.
type PayloadFunc func() (io.ReadCloser, error)

func (f PayloadFunc) Open() (io.ReadCloser, error) { return f() }

// BytesPayload keeps the whole file in memory.
type BytesPayload []byte

func (b BytesPayload) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b)), nil
}

// PathPayload reads the file from disk on every attempt.
type PathPayload string

func (p PathPayload) Open() (io.ReadCloser, error) {
	return os.Open(string(p)) //nolint:gosec // path supplied by the caller
}

// File is a candidate for upload as handed over by the caller.
type File struct {
	Name        string
	Size        int64
	ContentType string
	Payload     Payload
}

// Result is what an Uploader reports on success.
type Result struct {
	Location    string `json:"location"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type,omitempty"`
	ETag        string `json:"etag,omitempty"`
}

// State is the per-entry tagged union: Result is meaningful only for
// StatusSuccess and Err only for StatusError.
type State struct {
	Status Status
	Result Result
	Err    error
}

type Entry struct {
	ID        string
	FileName  string
	File      File
	Tries     int
	CreatedAt time.Time
	State     State
}

// Uploader performs the transfer of one entry. Ordinary failures are
// returned as errors; panics are not recovered by the manager.
type Uploader interface {
	Upload(ctx context.Context, e Entry) (Result, error)
}

// UploaderFunc adapts a function to the Uploader interface.
type UploaderFunc func(ctx context.Context, e Entry) (Result, error)

func (f UploaderFunc) Upload(ctx context.Context, e Entry) (Result, error) { return f(ctx, e) }

// Limits describe which files a batch may contain. Zero numeric values mean
// "not set".
type Limits struct {
	Accept   []string
	MinSize  int64
	MaxSize  int64
	MaxFiles int
}

type Options struct {
	// MaxRetryCount bounds the number of attempts per entry; 0 is unbounded.
	MaxRetryCount int
	AutoRetry     bool
	RetryDelay    time.Duration
	Validation    Limits
	// ShiftOnMaxFiles evicts the oldest entries instead of dropping overflow.
	ShiftOnMaxFiles bool
	// ShapeUploadError turns a raw upload error into display text. An empty
	// result keeps the raw error.
	ShapeUploadError     func(error) string
	MaxConcurrentUploads int
	Validator            Validator

	OnRemove        func(ctx context.Context, e Entry) error
	OnUploadSuccess func(e Entry)
	OnBatchComplete func(ids []string)
}
