// Package uploader contains the transports that move an accepted file to its
// destination: a local directory, an HTTP endpoint or an S3 bucket. Each of
// them satisfies upload.Uploader.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"dropzone/internal/upload"
)

var ErrNoPayload = errors.New("entry has no payload")

// StatusError is returned when a remote endpoint answers with a non-2xx
// status. Callers map Code to display text when shaping upload errors.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	if e.Status == "" {
		return fmt.Sprintf("upload rejected: %d %s", e.Code, http.StatusText(e.Code))
	}
	return "upload rejected: " + e.Status
}

func openPayload(e upload.Entry) (io.ReadCloser, error) {
	if e.File.Payload == nil {
		return nil, ErrNoPayload
	}
	rc, err := e.File.Payload.Open()
	if err != nil {
		return nil, fmt.Errorf("open payload: %w", err)
	}
	return rc, nil
}

// ctxReader stops a copy as soon as ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

// ShapeByStatus returns an error shaper for upload.Options that maps remote
// status codes to display text. Errors without a mapped code keep their
// raw form.
func ShapeByStatus(messages map[int]string) func(error) string {
	return func(err error) string {
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			return messages[statusErr.Code]
		}
		return ""
	}
}
