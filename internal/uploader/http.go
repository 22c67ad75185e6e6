package uploader

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	fileutil "dropzone/internal/file"
	"dropzone/internal/upload"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	defaultFieldName   = "file"
	maxResponseBody    = 64 << 10
)

// HTTP relays every entry to a remote endpoint as a multipart/form-data POST.
type HTTP struct {
	endpoint  string
	fieldName string
	client    *http.Client
}

func NewHTTP(endpoint, fieldName string, timeout time.Duration) *HTTP {
	if fieldName == "" {
		fieldName = defaultFieldName
	}
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &HTTP{
		endpoint:  endpoint,
		fieldName: fieldName,
		client:    &http.Client{Timeout: timeout},
	}
}

type remoteResponse struct {
	URL      string `json:"url"`
	Location string `json:"location"`
	ETag     string `json:"etag"`
}

func (h *HTTP) Upload(ctx context.Context, e upload.Entry) (upload.Result, error) {
	rc, err := openPayload(e)
	if err != nil {
		return upload.Result{}, err
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	sent := make(chan int64, 1)
	go func() {
		defer func() { _ = rc.Close() }()
		counter := &countingReader{r: rc}
		_ = pw.CloseWithError(h.writeBody(mw, e, counter))
		sent <- counter.n
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, pr)
	if err != nil {
		_ = pr.CloseWithError(err)
		return upload.Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Upload-Id", e.ID)

	resp, err := h.client.Do(req)
	if err != nil {
		return upload.Result{}, fmt.Errorf("post upload: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
		return upload.Result{}, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	var size int64
	select {
	case size = <-sent:
	case <-ctx.Done():
		return upload.Result{}, ctx.Err()
	}

	result := upload.Result{
		Location:    resp.Header.Get("Location"),
		Size:        size,
		ContentType: e.File.ContentType,
		ETag:        strings.Trim(resp.Header.Get("ETag"), `"`),
	}
	var body remoteResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(&body); err == nil {
		if body.URL != "" {
			result.Location = body.URL
		} else if body.Location != "" {
			result.Location = body.Location
		}
		if body.ETag != "" {
			result.ETag = body.ETag
		}
	}
	if result.Location == "" {
		result.Location = h.endpoint
	}
	return result, nil
}

func (h *HTTP) writeBody(mw *multipart.Writer, e upload.Entry, r io.Reader) error {
	contentType := e.File.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`,
		h.fieldName, fileutil.SafeName(e.FileName, "file")))
	header.Set("Content-Type", contentType)

	part, err := mw.CreatePart(header)
	if err != nil {
		return fmt.Errorf("create part: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return fmt.Errorf("copy payload: %w", err)
	}
	return mw.Close()
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
