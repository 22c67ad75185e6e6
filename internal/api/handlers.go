package api

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"dropzone/internal/upload"
)

const (
	filesField             = "files"
	defaultMaxRequestBytes = 64 << 20
	genericContentType     = "application/octet-stream"
)

type entryResponse struct {
	ID          string         `json:"id"`
	FileName    string         `json:"file_name"`
	Size        int64          `json:"size"`
	ContentType string         `json:"content_type,omitempty"`
	Tries       int            `json:"tries"`
	Status      upload.Status  `json:"status"`
	Error       string         `json:"error,omitempty"`
	Result      *upload.Result `json:"result,omitempty"`
	CanRetry    bool           `json:"can_retry"`
	CreatedAt   string         `json:"created_at"`
}

type stateResponse struct {
	Entries []entryResponse `json:"entries"`
	Invalid bool            `json:"invalid"`
	Error   string          `json:"error,omitempty"`
}

type acceptResponse struct {
	Accepted []string `json:"accepted"`
	stateResponse
}

type API struct {
	manager         *upload.Manager
	maxRequestBytes int64
}

func NewAPI(manager *upload.Manager, maxRequestBytes int64) *API {
	if maxRequestBytes <= 0 {
		maxRequestBytes = defaultMaxRequestBytes
	}
	return &API{manager: manager, maxRequestBytes: maxRequestBytes}
}

// RegisterRoutes registers API routes on the provided gin engine
func (a *API) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.GET("/uploads", a.ListUploads)
		api.POST("/uploads", a.AcceptUploads)
		api.GET("/uploads/:id", a.GetUpload)
		api.DELETE("/uploads/:id", a.RemoveUpload)
		api.POST("/uploads/:id/retry", a.RetryUpload)
	}
}

// ListUploads returns every tracked entry plus the derived state
func (a *API) ListUploads(c *gin.Context) {
	c.JSON(http.StatusOK, a.state())
}

// AcceptUploads takes a multipart batch and hands it to the manager
func (a *API) AcceptUploads(c *gin.Context) {
	files, err := a.readBatch(c)
	if err != nil {
		log.Warn().Err(err).Msg("invalid upload batch")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	created, err := a.manager.AcceptBatch(c.Request.Context(), files)
	if err != nil {
		log.Warn().Err(err).Msg("batch not accepted")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ids := make([]string, 0, len(created))
	for _, e := range created {
		ids = append(ids, e.ID)
	}
	log.Info().Int("files", len(files)).Int("accepted", len(ids)).Msg("upload batch received")
	c.JSON(http.StatusAccepted, acceptResponse{Accepted: ids, stateResponse: a.state()})
}

// GetUpload returns a single entry
func (a *API) GetUpload(c *gin.Context) {
	id := c.Param("id")
	e, ok := a.manager.Entry(id)
	if !ok {
		log.Warn().Str("entry_id", id).Msg("entry not found on get")
		c.JSON(http.StatusNotFound, gin.H{"error": "upload not found"})
		return
	}
	c.JSON(http.StatusOK, a.toEntryResponse(e))
}

// RemoveUpload detaches an entry; unknown ids are not an error
func (a *API) RemoveUpload(c *gin.Context) {
	id := c.Param("id")
	if err := a.manager.RemoveEntry(c.Request.Context(), id); err != nil {
		log.Warn().Str("entry_id", id).Err(err).Msg("remove hook failed")
	}
	c.Status(http.StatusNoContent)
}

// RetryUpload starts another attempt when the entry allows it
func (a *API) RetryUpload(c *gin.Context) {
	id := c.Param("id")
	if _, ok := a.manager.Entry(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "upload not found"})
		return
	}
	if !a.manager.RetryEntry(id) {
		c.JSON(http.StatusConflict, gin.H{"error": "upload cannot be retried"})
		return
	}
	e, _ := a.manager.Entry(id)
	c.JSON(http.StatusAccepted, a.toEntryResponse(e))
}

// readBatch copies every uploaded part into memory; the request's temp files
// are gone by the time the background uploads read them.
func (a *API) readBatch(c *gin.Context) ([]upload.File, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, a.maxRequestBytes)
	form, err := c.MultipartForm()
	if err != nil {
		return nil, fmt.Errorf("parse multipart form: %w", err)
	}
	headers := form.File[filesField]
	if len(headers) == 0 {
		return nil, upload.ErrNoFiles
	}
	files := make([]upload.File, 0, len(headers))
	for _, h := range headers {
		f, err := h.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", h.Filename, err)
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", h.Filename, err)
		}
		contentType := h.Header.Get("Content-Type")
		if contentType == genericContentType {
			contentType = ""
		}
		files = append(files, upload.File{
			Name:        h.Filename,
			Size:        int64(len(data)),
			ContentType: contentType,
			Payload:     upload.BytesPayload(data),
		})
	}
	return files, nil
}

func (a *API) state() stateResponse {
	entries := a.manager.Entries()
	resp := stateResponse{
		Entries: make([]entryResponse, 0, len(entries)),
		Invalid: a.manager.IsInvalid(),
		Error:   a.manager.RootError(),
	}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, a.toEntryResponse(e))
	}
	return resp
}

func (a *API) toEntryResponse(e upload.Entry) entryResponse {
	resp := entryResponse{
		ID:          e.ID,
		FileName:    e.FileName,
		Size:        e.File.Size,
		ContentType: e.File.ContentType,
		Tries:       e.Tries,
		Status:      e.State.Status,
		CanRetry:    a.manager.CanRetry(e.ID),
		CreatedAt:   e.CreatedAt.UTC().Format(time.RFC3339),
	}
	switch e.State.Status {
	case upload.StatusError:
		if e.State.Err != nil {
			resp.Error = e.State.Err.Error()
		}
	case upload.StatusSuccess:
		result := e.State.Result
		resp.Result = &result
	}
	return resp
}
