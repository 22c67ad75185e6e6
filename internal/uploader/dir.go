package uploader

import (
	"context"
	"path/filepath"
	"time"

	fileutil "dropzone/internal/file"
	"dropzone/internal/upload"

	"github.com/rs/zerolog/log"
)

const metaFileName = "meta.json"

// Metadata is written next to every stored file.
type Metadata struct {
	ID          string    `json:"id"`
	FileName    string    `json:"file_name"`
	StoredName  string    `json:"stored_name"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type,omitempty"`
	Tries       int       `json:"tries"`
	StoredAt    time.Time `json:"stored_at"`
}

// Dir stores uploads under root/<entry id>/<file name>.
type Dir struct {
	root string
}

func NewDir(root string) *Dir {
	if root == "" {
		root = "data"
	}
	return &Dir{root: root}
}

func (d *Dir) Upload(ctx context.Context, e upload.Entry) (upload.Result, error) {
	if err := ctx.Err(); err != nil {
		return upload.Result{}, err
	}
	rc, err := openPayload(e)
	if err != nil {
		return upload.Result{}, err
	}
	defer func() { _ = rc.Close() }()

	entryDir := filepath.Join(d.root, e.ID)
	storedName := fileutil.SafeName(e.FileName, "file-"+e.ID)
	if storedName == metaFileName {
		storedName = "file-" + metaFileName
	}
	dest := filepath.Join(entryDir, storedName)

	written, err := fileutil.CopyAtomic(dest, ctxReader{ctx: ctx, r: rc})
	if err != nil {
		return upload.Result{}, err
	}

	meta := Metadata{
		ID:          e.ID,
		FileName:    e.FileName,
		StoredName:  storedName,
		Size:        written,
		ContentType: e.File.ContentType,
		Tries:       e.Tries,
		StoredAt:    time.Now().UTC(),
	}
	if err := fileutil.WriteJSONAtomic(filepath.Join(entryDir, metaFileName), meta); err != nil {
		log.Warn().Str("entry_id", e.ID).Err(err).Msg("write upload metadata failed")
	}

	return upload.Result{Location: dest, Size: written, ContentType: e.File.ContentType}, nil
}
