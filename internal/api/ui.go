package api

import (
	"html/template"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"dropzone/internal/upload"
)

var uiTemplates = template.Must(template.New("layout").Parse(`{{define "page"}}
<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8"/>
  <meta name="viewport" content="width=device-width, initial-scale=1"/>
  <title>Dropzone</title>
  <style>
    body{font-family:system-ui,-apple-system,Segoe UI,Roboto,Ubuntu,Cantarell,Noto Sans,sans-serif;max-width:880px;margin:32px auto;padding:0 16px;color:#0b0b0b;background:#fafafa}
    header{margin-bottom:24px}
    h1{font-size:22px;margin:0 0 8px}
    .card{background:#fff;border:1px solid #e9e9e9;border-radius:10px;padding:16px;margin:12px 0}
    .card.invalid{border-color:#f2b8b5}
    .row{display:flex;gap:12px;flex-wrap:wrap;align-items:center}
    .btn{display:inline-block;background:#0b63e5;color:#fff;border:none;padding:8px 12px;border-radius:8px;cursor:pointer}
    .btn.secondary{background:#444}
    .btn[disabled]{background:#bbb;cursor:not-allowed}
    .muted{color:#666}
    .mono{font-family:ui-monospace,SFMono-Regular,Menlo,Monaco,Consolas,monospace}
    .list{margin:0;padding:0;list-style:none}
    .list li{padding:8px 0;border-bottom:1px solid #f0f0f0}
    .status{display:inline-block;padding:4px 8px;border-radius:6px;background:#efefef;font-size:12px}
    .status.error{background:#fde7e6;color:#b3261e}
    .status.success{background:#e6f4ea;color:#137333}
    .error-text{color:#b3261e}
    footer{margin-top:24px;color:#666;font-size:12px}
  </style>
</head>
<body>
  <header>
    <h1>Dropzone</h1>
    <div class="muted">Minimal no-JS helper for the upload API</div>
  </header>

  {{if .RootError}}
  <div class="card invalid" style="background:#fff6f6">
    <strong class="error-text">Error:</strong> <span class="muted">{{.RootError}}</span>
  </div>
  {{end}}

  <div class="card{{if .Invalid}} invalid{{end}}">
    <h2>Upload files</h2>
    <form method="post" action="/ui/uploads" enctype="multipart/form-data">
      <div class="row">
        <input type="file" name="files" multiple {{if .Accept}}accept="{{.Accept}}"{{end}}/>
        <button class="btn" type="submit">Upload</button>
        <a class="btn secondary" href="/">Refresh</a>
      </div>
    </form>
    <div class="muted">{{.Hint}}</div>
  </div>

  <div class="card">
    <h3>Files</h3>
    {{if .Entries}}
      <ul class="list">
      {{range .Entries}}
        <li>
          <div class="row">
            <span class="mono">{{.FileName}}</span>
            <span class="status {{.Status}}">{{.Status}}</span>
            <span class="muted">try {{.Tries}}</span>
          </div>
          {{if .Error}}<div class="error-text">{{.Error}}</div>{{end}}
          {{if .Result}}<div class="muted mono">{{.Result.Location}}</div>{{end}}
          <div class="row" style="margin-top:6px">
            <form method="post" action="/ui/uploads/{{.ID}}/retry">
              <button class="btn" type="submit" {{if not .CanRetry}}disabled{{end}}>Retry</button>
            </form>
            <form method="post" action="/ui/uploads/{{.ID}}/remove">
              <button class="btn secondary" type="submit">Remove</button>
            </form>
          </div>
        </li>
      {{end}}
      </ul>
    {{else}}
      <div class="muted">No files yet</div>
    {{end}}
  </div>

  <footer>
    <div>API base: <span class="mono">/api/v1/uploads</span></div>
  </footer>
</body>
</html>
{{end}}
`))

// UIOptions carries the limits shown next to the upload form.
type UIOptions struct {
	Limits upload.Limits
}

// RegisterUIRoutes registers minimal HTML UI without JS
func (a *API) RegisterUIRoutes(router *gin.Engine, opts UIOptions) {
	router.SetHTMLTemplate(uiTemplates)
	ui := &uiHandler{api: a, opts: opts}
	router.GET("/", ui.home)
	router.POST("/ui/uploads", ui.accept)
	router.POST("/ui/uploads/:id/retry", ui.retry)
	router.POST("/ui/uploads/:id/remove", ui.remove)
}

type uiHandler struct {
	api  *API
	opts UIOptions
}

func (u *uiHandler) render(c *gin.Context, status int, formErr string) {
	state := u.api.state()
	rootErr := state.Error
	if formErr != "" {
		rootErr = formErr
	}
	c.HTML(status, "page", gin.H{
		"Entries":   state.Entries,
		"Invalid":   state.Invalid,
		"RootError": rootErr,
		"Accept":    strings.Join(u.opts.Limits.Accept, ","),
		"Hint":      limitsHint(u.opts.Limits),
	})
}

func (u *uiHandler) home(c *gin.Context) { u.render(c, http.StatusOK, "") }

func (u *uiHandler) accept(c *gin.Context) {
	files, err := u.api.readBatch(c)
	if err == nil {
		_, err = u.api.manager.AcceptBatch(c.Request.Context(), files)
	}
	if err != nil {
		log.Warn().Err(err).Msg("ui upload rejected")
		u.render(c, http.StatusBadRequest, err.Error())
		return
	}
	c.Redirect(http.StatusFound, "/")
}

func (u *uiHandler) retry(c *gin.Context) {
	id := c.Param("id")
	if !u.api.manager.RetryEntry(id) {
		log.Debug().Str("entry_id", id).Msg("ui retry refused")
		u.render(c, http.StatusConflict, "upload cannot be retried")
		return
	}
	c.Redirect(http.StatusFound, "/")
}

func (u *uiHandler) remove(c *gin.Context) {
	id := c.Param("id")
	if err := u.api.manager.RemoveEntry(c.Request.Context(), id); err != nil {
		log.Warn().Str("entry_id", id).Err(err).Msg("remove hook failed")
	}
	c.Redirect(http.StatusFound, "/")
}

func limitsHint(l upload.Limits) string {
	parts := make([]string, 0, 3)
	if len(l.Accept) > 0 {
		parts = append(parts, "types: "+strings.Join(l.Accept, ", "))
	}
	if l.MaxSize > 0 {
		parts = append(parts, "up to "+upload.FormatMB(l.MaxSize)+" each")
	}
	if l.MaxFiles > 0 {
		parts = append(parts, "at most "+strconv.Itoa(l.MaxFiles)+" files")
	}
	if len(parts) == 0 {
		return "Any file is accepted"
	}
	return strings.Join(parts, " · ")
}
