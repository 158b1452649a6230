package web

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hpungsan/margin/internal/errors"
)

const layoutTemplate = `{{define "layout"}}<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}} - margin</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 52rem; margin: 2rem auto; padding: 0 1rem; }
footer { color: #777; font-size: 0.8rem; margin-top: 3rem; }
</style>
</head>
<body>
<main id="content">{{template "content" .}}</main>
<footer>margin {{.Version}}</footer>
</body>
</html>{{end}}`

const notesTemplate = `{{define "content"}}
<p class="meta">Session <code>{{.SessionID}}</code>, {{.Status}}, {{.Count}} notes, rendered {{formatTime .RenderedAt}}</p>
<article class="notes">{{.Body}}</article>
{{end}}`

const errorTemplate = `{{define "content"}}
<h1>Error {{.StatusCode}}</h1>
<p class="error-message">{{.Message}}</p>
{{end}}`

// PageData contains common fields used across all page templates.
type PageData struct {
	Title   string
	Version string
}

// NotesPageData is the template data for the rendered notes page.
type NotesPageData struct {
	PageData
	SessionID  string
	Status     string
	Count      int
	Body       template.HTML
	RenderedAt int64
}

// ErrorPageData is the template data for the error page.
type ErrorPageData struct {
	PageData
	StatusCode int
	Message    string
}

// Renderer manages template parsing and rendering.
type Renderer struct {
	templates map[string]*template.Template
	version   string
	logger    *slog.Logger
}

// NewRenderer parses the page templates.
func NewRenderer(version string, logger *slog.Logger) *Renderer {
	funcMap := template.FuncMap{
		"formatTime": formatTime,
	}
	layoutTmpl := template.Must(template.New("layout").Funcs(funcMap).Parse(layoutTemplate))

	pages := map[string]string{
		"notes": notesTemplate,
		"error": errorTemplate,
	}
	templates := make(map[string]*template.Template, len(pages))
	for name, text := range pages {
		t := template.Must(layoutTmpl.Clone())
		template.Must(t.Parse(text))
		templates[name] = t
	}

	return &Renderer{templates: templates, version: version, logger: logger}
}

// renderPage renders a named page template with the given data and HTTP 200 status.
func (r *Renderer) renderPage(w http.ResponseWriter, req *http.Request, name string, data any) {
	r.renderPageStatus(w, req, http.StatusOK, name, data)
}

// renderPageStatus renders a named page template with the given data and HTTP status code.
// For HTMX requests, only the "content" block is rendered to avoid duplicating the layout.
func (r *Renderer) renderPageStatus(w http.ResponseWriter, req *http.Request, status int, name string, data any) {
	t, ok := r.templates[name]
	if !ok {
		r.logger.Error("template not found", "template", name)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	block := "layout"
	if req != nil && req.Header.Get("HX-Request") == "true" {
		block = "content"
	}

	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, block, data); err != nil {
		r.logger.Error("template execution error", "template", name, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// renderError writes err as JSON, or as an HTML page when the client asks
// for HTML and not JSON. Internal errors never expose their details.
func (r *Renderer) renderError(w http.ResponseWriter, req *http.Request, err error) {
	body := errorBody(err)
	status := body["status"].(int)
	if status >= 500 {
		r.logger.Error("request failed", "method", req.Method, "path", req.URL.Path, "error", err)
	}

	accept := req.Header.Get("Accept")
	if strings.Contains(accept, "text/html") && !strings.Contains(accept, "application/json") {
		r.renderPageStatus(w, req, status, "error", ErrorPageData{
			PageData:   PageData{Title: fmt.Sprintf("Error %d", status), Version: r.version},
			StatusCode: status,
			Message:    body["message"].(string),
		})
		return
	}
	renderJSON(w, status, map[string]any{"error": body})
}

// errorBody is the error object written for err.
func errorBody(err error) map[string]any {
	var mErr *errors.MarginError
	if !stderrors.As(err, &mErr) {
		mErr = errors.NewInternal(err)
	}
	body := map[string]any{
		"code":    string(mErr.Code),
		"message": mErr.Message,
		"status":  mErr.Status,
	}
	if mErr.Code == errors.ErrInternal {
		body["message"] = "internal server error"
	} else if mErr.Details != nil {
		body["details"] = mErr.Details
	}
	return body
}

// renderJSON writes a JSON response.
func renderJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// formatTime formats a Unix millisecond timestamp as "2006-01-02 15:04" UTC.
func formatTime(unixMS int64) string {
	return time.UnixMilli(unixMS).UTC().Format("2006-01-02 15:04")
}
