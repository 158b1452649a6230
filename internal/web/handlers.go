package web

import (
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hpungsan/margin/internal/config"
	"github.com/hpungsan/margin/internal/errors"
	"github.com/hpungsan/margin/internal/events"
	"github.com/hpungsan/margin/internal/ops"
	"github.com/hpungsan/margin/internal/session"
	"github.com/hpungsan/margin/internal/supervisor"
)

// maxBodyBytes bounds request bodies, frame blobs included.
const maxBodyBytes = 8 << 20

// Handlers contains HTTP route handlers for the session API.
type Handlers struct {
	sv       *supervisor.Supervisor
	cfg      *config.Config
	hub      *events.Hub
	renderer *Renderer
	logger   *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(sv *supervisor.Supervisor, cfg *config.Config, hub *events.Hub, version string) *Handlers {
	logger := sv.Deps().Logger.With("component", "web")
	return &Handlers{
		sv:       sv,
		cfg:      cfg,
		hub:      hub,
		renderer: NewRenderer(version, logger),
		logger:   logger,
	}
}

// HandleHealth handles GET /healthz.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	published, dropped := h.hub.Stats()
	renderJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"sessions":         len(h.sv.Running()),
		"events_published": published,
		"events_dropped":   dropped,
	})
}

// HandleList handles GET /sessions: list persisted sessions.
func (h *Handlers) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	result, err := ops.ListSessions(h.sv.Deps().DB, ops.ListSessionsInput{
		Status:  q.Get("status"),
		VideoID: q.Get("video_id"),
		Limit:   parseIntParam(r, "limit", ops.DefaultListLimit),
		Offset:  parseIntParam(r, "offset", 0),
	})
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	renderJSON(w, http.StatusOK, result)
}

// HandleOpen handles POST /sessions: open a session for a video.
func (h *Handlers) HandleOpen(w http.ResponseWriter, r *http.Request) {
	var body struct {
		VideoID string `json:"video_id"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	result, err := ops.OpenSession(h.sv, ops.OpenInput{VideoID: body.VideoID})
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	w.Header().Set("Location", "/sessions/"+result.Session.ID)
	renderJSON(w, http.StatusCreated, result)
}

// HandleStatus handles GET /sessions/{id}.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	result, err := ops.GetSession(h.sv, r.PathValue("id"))
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	renderJSON(w, http.StatusOK, result)
}

// HandleEvidence handles POST /sessions/{id}/evidence: submit one message.
// The evidence is durable in the ledger when the response is written.
func (h *Handlers) HandleEvidence(w http.ResponseWriter, r *http.Request) {
	var msg session.Message
	if err := decodeBody(w, r, &msg); err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	result, err := ops.Submit(r.Context(), h.sv, ops.SubmitInput{SessionID: r.PathValue("id"), Message: msg})
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	renderJSON(w, http.StatusAccepted, result)
}

// HandleCheckpoint handles POST /sessions/{id}/checkpoint.
func (h *Handlers) HandleCheckpoint(w http.ResponseWriter, r *http.Request) {
	result, err := ops.CheckpointSession(r.Context(), h.sv, r.PathValue("id"))
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	renderJSON(w, http.StatusOK, result)
}

// HandleClose handles POST /sessions/{id}/close.
func (h *Handlers) HandleClose(w http.ResponseWriter, r *http.Request) {
	result, err := ops.CloseSession(r.Context(), h.sv, r.PathValue("id"))
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	renderJSON(w, http.StatusOK, result)
}

// HandleNotes handles GET /sessions/{id}/notes: notes in video order.
func (h *Handlers) HandleNotes(w http.ResponseWriter, r *http.Request) {
	result, err := ops.ListNotes(h.sv.Deps().DB, ops.ListNotesInput{
		SessionID:       r.PathValue("id"),
		IncludeArchived: parseBoolParam(r, "include_archived"),
	})
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	renderJSON(w, http.StatusOK, result)
}

// HandleNotesPage handles GET /sessions/{id}/notes.html: the notes rendered
// through goldmark inside the page layout.
func (h *Handlers) HandleNotesPage(w http.ResponseWriter, r *http.Request) {
	status, err := ops.GetSession(h.sv, r.PathValue("id"))
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	export, err := ops.ExportNotes(h.sv.Deps().DB, h.cfg, ops.ExportInput{
		SessionID:       status.Session.ID,
		Format:          ops.FormatHTML,
		IncludeArchived: parseBoolParam(r, "include_archived"),
	})
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	h.renderer.renderPage(w, r, "notes", NotesPageData{
		PageData: PageData{
			Title:   "Notes for " + status.Session.VideoID,
			Version: h.renderer.version,
		},
		SessionID: status.Session.ID,
		Status:    string(status.Session.Status),
		Count:     export.Count,
		// goldmark omits raw HTML in note text unless WithUnsafe is set.
		Body:       template.HTML(export.Content),
		RenderedAt: time.Now().UnixMilli(),
	})
}

// decodeBody decodes a JSON request body into v, rejecting unknown fields.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if err == io.EOF {
			return errors.NewInvalidRequest("request body is required")
		}
		return errors.NewInvalidRequest(fmt.Sprintf("invalid request body: %v", err))
	}
	return nil
}

// parseIntParam parses an integer query parameter with a default value.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}

// parseBoolParam parses a boolean query parameter.
func parseBoolParam(r *http.Request, name string) bool {
	s := r.URL.Query().Get(name)
	return s == "true" || s == "1"
}
