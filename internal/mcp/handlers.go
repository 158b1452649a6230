package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/margin/internal/config"
	"github.com/hpungsan/margin/internal/errors"
	"github.com/hpungsan/margin/internal/ops"
	"github.com/hpungsan/margin/internal/session"
	"github.com/hpungsan/margin/internal/supervisor"
)

// Handlers holds dependencies for MCP tool handlers.
type Handlers struct {
	sv  *supervisor.Supervisor
	cfg *config.Config
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(sv *supervisor.Supervisor, cfg *config.Config) *Handlers {
	return &Handlers{sv: sv, cfg: cfg}
}

// OpenRequest represents the arguments for session_open.
type OpenRequest struct {
	VideoID string `json:"video_id"`
}

// SubmitRequest represents the arguments for session_submit.
type SubmitRequest struct {
	SessionID string `json:"session_id"`
	session.Message
}

// SessionRequest represents the arguments of tools addressing one session.
type SessionRequest struct {
	SessionID string `json:"session_id"`
}

// StatusRequest represents the arguments for session_status.
type StatusRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Status    string `json:"status,omitempty"`
	VideoID   string `json:"video_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Offset    int    `json:"offset,omitempty"`
}

// NoteListRequest represents the arguments for note_list.
type NoteListRequest struct {
	SessionID       string `json:"session_id"`
	IncludeArchived bool   `json:"include_archived,omitempty"`
	Format          string `json:"format,omitempty"`
}

// ReplayRequest represents the arguments for note_replay.
type ReplayRequest struct {
	NoteID string `json:"note_id"`
}

// decode unmarshals tool arguments into T, rejecting unknown fields.
func decode[T any](req mcp.CallToolRequest) (T, error) {
	var result T
	b, err := json.Marshal(req.GetArguments())
	if err != nil {
		return result, fmt.Errorf("marshal args: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&result); err != nil {
		return result, fmt.Errorf("invalid arguments: %w", err)
	}
	return result, nil
}

// HandleOpen handles the session_open tool call.
func (h *Handlers) HandleOpen(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[OpenRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	result, err := ops.OpenSession(h.sv, ops.OpenInput{VideoID: input.VideoID})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleSubmit handles the session_submit tool call.
func (h *Handlers) HandleSubmit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[SubmitRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	result, err := ops.Submit(ctx, h.sv, ops.SubmitInput{SessionID: input.SessionID, Message: input.Message})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleCheckpoint handles the session_checkpoint tool call.
func (h *Handlers) HandleCheckpoint(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[SessionRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	result, err := ops.CheckpointSession(ctx, h.sv, input.SessionID)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleClose handles the session_close tool call.
func (h *Handlers) HandleClose(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[SessionRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	result, err := ops.CloseSession(ctx, h.sv, input.SessionID)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleStatus handles the session_status tool call.
func (h *Handlers) HandleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[StatusRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	var result any
	if input.SessionID != "" {
		result, err = ops.GetSession(h.sv, input.SessionID)
	} else {
		result, err = ops.ListSessions(h.sv.Deps().DB, ops.ListSessionsInput{
			Status:  input.Status,
			VideoID: input.VideoID,
			Limit:   input.Limit,
			Offset:  input.Offset,
		})
	}
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleNoteList handles the note_list tool call.
func (h *Handlers) HandleNoteList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[NoteListRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	var result any
	switch input.Format {
	case "", "json":
		result, err = ops.ListNotes(h.sv.Deps().DB, ops.ListNotesInput{
			SessionID:       input.SessionID,
			IncludeArchived: input.IncludeArchived,
		})
	default:
		result, err = ops.ExportNotes(h.sv.Deps().DB, h.cfg, ops.ExportInput{
			SessionID:       input.SessionID,
			Format:          input.Format,
			IncludeArchived: input.IncludeArchived,
		})
	}
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleVerify handles the ledger_verify tool call.
func (h *Handlers) HandleVerify(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[SessionRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	deps := h.sv.Deps()
	result, err := ops.VerifyLedger(ctx, deps.DB, deps.Ledger, input.SessionID)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleReplay handles the note_replay tool call.
func (h *Handlers) HandleReplay(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ReplayRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	result, err := ops.ReplayNote(ctx, h.sv.Deps(), input.NoteID)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// errorResult creates an MCP error result with IsError set. Details of
// internal errors are withheld so SQL or file paths do not leak.
func errorResult(err error) *mcp.CallToolResult {
	var payload map[string]any

	var mErr *errors.MarginError
	if stderrors.As(err, &mErr) {
		errorObj := map[string]any{
			"code":    mErr.Code,
			"message": mErr.Message,
			"status":  mErr.Status,
		}
		if mErr.Code != errors.ErrInternal && mErr.Details != nil {
			errorObj["details"] = mErr.Details
		}
		payload = map[string]any{"error": errorObj}
	} else {
		payload = map[string]any{
			"error": map[string]any{
				"code":    "INTERNAL",
				"message": "an internal error occurred",
				"status":  500,
			},
		}
	}

	content, _ := json.Marshal(payload)
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

// successResult creates an MCP success result from any data.
func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
