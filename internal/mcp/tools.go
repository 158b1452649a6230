package mcp

import "github.com/mark3labs/mcp-go/mcp"

var sessionIDParam = mcp.WithString("session_id",
	mcp.Required(),
	mcp.Description("Session ID returned by session_open"),
)

var openToolDef = mcp.NewTool("session_open",
	mcp.WithDescription("Open an annotation session for a video and start its actor."),
	mcp.WithString("video_id", mcp.Required(), mcp.Description("Video the notes are anchored to")),
)

var submitToolDef = mcp.NewTool("session_submit",
	mcp.WithDescription("Submit one message to a session. Transcripts and frame references are appended to the ledger before the call returns; checkpoint_now and close_session wait for the session to act."),
	sessionIDParam,
	mcp.WithString("type",
		mcp.Required(),
		mcp.Enum("transcript", "frame_ref", "checkpoint_now", "close_session"),
		mcp.Description("Message type"),
	),
	mcp.WithObject("transcript",
		mcp.Description("For type=transcript: {text, start_ms, end_ms, speaker}"),
		mcp.Properties(map[string]any{
			"text":     map[string]any{"type": "string"},
			"start_ms": map[string]any{"type": "integer"},
			"end_ms":   map[string]any{"type": "integer"},
			"speaker":  map[string]any{"type": "string"},
		}),
	),
	mcp.WithObject("frame",
		mcp.Description("For type=frame_ref: {pointer, timestamp_ms, features, summary}"),
		mcp.Properties(map[string]any{
			"pointer":      map[string]any{"type": "string"},
			"timestamp_ms": map[string]any{"type": "integer"},
			"features":     map[string]any{"type": "array", "items": map[string]any{"type": "number"}},
			"summary":      map[string]any{"type": "string"},
		}),
	),
	mcp.WithString("blob", mcp.Description("Optional base64 frame bytes cached under frame.pointer")),
)

var checkpointToolDef = mcp.NewTool("session_checkpoint",
	mcp.WithDescription("Checkpoint a session now."),
	sessionIDParam,
)

var closeToolDef = mcp.NewTool("session_close",
	mcp.WithDescription("Synthesize pending evidence, checkpoint and close a session."),
	sessionIDParam,
	mcp.WithDestructiveHintAnnotation(true),
)

var statusToolDef = mcp.NewTool("session_status",
	mcp.WithDescription("Show a session's status, health, cursor and backpressure level. Without session_id, list sessions."),
	mcp.WithString("session_id", mcp.Description("Session ID; omit to list sessions")),
	mcp.WithString("status", mcp.Description("List filter: created, active, idle, checkpointed, degraded, closed, abandoned")),
	mcp.WithString("video_id", mcp.Description("List filter")),
	mcp.WithNumber("limit", mcp.Description("List page size (default 20, max 100)")),
	mcp.WithNumber("offset", mcp.Description("List offset")),
	mcp.WithReadOnlyHintAnnotation(true),
)

var noteListToolDef = mcp.NewTool("note_list",
	mcp.WithDescription("List a session's notes in video order."),
	sessionIDParam,
	mcp.WithBoolean("include_archived", mcp.Description("Include notes superseded by a merge")),
	mcp.WithString("format", mcp.Enum("json", "md", "html"), mcp.Description("json (default), or a rendered md/html document")),
	mcp.WithReadOnlyHintAnnotation(true),
)

var verifyToolDef = mcp.NewTool("ledger_verify",
	mcp.WithDescription("Hash-check every ledger record of a session and report corrupted records and sequence gaps."),
	sessionIDParam,
	mcp.WithReadOnlyHintAnnotation(true),
)

var replayToolDef = mcp.NewTool("note_replay",
	mcp.WithDescription("Rebuild a note from the ledger prefix its last decision saw and compare it byte for byte with the logged note."),
	mcp.WithString("note_id", mcp.Required(), mcp.Description("Note ID")),
	mcp.WithReadOnlyHintAnnotation(true),
)
