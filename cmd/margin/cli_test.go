package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/hpungsan/margin/internal/controller"
	"github.com/hpungsan/margin/internal/db"
	"github.com/hpungsan/margin/internal/errors"
	"github.com/hpungsan/margin/internal/evidence"
	"github.com/hpungsan/margin/internal/ops"
	"github.com/hpungsan/margin/internal/session"
	"github.com/hpungsan/margin/internal/supervisor"
)

// seedSession opens a session under home, submits two lines and closes it.
func seedSession(t *testing.T, home string) string {
	t.Helper()
	database, err := db.Init(home)
	if err != nil {
		t.Fatalf("db.Init: %v", err)
	}
	defer database.Close()

	sv := supervisor.New(session.Deps{
		DB:     database,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err := sv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	defer sv.Shutdown(ctx)

	opened, err := ops.OpenSession(sv, ops.OpenInput{VideoID: "video-1"})
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	id := opened.Session.ID
	for i, text := range []string{"the car turns left at the corner", "then it stops at the light"} {
		start := int64(i) * 1000
		if _, err := ops.Submit(ctx, sv, ops.SubmitInput{
			SessionID: id,
			Message: session.Message{
				Kind:       controller.KindTranscript,
				Transcript: &evidence.Transcript{Text: text, StartMS: start, EndMS: start + 900},
			},
		}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	if _, err := ops.CloseSession(ctx, sv, id); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	return id
}

// runCLI runs the app against home and returns stdout.
func runCLI(t *testing.T, home string, args ...string) (string, error) {
	t.Helper()
	var stdout bytes.Buffer
	app := newCLIApp()
	app.Writer = &stdout
	app.ErrWriter = io.Discard
	full := append([]string{"margin", "--home", home, "--log-level", "error"}, args...)
	err := app.Run(full)
	return stdout.String(), err
}

func decodeJSON(t *testing.T, s string) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		t.Fatalf("invalid JSON output: %v\n%s", err, s)
	}
	return out
}

func TestResolveArgs(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		terminal bool
		want     []string
	}{
		{"piped no args", []string{"margin"}, false, []string{"margin", "mcp"}},
		{"terminal no args", []string{"margin"}, true, []string{"margin"}},
		{"explicit command", []string{"margin", "serve"}, false, []string{"margin", "serve"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := resolveArgs(tt.args, tt.terminal)
			if strings.Join(got, " ") != strings.Join(tt.want, " ") {
				t.Errorf("resolveArgs() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	for _, level := range []string{"debug", "info", "WARN", "error"} {
		if _, err := newLogger(io.Discard, level); err != nil {
			t.Errorf("newLogger(%q) failed: %v", level, err)
		}
	}
	if _, err := newLogger(io.Discard, "loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestCLISessions(t *testing.T) {
	home := t.TempDir()
	id := seedSession(t, home)

	out, err := runCLI(t, home, "sessions", "--status", "closed")
	if err != nil {
		t.Fatalf("sessions failed: %v", err)
	}
	result := decodeJSON(t, out)
	sessions := result["sessions"].([]any)
	if len(sessions) != 1 {
		t.Fatalf("len(sessions) = %d, want 1", len(sessions))
	}
	if got := sessions[0].(map[string]any)["session_id"]; got != id {
		t.Errorf("session_id = %v, want %s", got, id)
	}

	if _, err := runCLI(t, home, "sessions", "--status", "sleeping"); err == nil {
		t.Error("expected error for unknown status")
	} else if !strings.Contains(err.Error(), "INVALID_REQUEST") {
		t.Errorf("error = %v, want INVALID_REQUEST", err)
	}
}

func TestCLINotes(t *testing.T) {
	home := t.TempDir()
	id := seedSession(t, home)

	out, err := runCLI(t, home, "notes", id)
	if err != nil {
		t.Fatalf("notes failed: %v", err)
	}
	notes := decodeJSON(t, out)["notes"].([]any)
	if len(notes) != 1 {
		t.Fatalf("len(notes) = %d, want 1", len(notes))
	}
	text := notes[0].(map[string]any)["text"].(string)
	if !strings.Contains(text, "The car turns left at the corner then it stops at the light.") {
		t.Errorf("text = %q", text)
	}

	_, err = runCLI(t, home, "notes", "missing")
	if err == nil || !strings.Contains(err.Error(), "NOT_FOUND") {
		t.Errorf("expected NOT_FOUND, got: %v", err)
	}
}

func TestCLIVerify(t *testing.T) {
	home := t.TempDir()
	id := seedSession(t, home)

	out, err := runCLI(t, home, "verify", id)
	if err != nil {
		t.Fatalf("verify failed: %v\n%s", err, out)
	}
	if ok := decodeJSON(t, out)["ok"]; ok != true {
		t.Errorf("ok = %v, want true", ok)
	}

	out, err = runCLI(t, home, "verify", "--all")
	if err != nil {
		t.Fatalf("verify --all failed: %v\n%s", err, out)
	}
	all := decodeJSON(t, out)
	if all["ok"] != true || len(all["sessions"].([]any)) != 1 {
		t.Errorf("verify --all = %v", all)
	}
}

func TestCLIReplay(t *testing.T) {
	home := t.TempDir()
	id := seedSession(t, home)

	out, err := runCLI(t, home, "notes", id)
	if err != nil {
		t.Fatalf("notes failed: %v", err)
	}
	noteID := decodeJSON(t, out)["notes"].([]any)[0].(map[string]any)["note_id"].(string)

	out, err = runCLI(t, home, "replay", noteID)
	if err != nil {
		t.Fatalf("replay failed: %v\n%s", err, out)
	}
	result := decodeJSON(t, out)
	if result["match"] != true {
		t.Errorf("replay mismatch: %v", result)
	}
}

func TestCLIExport(t *testing.T) {
	home := t.TempDir()
	id := seedSession(t, home)

	out, err := runCLI(t, home, "export", "--stdout", id)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if !strings.HasPrefix(out, "# Notes for video-1") {
		t.Errorf("markdown = %q", out)
	}

	out, err = runCLI(t, home, "export", "--stdout", "--format", "HTML", id)
	if err != nil {
		t.Fatalf("export html failed: %v", err)
	}
	if !strings.Contains(out, "<h1>Notes for video-1</h1>") {
		t.Errorf("html = %q", out)
	}

	_, err = runCLI(t, home, "export", "--stdout", "--format", "pdf", id)
	if err == nil || !strings.Contains(err.Error(), "INVALID_REQUEST") {
		t.Errorf("expected INVALID_REQUEST, got: %v", err)
	}
}

func TestOutputError(t *testing.T) {
	err := outputError(errors.NewNotFound("session", "abc"))
	exit, ok := err.(cli.ExitCoder)
	if !ok || exit.ExitCode() != 1 {
		t.Fatalf("expected exit code 1, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), "[NOT_FOUND]") {
		t.Errorf("message = %q", err.Error())
	}

	if err := outputError(fmt.Errorf("boom")); err.Error() != "boom" {
		t.Errorf("message = %q, want boom", err.Error())
	}
}
