package ops

import (
	"bytes"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/hpungsan/margin/internal/config"
	"github.com/hpungsan/margin/internal/errors"
	"github.com/hpungsan/margin/internal/note"
)

// Export formats.
const (
	FormatMarkdown = "md"
	FormatHTML     = "html"
)

// ExportInput contains parameters for the ExportNotes operation.
type ExportInput struct {
	SessionID       string
	Format          string // md (default) or html
	IncludeArchived bool
	// Path, when set, writes the export to a file instead of returning it.
	Path string
}

// ExportOutput contains the result of the ExportNotes operation.
type ExportOutput struct {
	SessionID  string `json:"session_id"`
	Format     string `json:"format"`
	Count      int    `json:"count"`
	Content    string `json:"content,omitempty"`
	Path       string `json:"path,omitempty"`
	ExportedAt int64  `json:"exported_at"`
}

// ExportNotes renders a session's notes as Markdown, or as HTML converted
// from that Markdown with goldmark.
func ExportNotes(database *sql.DB, cfg *config.Config, input ExportInput) (*ExportOutput, error) {
	format := strings.ToLower(strings.TrimSpace(input.Format))
	if format == "" {
		format = FormatMarkdown
	}
	if format != FormatMarkdown && format != FormatHTML {
		return nil, errors.NewInvalidRequest("format must be md or html")
	}

	listed, err := ListNotes(database, ListNotesInput{SessionID: input.SessionID, IncludeArchived: input.IncludeArchived})
	if err != nil {
		return nil, err
	}

	content := []byte(RenderMarkdown(listed.VideoID, listed.SessionID, listed.Notes))
	if format == FormatHTML {
		if content, err = MarkdownToHTML(content); err != nil {
			return nil, errors.NewInternal(err)
		}
	}

	out := &ExportOutput{
		SessionID:  listed.SessionID,
		Format:     format,
		Count:      len(listed.Notes),
		ExportedAt: time.Now().Unix(),
	}
	if input.Path == "" {
		out.Content = string(content)
		return out, nil
	}

	if err := ValidateExportPath(input.Path, "."+format, cfg); err != nil {
		return nil, err
	}
	if err := writeAtomic(input.Path, content); err != nil {
		return nil, err
	}
	out.Path = input.Path
	return out, nil
}

// DefaultExportPath returns ~/.margin/exports/<session>-<timestamp>.<format>.
func DefaultExportPath(sessionID, format string, now time.Time) (string, error) {
	dir, err := DefaultExportsDir()
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s-%s.%s", SanitizeForFilename(sessionID), now.Format("2006-01-02T150405"), format)
	return filepath.Join(dir, name), nil
}

// RenderMarkdown renders notes as a Markdown document, one section per note.
func RenderMarkdown(videoID, sessionID string, notes []*note.Note) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Notes for %s\n\n", videoID)
	fmt.Fprintf(&b, "Session `%s`, %d notes.\n", sessionID, len(notes))
	for _, n := range notes {
		fmt.Fprintf(&b, "\n## %s - %s", note.FormatTimestamp(n.Span.StartMS), note.FormatTimestamp(n.Span.EndMS))
		if n.Status == note.StatusArchived {
			b.WriteString(" (archived)")
		}
		b.WriteString("\n\n")
		b.WriteString(strings.TrimSpace(n.Text))
		b.WriteString("\n\n")
		fmt.Fprintf(&b, "*confidence %.2f, evidence %d-%d*\n", n.Confidence, n.Sources.From, n.Sources.To)
	}
	return b.String()
}

// MarkdownToHTML converts Markdown to an HTML fragment.
func MarkdownToHTML(md []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert(md, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeAtomic writes data to a temp file next to path and renames it into
// place, leaving any existing file untouched on failure.
func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return errors.NewInternal(fmt.Errorf("failed to create export directory: %w", err))
	}

	randBytes := make([]byte, 8)
	if _, err := rand.Read(randBytes); err != nil {
		return errors.NewInternal(fmt.Errorf("failed to generate temp file name: %w", err))
	}
	tempPath := path + "." + hex.EncodeToString(randBytes) + ".tmp"
	file, err := openFileNoFollow(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return errors.NewInternal(fmt.Errorf("failed to create export file: %w", err))
	}

	success := false
	defer func() {
		if file != nil {
			file.Close()
		}
		if !success {
			os.Remove(tempPath)
		}
	}()

	if _, err := file.Write(data); err != nil {
		return errors.NewInternal(err)
	}
	if err := file.Sync(); err != nil {
		return errors.NewInternal(err)
	}
	if err := file.Close(); err != nil {
		return errors.NewInternal(fmt.Errorf("failed to close export file: %w", err))
	}
	file = nil

	if info, err := os.Lstat(path); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return errors.NewInternal(fmt.Errorf("export path is a symlink"))
	}
	// os.Rename fails on Windows when the destination exists; the existing
	// file is kept rather than deleted first.
	if err := os.Rename(tempPath, path); err != nil {
		if runtime.GOOS == "windows" {
			if _, statErr := os.Stat(path); statErr == nil {
				return errors.NewInvalidRequest("export destination already exists; choose a new path")
			}
		}
		return errors.NewInternal(fmt.Errorf("failed to finalize export: %w", err))
	}
	success = true
	return nil
}
