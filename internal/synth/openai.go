package synth

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/hpungsan/margin/internal/note"
)

const defaultModel = "gpt-4o-mini"

const systemPrompt = "You turn a viewer's spoken reactions to a video into one concise review note. " +
	"Use only the evidence given. Reply with the note text only."

// OpenAI is a Synthesizer backed by the chat completions API.
type OpenAI struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// NewOpenAI builds a client from OPENAI_API_KEY (and OPENAI_BASE_URL when set).
// model defaults to gpt-4o-mini.
func NewOpenAI(model string, logger *slog.Logger) (*OpenAI, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, stderrors.New("OPENAI_API_KEY environment variable not set")
	}
	cfg := openai.DefaultConfig(apiKey)
	if base := os.Getenv("OPENAI_BASE_URL"); base != "" {
		cfg.BaseURL = base
	}
	return NewOpenAIWithConfig(cfg, model, logger), nil
}

// NewOpenAIWithConfig builds a client from an explicit go-openai config.
func NewOpenAIWithConfig(cfg openai.ClientConfig, model string, logger *slog.Logger) *OpenAI {
	if model == "" {
		model = defaultModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAI{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		logger: logger.With("component", "synth", "provider", "openai"),
	}
}

// Synthesize implements Synthesizer.
func (o *OpenAI) Synthesize(ctx context.Context, req Request) (Result, error) {
	set := req.Evidence
	if set == nil || len(set.Transcripts) == 0 {
		return Result{}, ErrEmptyWindow
	}

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt(req)},
		},
		Temperature: 0,
	})
	if err != nil {
		return Result{}, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, stderrors.New("openai returned no choices")
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return Result{}, stderrors.New("openai returned empty content")
	}
	o.logger.Debug("synthesized note", "session_id", req.SessionID, "finish_reason", resp.Choices[0].FinishReason)
	return Result{Text: text, Confidence: set.Confidence}, nil
}

func prompt(req Request) string {
	set := req.Evidence
	var b strings.Builder
	fmt.Fprintf(&b, "Video %s, window %s-%s.\n\nTranscript:\n",
		req.VideoID, note.FormatTimestamp(set.Window.StartMS), note.FormatTimestamp(set.Window.EndMS))
	for _, t := range set.Transcripts {
		fmt.Fprintf(&b, "- [%s] %s\n", note.FormatTimestamp(t.StartMS), t.Text)
	}
	if len(set.Frames) > 0 {
		b.WriteString("\nFrames:\n")
		for _, f := range set.Frames {
			summary := f.Summary
			if summary == "" {
				summary = "(no summary)"
			}
			fmt.Fprintf(&b, "- [%s] %s\n", note.FormatTimestamp(f.TimestampMS), summary)
		}
	}
	if summaries := req.Summaries(); len(summaries) > 0 {
		b.WriteString("\nExisting notes nearby:\n")
		for _, s := range summaries {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}
	return b.String()
}
