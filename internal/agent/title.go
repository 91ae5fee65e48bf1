package agent

import (
	"context"
	"log/slog"
	"strings"

	"github.com/helmsman-ops/helmsman/pkg/llm"
)

const titlePrompt = "Summarize the user's message as a conversation title of at most six words. Respond with the title only, no quotes or punctuation around it."

// TitleStore persists generated conversation titles.
type TitleStore interface {
	SetTitle(ctx context.Context, conversationID, title string) error
}

// TitleGenerator names a conversation after its first user message. It runs
// in the background of the first turn; failures only log.
type TitleGenerator struct {
	llm   llm.Provider
	store TitleStore
	model string
}

func NewTitleGenerator(provider llm.Provider, store TitleStore, model string) *TitleGenerator {
	return &TitleGenerator{llm: provider, store: store, model: model}
}

func (g *TitleGenerator) Generate(ctx context.Context, conversationID, userMessage string) {
	ctx, span := tracer.Start(ctx, "TitleGenerator.Generate")
	defer span.End()

	resp, err := g.llm.Complete(ctx, &llm.ChatRequest{
		Model: g.model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: titlePrompt},
			{Role: llm.RoleUser, Content: userMessage},
		},
	})
	if err != nil {
		slog.WarnContext(ctx, "Unable to generate conversation title", slog.Any("error", err))
		return
	}

	title := strings.TrimSpace(resp.Message.Content)
	title = strings.Trim(title, `"'`)
	if title == "" {
		return
	}

	if err := g.store.SetTitle(ctx, conversationID, title); err != nil {
		slog.WarnContext(ctx, "Unable to save conversation title", slog.Any("error", err))
	}
}
