package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/helmsman-ops/helmsman/pkg/llm"
	"github.com/stretchr/testify/assert"
)

type fakeTitleStore struct {
	titles map[string]string
}

func (s *fakeTitleStore) SetTitle(ctx context.Context, conversationID, title string) error {
	if s.titles == nil {
		s.titles = map[string]string{}
	}
	s.titles[conversationID] = title
	return nil
}

func TestTitleGeneratorSavesTrimmedTitle(t *testing.T) {
	provider := &scriptedProvider{turns: []scriptedTurn{
		{response: llm.ChatResponse{Message: llm.Message{Role: llm.RoleAssistant, Content: "  \"Pod restart investigation\"  "}}},
	}}
	store := &fakeTitleStore{}

	gen := NewTitleGenerator(provider, store, "gpt-4o")
	gen.Generate(context.Background(), "conv-1", "why do my pods keep restarting?")

	assert.Equal(t, "Pod restart investigation", store.titles["conv-1"])
}

func TestTitleGeneratorIgnoresProviderFailure(t *testing.T) {
	provider := &scriptedProvider{turns: []scriptedTurn{
		{err: errors.New("upstream unavailable")},
	}}
	store := &fakeTitleStore{}

	gen := NewTitleGenerator(provider, store, "gpt-4o")
	gen.Generate(context.Background(), "conv-1", "hello")

	assert.Empty(t, store.titles)
}

func TestTitleGeneratorSkipsEmptyTitle(t *testing.T) {
	provider := &scriptedProvider{turns: []scriptedTurn{
		{response: llm.ChatResponse{Message: llm.Message{Role: llm.RoleAssistant, Content: "   "}}},
	}}
	store := &fakeTitleStore{}

	gen := NewTitleGenerator(provider, store, "gpt-4o")
	gen.Generate(context.Background(), "conv-1", "hello")

	assert.Empty(t, store.titles)
}
