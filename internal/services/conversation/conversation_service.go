package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("ConversationService")

// ConversationService owns all transcript mutations. Writers to the same
// conversation are serialized with a per-conversation lock so concurrent
// read-modify-write cycles never interleave.
type ConversationService struct {
	repo *ConversationRepo

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewConversationService(r *ConversationRepo) *ConversationService {
	return &ConversationService{
		repo:  r,
		locks: map[string]*sync.Mutex{},
	}
}

func (s *ConversationService) lockFor(conversationID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[conversationID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[conversationID] = lock
	}
	return lock
}

// mutate runs fn against a fresh snapshot of the conversation and persists
// the result, holding the conversation's write lock throughout.
func (s *ConversationService) mutate(ctx context.Context, conversationID string, fn func(*Conversation) error) error {
	lock := s.lockFor(conversationID)
	lock.Lock()
	defer lock.Unlock()

	conv, err := s.repo.GetByID(ctx, conversationID)
	if err != nil {
		return err
	}

	if err := fn(&conv); err != nil {
		return err
	}

	return s.repo.UpdateMessages(ctx, conversationID, conv.Messages)
}

func (s *ConversationService) Create(ctx context.Context, userID string, title *string) (Conversation, error) {
	ctx, span := tracer.Start(ctx, "ConversationService.Create")
	defer span.End()

	now := time.Now()
	return s.repo.Create(ctx, Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		Messages:  Messages{},
		CreatedAt: now,
		UpdatedAt: now,
	})
}

func (s *ConversationService) Get(ctx context.Context, id string) (Conversation, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *ConversationService) List(ctx context.Context, userID string) ([]Conversation, error) {
	return s.repo.ListByUser(ctx, userID)
}

func (s *ConversationService) SetTitle(ctx context.Context, id string, title string) error {
	return s.repo.SetTitle(ctx, id, title)
}

// Transcript returns a consistent snapshot of the conversation's messages.
func (s *ConversationService) Transcript(ctx context.Context, conversationID string) ([]Message, error) {
	conv, err := s.repo.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return conv.Messages, nil
}

func (s *ConversationService) AppendUserMessage(ctx context.Context, conversationID, text string, timestamp int64) error {
	return s.mutate(ctx, conversationID, func(conv *Conversation) error {
		conv.AppendUserMessage(text, timestamp)
		return nil
	})
}

func (s *ConversationService) AppendTextSegment(ctx context.Context, conversationID, text string, timestamp int64) error {
	return s.mutate(ctx, conversationID, func(conv *Conversation) error {
		conv.AppendTextSegment(text, timestamp)
		return nil
	})
}

func (s *ConversationService) AppendToolSegment(ctx context.Context, conversationID string, seg Segment) error {
	return s.mutate(ctx, conversationID, func(conv *Conversation) error {
		conv.AppendToolSegment(seg)
		return nil
	})
}

func (s *ConversationService) UpdateToolSegmentStatus(ctx context.Context, conversationID, callID string, status ToolStatus, result []ToolResultBlock, errText string) error {
	return s.mutate(ctx, conversationID, func(conv *Conversation) error {
		return conv.UpdateToolSegmentStatus(callID, status, result, errText)
	})
}

func (s *ConversationService) FinalizeAssistantMessage(ctx context.Context, conversationID string, usage *TokenUsage) error {
	return s.mutate(ctx, conversationID, func(conv *Conversation) error {
		return conv.FinalizeAssistantMessage(usage)
	})
}

// PendingToolSegments returns unresolved tool calls of the last assistant
// message, for approval resume.
func (s *ConversationService) PendingToolSegments(ctx context.Context, conversationID string) ([]Segment, error) {
	conv, err := s.repo.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return conv.PendingToolSegments(), nil
}
