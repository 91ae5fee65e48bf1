package conversation

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
)

type ConversationRepo struct {
	db *sqlx.DB
}

func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

func (r *ConversationRepo) Create(ctx context.Context, conv Conversation) (Conversation, error) {
	query := `
		INSERT INTO conversations (id, user_id, title, messages, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, user_id, title, messages, created_at, updated_at
	`

	var result Conversation
	err := r.db.GetContext(ctx, &result, query,
		conv.ID,
		conv.UserID,
		conv.Title,
		conv.Messages,
		conv.CreatedAt,
		conv.UpdatedAt,
	)

	return result, err
}

func (r *ConversationRepo) GetByID(ctx context.Context, id string) (Conversation, error) {
	query := `
		SELECT id, user_id, title, messages, created_at, updated_at
		FROM conversations
		WHERE id = $1
	`

	var conv Conversation
	err := r.db.GetContext(ctx, &conv, query, id)
	return conv, err
}

func (r *ConversationRepo) ListByUser(ctx context.Context, userID string) ([]Conversation, error) {
	query := `
		SELECT id, user_id, title, messages, created_at, updated_at
		FROM conversations
		WHERE user_id = $1
		ORDER BY updated_at DESC
	`

	conversations := []Conversation{}
	err := r.db.SelectContext(ctx, &conversations, query, userID)
	return conversations, err
}

func (r *ConversationRepo) UpdateMessages(ctx context.Context, id string, messages Messages) error {
	query := `
		UPDATE conversations
		SET messages = $1, updated_at = $2
		WHERE id = $3
	`

	result, err := r.db.ExecContext(ctx, query, messages, time.Now(), id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return sql.ErrNoRows
	}

	return nil
}

func (r *ConversationRepo) SetTitle(ctx context.Context, id string, title string) error {
	query := `
		UPDATE conversations
		SET title = $1, updated_at = $2
		WHERE id = $3
	`

	result, err := r.db.ExecContext(ctx, query, title, time.Now(), id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return sql.ErrNoRows
	}

	return nil
}
