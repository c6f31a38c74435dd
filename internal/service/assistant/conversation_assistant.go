package assistant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JordanDonguy/aria/internal/models"
)

// CreateConversation inserts a new conversation owned by the user.
func (s *Service) CreateConversation(ctx context.Context, userID int64, title string) (*models.Conversation, error) {
	if userID <= 0 {
		return nil, errors.New("user_id is required")
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, errors.New("title is required")
	}
	conv := &models.Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, title, created_at) VALUES (?, ?, ?, ?)`,
		conv.ID, conv.UserID, conv.Title, conv.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

// ListConversations returns the user's conversations, newest first.
func (s *Service) ListConversations(ctx context.Context, userID int64) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, created_at FROM conversations WHERE user_id = ? ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var conversations []models.Conversation
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conversations = append(conversations, c)
	}
	return conversations, rows.Err()
}

// verifyOwner confirms the conversation exists and belongs to the user,
// returning sql.ErrNoRows otherwise so callers map it to not-found. A
// cross-owner id is indistinguishable from an absent one on purpose.
func (s *Service) verifyOwner(ctx context.Context, userID int64, conversationID string) error {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM conversations WHERE id = ? AND user_id = ?)`,
		conversationID, userID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("verify conversation: %w", err)
	}
	if !exists {
		return sql.ErrNoRows
	}
	return nil
}

// ListMessages returns the conversation transcript, oldest first.
func (s *Service) ListMessages(ctx context.Context, userID int64, conversationID string) ([]*models.Message, error) {
	if conversationID == "" {
		return nil, errors.New("conversation_id is required")
	}
	if err := s.verifyOwner(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	if messages, ok := s.cache.load(ctx, conversationID); ok {
		return messages, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, created_at FROM messages
		 WHERE conversation_id = ? ORDER BY created_at ASC, id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]*models.Message, 0)
	for rows.Next() {
		m := new(models.Message)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	s.cache.store(ctx, conversationID, messages)
	return messages, nil
}

// AppendMessage persists one transcript entry for a conversation the user
// owns. Within a turn the caller writes the user message before the
// assistant message; this function never reorders.
func (s *Service) AppendMessage(ctx context.Context, userID int64, conversationID string, role models.Role, content string) (*models.Message, error) {
	if conversationID == "" {
		return nil, errors.New("conversation_id is required")
	}
	if !role.Valid() {
		return nil, fmt.Errorf("invalid role %q", role)
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, errors.New("content cannot be empty")
	}
	if err := s.verifyOwner(ctx, userID, conversationID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		conversationID, role, content, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}
	s.cache.invalidate(ctx, conversationID)
	return &models.Message{
		ID:             id,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      now,
	}, nil
}

// DeleteConversation removes a conversation and its messages for the user.
func (s *Service) DeleteConversation(ctx context.Context, userID int64, conversationID string) error {
	if conversationID == "" {
		return errors.New("conversation_id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ? AND user_id = ?`, conversationID, userID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("conversation rows affected: %w", err)
	}
	if affected == 0 {
		tx.Rollback()
		return sql.ErrNoRows
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete conversation: %w", err)
	}
	s.cache.invalidate(ctx, conversationID)
	return nil
}
