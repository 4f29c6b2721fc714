package feedback

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"kgchat/internal/models"
)

// CreateChat inserts a new chat owned by userID.
func (s *Service) CreateChat(ctx context.Context, userID string) (*models.Chat, error) {
	if userID == "" {
		return nil, errors.New("user_id is required")
	}
	chat := &models.Chat{ID: uuid.NewString(), UserID: userID, CreatedAt: s.now()}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (id, user_id, created_at) VALUES (?, ?, ?)`,
		chat.ID, chat.UserID, chat.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("create chat: %w", err)
	}
	return chat, nil
}

// GetChat loads one chat by id.
func (s *Service) GetChat(ctx context.Context, chatID string) (*models.Chat, error) {
	var chat models.Chat
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, created_at FROM chats WHERE id = ?`, chatID,
	).Scan(&chat.ID, &chat.UserID, &chat.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrChatNotFound
		}
		return nil, fmt.Errorf("get chat: %w", err)
	}
	return &chat, nil
}

// ListChats returns a page of the user's chats. Responses are loaded only
// when withResponses is set.
func (s *Service) ListChats(ctx context.Context, userID string, page Page, withResponses bool) ([]*models.Chat, error) {
	page = page.normalize()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, created_at FROM chats WHERE user_id = ? ORDER BY created_at `+page.Order.sql()+` LIMIT ? OFFSET ?`,
		userID, page.Limit, page.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var chats []*models.Chat
	for rows.Next() {
		c := new(models.Chat)
		if err := rows.Scan(&c.ID, &c.UserID, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		chats = append(chats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chats: %w", err)
	}
	if !withResponses {
		return chats, nil
	}
	for _, c := range chats {
		responses, err := s.listAllResponses(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		c.Responses = responses
	}
	return chats, nil
}
