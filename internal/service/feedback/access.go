package feedback

import (
	"context"

	"kgchat/internal/models"
)

// ValidateChatAccess confirms the chat exists and is owned by userID. It must
// run before any read or write scoped to a chat.
func (s *Service) ValidateChatAccess(ctx context.Context, chatID, userID string) (*models.Chat, error) {
	chat, err := s.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if chat.UserID != userID {
		return nil, ErrAccessDenied
	}
	return chat, nil
}
