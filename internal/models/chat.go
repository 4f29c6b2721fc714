package models

import "time"

// Chat groups the responses of one conversation.
type Chat struct {
	ID        string      `json:"id"`
	UserID    string      `json:"userId"`
	CreatedAt time.Time   `json:"createdAt"`
	Responses []*Response `json:"responses,omitempty"`
}

// ChatView is the projection of a Chat restricted to the fields a caller asked for.
type ChatView struct {
	ID        string          `json:"id"`
	CreatedAt *time.Time      `json:"createdAt,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	Responses []*ChatResponse `json:"responses,omitempty"`
}

// Chat fields accepted by the fields query parameter.
const (
	ChatFieldID        = "id"
	ChatFieldCreatedAt = "createdAt"
	ChatFieldUserID    = "userId"
	ChatFieldResponses = "responses"
)

// Project keeps only the requested fields. The id is always present.
func (c *Chat) Project(fields map[string]bool) ChatView {
	view := ChatView{ID: c.ID}
	if fields[ChatFieldCreatedAt] {
		createdAt := c.CreatedAt
		view.CreatedAt = &createdAt
	}
	if fields[ChatFieldUserID] {
		view.UserID = c.UserID
	}
	if fields[ChatFieldResponses] {
		view.Responses = make([]*ChatResponse, 0, len(c.Responses))
		for _, r := range c.Responses {
			view.Responses = append(view.Responses, r.View())
		}
	}
	return view
}
