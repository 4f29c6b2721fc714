package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Rating is the user feedback attached to a response.
type Rating string

const (
	RatingThumbsUp   Rating = "thumbs_up"
	RatingThumbsDown Rating = "thumbs_down"
)

// ParseRating validates a wire value.
func ParseRating(v string) (Rating, error) {
	switch r := Rating(v); r {
	case RatingThumbsUp, RatingThumbsDown:
		return r, nil
	default:
		return "", fmt.Errorf("invalid rating %q", v)
	}
}

// Response is one persisted turn of a chat.
type Response struct {
	ID               string          `json:"id"`
	ChatID           string          `json:"chatId"`
	Input            string          `json:"input"`
	Query            string          `json:"query"`
	Output           string          `json:"output"`
	OriginalResponse json.RawMessage `json:"originalResponse,omitempty"`
	Rating           *Rating         `json:"rating"`
	CreatedAt        time.Time       `json:"createdAt"`
	References       []Reference     `json:"references"`
}

// Reference is a knowledge graph source cited by a response. Idx is the
// position inside the response's reference list.
type Reference struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Title      string `json:"title,omitempty"`
	Idx        int    `json:"-"`
	ResponseID string `json:"-"`
}

// ChatResponse is the API shape of a turn.
type ChatResponse struct {
	ID         string      `json:"id"`
	CreatedAt  time.Time   `json:"createdAt"`
	Input      string      `json:"input"`
	Output     string      `json:"output"`
	References []Reference `json:"references"`
}

// View converts a persisted response into its API shape.
func (r *Response) View() *ChatResponse {
	refs := r.References
	if refs == nil {
		refs = []Reference{}
	}
	return &ChatResponse{
		ID:         r.ID,
		CreatedAt:  r.CreatedAt,
		Input:      r.Input,
		Output:     r.Output,
		References: refs,
	}
}

// RatingObject is the body of the rating endpoints.
type RatingObject struct {
	Rating *Rating `json:"rating"`
}
