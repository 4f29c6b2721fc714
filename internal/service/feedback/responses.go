package feedback

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"kgchat/internal/models"
)

// NewResponse carries the columns written for one turn.
type NewResponse struct {
	ChatID           string
	Input            string
	Query            string
	Output           string
	OriginalResponse []byte
	References       []models.Reference
}

// InsertResponse stores the response row and its references in one
// transaction. Reference ordinals are their positions in r.References.
func (s *Service) InsertResponse(ctx context.Context, r NewResponse) (resp *models.Response, err error) {
	if r.ChatID == "" {
		return nil, errors.New("chat_id is required")
	}
	now := s.now()
	resp = &models.Response{
		ID:               uuid.NewString(),
		ChatID:           r.ChatID,
		Input:            r.Input,
		Query:            r.Query,
		Output:           r.Output,
		OriginalResponse: r.OriginalResponse,
		CreatedAt:        now,
		References:       make([]models.Reference, 0, len(r.References)),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var original any
	if len(r.OriginalResponse) > 0 {
		original = string(r.OriginalResponse)
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO responses (id, chat_id, input, query, output, original_response, rating, created_at) VALUES (?, ?, ?, ?, ?, ?, NULL, ?)`,
		resp.ID, resp.ChatID, resp.Input, resp.Query, resp.Output, original, now,
	); err != nil {
		return nil, fmt.Errorf("insert response: %w", err)
	}

	for idx, ref := range r.References {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO response_references (id, reference_id, reference_type, title, idx, response_id) VALUES (?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), ref.ID, ref.Type, nullString(ref.Title), idx, resp.ID,
		); err != nil {
			return nil, fmt.Errorf("insert reference %d: %w", idx, err)
		}
		ref.Idx = idx
		ref.ResponseID = resp.ID
		resp.References = append(resp.References, ref)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit response: %w", err)
	}
	return resp, nil
}

// ListResponses returns a page of a chat's responses with their references.
func (s *Service) ListResponses(ctx context.Context, chatID string, page Page) ([]*models.Response, error) {
	page = page.normalize()
	return s.queryResponses(ctx,
		responseColumns+` FROM responses WHERE chat_id = ? ORDER BY created_at `+page.Order.sql()+` LIMIT ? OFFSET ?`,
		chatID, page.Limit, page.Offset,
	)
}

func (s *Service) listAllResponses(ctx context.Context, chatID string) ([]*models.Response, error) {
	return s.queryResponses(ctx,
		responseColumns+` FROM responses WHERE chat_id = ? ORDER BY created_at ASC`,
		chatID,
	)
}

// GetResponse loads one response of a chat.
func (s *Service) GetResponse(ctx context.Context, chatID, responseID string) (*models.Response, error) {
	responses, err := s.queryResponses(ctx,
		responseColumns+` FROM responses WHERE id = ? AND chat_id = ?`,
		responseID, chatID,
	)
	if err != nil {
		return nil, err
	}
	if len(responses) == 0 {
		return nil, ErrResponseNotFound
	}
	return responses[0], nil
}

// CountResponses reports how many turns a chat holds.
func (s *Service) CountResponses(ctx context.Context, chatID string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM responses WHERE chat_id = ?`, chatID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count responses: %w", err)
	}
	return count, nil
}

// UpdateRating sets or, with a nil rating, clears the rating of a response.
func (s *Service) UpdateRating(ctx context.Context, chatID, responseID string, rating *models.Rating) (*models.Response, error) {
	var value any
	if rating != nil {
		value = string(*rating)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE responses SET rating = ? WHERE id = ? AND chat_id = ?`,
		value, responseID, chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("update rating: %w", err)
	}
	// MySQL reports zero affected rows when the value is unchanged, so the
	// existence check is the follow-up read.
	if _, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("rating rows affected: %w", err)
	}
	return s.GetResponse(ctx, chatID, responseID)
}

const responseColumns = `SELECT id, chat_id, input, query, output, original_response, rating, created_at`

func (s *Service) queryResponses(ctx context.Context, query string, args ...any) ([]*models.Response, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list responses: %w", err)
	}
	defer rows.Close()

	var (
		responses []*models.Response
		ids       []string
	)
	byID := make(map[string]*models.Response)
	for rows.Next() {
		var (
			r        models.Response
			original sql.NullString
			rating   sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.ChatID, &r.Input, &r.Query, &r.Output, &original, &rating, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan response: %w", err)
		}
		if original.Valid {
			r.OriginalResponse = []byte(original.String)
		}
		if rating.Valid {
			v := models.Rating(rating.String)
			r.Rating = &v
		}
		r.References = []models.Reference{}
		responses = append(responses, &r)
		ids = append(ids, r.ID)
		byID[r.ID] = &r
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate responses: %w", err)
	}
	rows.Close()

	if len(ids) == 0 {
		return responses, nil
	}
	if err := s.loadReferences(ctx, ids, byID); err != nil {
		return nil, err
	}
	return responses, nil
}

func (s *Service) loadReferences(ctx context.Context, responseIDs []string, byID map[string]*models.Response) error {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(responseIDs)), ",")
	args := make([]any, len(responseIDs))
	for i, id := range responseIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT reference_id, reference_type, title, idx, response_id FROM response_references WHERE response_id IN (`+placeholders+`) ORDER BY response_id, idx ASC`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("list references: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			ref   models.Reference
			title sql.NullString
		)
		if err := rows.Scan(&ref.ID, &ref.Type, &title, &ref.Idx, &ref.ResponseID); err != nil {
			return fmt.Errorf("scan reference: %w", err)
		}
		ref.Title = title.String
		if r, ok := byID[ref.ResponseID]; ok {
			r.References = append(r.References, ref)
		}
	}
	return rows.Err()
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
