package feedback

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"kgchat/internal/models"
	"kgchat/internal/storage"
)

var (
	ErrChatNotFound     = errors.New("chat not found")
	ErrResponseNotFound = errors.New("response not found")
	ErrUserNotFound     = errors.New("user not found")
	ErrAccessDenied     = errors.New("chat belongs to another user")
)

// Order is the sort direction of list queries.
type Order string

const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

// ParseOrder validates a sort query parameter.
func ParseOrder(v string) (Order, error) {
	switch o := Order(strings.ToLower(v)); o {
	case OrderAsc, OrderDesc:
		return o, nil
	default:
		return "", fmt.Errorf("invalid sort %q", v)
	}
}

func (o Order) sql() string {
	if o == OrderDesc {
		return "DESC"
	}
	return "ASC"
}

// Page bounds a list query.
type Page struct {
	Limit  int
	Offset int
	Order  Order
}

func (p Page) normalize() Page {
	if p.Limit <= 0 {
		p.Limit = 10
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Order != OrderDesc {
		p.Order = OrderAsc
	}
	return p
}

// Service persists users, chats, responses, references and ratings.
type Service struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// NewService builds a new feedback store over an already migrated database.
func NewService(db *sql.DB, driver string) *Service {
	return &Service{db: db, driver: driver, now: func() time.Time { return time.Now().UTC() }}
}

// EnsureUser returns the user for email, creating it on first sight.
func (s *Service) EnsureUser(ctx context.Context, email string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, errors.New("email is required")
	}
	_, err := s.db.ExecContext(ctx,
		storage.InsertIgnore(s.driver)+` users (id, email, created_at) VALUES (?, ?, ?)`,
		uuid.NewString(), email, s.now(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return s.GetUserByEmail(ctx, email)
}

// GetUserByEmail looks up an existing user.
func (s *Service) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	var user models.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, created_at FROM users WHERE email = ?`, email,
	).Scan(&user.ID, &user.Email, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &user, nil
}
