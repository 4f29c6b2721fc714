// Package audit keeps a per user daily JSON lines trail of answered questions.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrBlobNotFound is returned by Store.Append when the object does not exist yet.
	ErrBlobNotFound = errors.New("audit blob not found")
	// ErrBlobSealed is returned when the object exists but refuses appends.
	ErrBlobSealed = errors.New("audit blob sealed")
)

// Store appends bytes to named objects.
type Store interface {
	// Append adds data to the end of the object at path.
	Append(ctx context.Context, path string, data []byte) error
	// Create makes an empty object at path. An existing object is left as is.
	Create(ctx context.Context, path string) error
}

// Entry is one line of the trail.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"user_id"`
	Question  string    `json:"question"`
	Response  string    `json:"response"`
	ID        string    `json:"id"`
}

// Logger writes entries to <user_id>/<YYYY-MM-DD>.jsonl objects.
type Logger struct {
	store Store
	now   func() time.Time
}

// NewLogger creates a logger on top of store.
func NewLogger(store Store) *Logger {
	return &Logger{store: store, now: time.Now}
}

// ObjectPath returns the object holding the entries of userID on day.
func ObjectPath(userID string, day time.Time) (string, error) {
	if userID == "" || userID == "." || userID == ".." || strings.ContainsAny(userID, `/\`) {
		return "", fmt.Errorf("invalid audit user id %q", userID)
	}
	return userID + "/" + day.UTC().Format("2006-01-02") + ".jsonl", nil
}

// Append writes one entry. A missing daily object is created and the append
// retried once; a sealed object or any other store failure is returned.
func (l *Logger) Append(ctx context.Context, e Entry) error {
	now := l.now().UTC()
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	e.Timestamp = e.Timestamp.UTC()

	path, err := ObjectPath(e.UserID, now)
	if err != nil {
		return err
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	line = append(line, '\n')

	err = l.store.Append(ctx, path, line)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrBlobNotFound):
		if err := l.store.Create(ctx, path); err != nil {
			return fmt.Errorf("failed to create audit blob %s: %w", path, err)
		}
		if err := l.store.Append(ctx, path, line); err != nil {
			return fmt.Errorf("failed to append to new audit blob %s: %w", path, err)
		}
		return nil
	case errors.Is(err, ErrBlobSealed):
		return fmt.Errorf("audit blob %s exists but could not be appended: %w", path, err)
	default:
		return fmt.Errorf("audit append to %s failed: %w", path, err)
	}
}
