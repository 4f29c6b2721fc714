package models

import "time"

// User is resolved lazily from the email carried by the bearer token.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}
