package store

import (
	"context"
	"time"
)

// User is a chat-transport user.
type User struct {
	ID        int64     `json:"id"`
	FirstName string    `json:"firstName,omitempty"`
	LastName  string    `json:"lastName,omitempty"`
	Username  string    `json:"username,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// UserStore manages user profiles.
type UserStore interface {
	// Ensure inserts the user or refreshes the profile fields of an existing one.
	Ensure(ctx context.Context, u *User) error
	// Get returns ErrNotFound for unknown users.
	Get(ctx context.Context, id int64) (*User, error)
}
