package domain

import (
	"strings"
	"time"
)

// Contact is a recipient record owned by the contact store.
type Contact struct {
	ID         string    `json:"id" db:"id"`
	Email      string    `json:"email" db:"email"`
	FirstName  string    `json:"first_name,omitempty" db:"first_name"`
	LastName   string    `json:"last_name,omitempty" db:"last_name"`
	Company    string    `json:"company,omitempty" db:"company"`
	Subscribed bool      `json:"subscribed" db:"is_subscribed"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// FullName joins first and last name, skipping empty parts.
func (c Contact) FullName() string {
	return strings.TrimSpace(strings.TrimSpace(c.FirstName) + " " + strings.TrimSpace(c.LastName))
}

// NormalizedEmail is the lower-cased, trimmed address used for uniqueness.
func (c Contact) NormalizedEmail() string {
	return strings.ToLower(strings.TrimSpace(c.Email))
}
