package domain

import "time"

// Template is a subject/body pair with {{placeholder}} tokens. The
// Placeholders list is advisory metadata; rendering is driven by the tokens
// that actually occur in the text.
type Template struct {
	ID           string    `json:"id" db:"id"`
	Name         string    `json:"name" db:"name"`
	Subject      string    `json:"subject" db:"subject"`
	Body         string    `json:"body" db:"body"`
	Placeholders []string  `json:"placeholders" db:"placeholders"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// Clone returns a copy whose placeholder slice is not shared.
func (t *Template) Clone() *Template {
	cp := *t
	cp.Placeholders = append([]string(nil), t.Placeholders...)
	return &cp
}

// Rendered is the personalized output of a template for one recipient.
type Rendered struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}
