package store

import "time"

// User mirrors a principal the identity provider has authenticated at least
// once. The ID is the provider-issued subject; it is never generated here.
type User struct {
	ID        string
	Email     string
	CreatedAt time.Time
}

type Note struct {
	ID        string
	AuthorID  string
	Text      string
	CreatedAt time.Time
	UpdatedAt time.Time
}
