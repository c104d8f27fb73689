package session

import (
	"context"
	"time"
)

// Record is one link in a session chain. Records are insert-only: renewal
// writes a new record pointing back at the previous one, and invalidation
// flips Valid without touching the rest of the document.
type Record struct {
	ID         string     `bson:"_id"`
	Created    time.Time  `bson:"created"`
	ActiveAt   time.Time  `bson:"activeTime"`
	Valid      bool       `bson:"valid"`
	Domain     string     `bson:"domain"`
	User       string     `bson:"user"`
	Client     string     `bson:"client"`
	PrevID     string     `bson:"prevSession"`
	FirstID    string     `bson:"firstSession"`
	LoginAt    *time.Time `bson:"loginTime"`
	RememberMe bool       `bson:"rememberMe"`
}

// Store abstracts persistence for session records.
//
// Every mutation is a single atomic write; there is never a
// read-modify-write cycle, so a failed call leaves no partial state.
type Store interface {
	// Insert writes a new session record. The record ID must be unique.
	Insert(ctx context.Context, rec Record) error

	// GetByID loads a session record by token within a domain.
	// Returns ErrSessionNotFound when no such record exists.
	GetByID(ctx context.Context, domain, id string) (Record, error)

	// InvalidateAll marks every record for (domain, user) invalid.
	// An empty client matches all of the user's clients.
	InvalidateAll(ctx context.Context, domain, user, client string) error
}
