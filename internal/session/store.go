package session

import (
	"context"

	"github.com/rotisserie/eris"
)

// ErrNotFound is returned when no session matches the lookup.
var ErrNotFound = eris.New("session not found")

// Filter specifies criteria for listing sessions.
type Filter struct {
	Owner  string `json:"owner,omitempty"`
	Status Status `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// Store persists sessions. GetOrCreate is keyed on the owner/domain
// pair: a returning owner resumes their existing session for a domain
// rather than starting over.
type Store interface {
	Get(ctx context.Context, id string) (*Session, error)
	GetOrCreate(ctx context.Context, owner, domain string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	List(ctx context.Context, filter Filter) ([]Session, error)
	Delete(ctx context.Context, id string) error

	Migrate(ctx context.Context) error
	Close() error
}
