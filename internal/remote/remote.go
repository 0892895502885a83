// Package remote defines the contract the sync engine uses to reach the
// authoritative item store, plus an in-memory implementation and a JSON
// over HTTP client and server for it.
package remote

import (
	"context"
	"errors"

	"github.com/kimhsiao/shelfcheck/internal/models"
)

var (
	// ErrNotFound is returned when the addressed item does not exist.
	ErrNotFound = errors.New("remote: item not found")

	// ErrAlreadyExists is returned by Create when the code is taken.
	ErrAlreadyExists = errors.New("remote: item code already exists")
)

// CreateRequest is the body of a create call.
type CreateRequest struct {
	Code     string `json:"code"`
	Name     string `json:"name"`
	Location string `json:"location,omitempty"`
	Quantity int    `json:"quantity"`
	Notes    string `json:"notes,omitempty"`
}

// CheckRecord marks an item checked by someone at a time (unix ms).
type CheckRecord struct {
	EntityID  string `json:"entity_id"`
	CheckedBy string `json:"checked_by"`
	CheckedAt int64  `json:"checked_at"`
}

// Store is the authoritative item store. Every call either succeeds,
// returns ErrNotFound, or fails with a transport error.
type Store interface {
	GetByCode(ctx context.Context, code string) (*models.Item, error)
	Create(ctx context.Context, req CreateRequest) (string, error)
	Update(ctx context.Context, id string, fields models.ItemFields) error
	Delete(ctx context.Context, id string) error
	CreateCheckRecord(ctx context.Context, rec CheckRecord) error
	DeleteCheckRecord(ctx context.Context, entityID string) error
}

// Lister is implemented by stores that can enumerate every item.
type Lister interface {
	List(ctx context.Context) ([]models.Item, error)
}

// Pinger is implemented by stores that expose a health check.
type Pinger interface {
	Ping(ctx context.Context) error
}
