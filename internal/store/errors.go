package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned for missing or logically deleted rows.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict means another run committed first; the caller's rows stay invisible.
	ErrVersionConflict = errors.New("membership version conflict")
)

// Cursor pages through person ids in ascending byte order. An empty page
// means the cursor is exhausted.
type Cursor interface {
	Next(ctx context.Context) ([]uuid.UUID, error)
}

// PageFunc fetches up to limit ids strictly greater than after.
type PageFunc func(ctx context.Context, after uuid.UUID, limit int) ([]uuid.UUID, error)

// KeysetCursor implements Cursor over a PageFunc.
type KeysetCursor struct {
	fetch PageFunc
	after uuid.UUID
	limit int
	done  bool
}

func NewKeysetCursor(fetch PageFunc, limit int) *KeysetCursor {
	if limit <= 0 {
		limit = 1000
	}
	return &KeysetCursor{fetch: fetch, limit: limit}
}

func (c *KeysetCursor) Next(ctx context.Context) ([]uuid.UUID, error) {
	if c.done {
		return nil, nil
	}
	page, err := c.fetch(ctx, c.after, c.limit)
	if err != nil {
		return nil, err
	}
	if len(page) < c.limit {
		c.done = true
	}
	if len(page) > 0 {
		c.after = page[len(page)-1]
	}
	return page, nil
}
