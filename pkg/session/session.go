// Package session persists the bridge connection's credential blob so the
// process can restart without repeating the credential handshake.
//
// The store is a cache of convenience: losing it only costs a new
// credential challenge, never the correctness of a live connection. Store
// therefore never returns errors. Backends do; Guard turns them into logged
// "absent"/no-op results.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned by a Backend when no record exists for an id.
var ErrNotFound = errors.New("session not found")

// Session is an opaque credential blob keyed by a session identifier.
type Session struct {
	UpdatedAt time.Time       `json:"updated_at"`
	ID        string          `json:"session_key"`
	Data      json.RawMessage `json:"session_data"`
}

// Store is the capability set the connection lifecycle consumes.
//
//   - Exists reports whether a record is present. Errors map to false.
//   - Extract returns the stored session, or nil if absent or on error.
//   - Save upserts. Repeated saves overwrite, never duplicate.
//   - Delete removes idempotently.
type Store interface {
	Exists(ctx context.Context, id string) bool
	Extract(ctx context.Context, id string) *Session
	Save(ctx context.Context, id string, data json.RawMessage)
	Delete(ctx context.Context, id string)
}

// Backend is a keyed storage service. Implementations report failures as
// errors; absence from Get is ErrNotFound.
type Backend interface {
	Name() string
	Has(ctx context.Context, id string) (bool, error)
	Get(ctx context.Context, id string) (*Session, error)
	Put(ctx context.Context, s *Session) error
	Remove(ctx context.Context, id string) error
	Close() error
}
