// Package store defines the transactional facade the benchmark runs against:
// versioned document load/save plus an atomic compare-and-exchange primitive
// on named keys. Two backends are provided, an in-process one for tests and
// deterministic runs and a Redis one for real deployments.
package store

import (
	"context"
	"errors"
)

// Version is the token the store issues on every successful document save.
// Zero means the document does not exist yet.
type Version int64

// AnyVersion disables the version check on SaveDocument. Callers that
// serialize their writes externally (e.g. behind a lease) use it to commit
// unconditionally.
const AnyVersion Version = -1

var (
	// ErrNotFound is returned when loading a document that does not exist.
	ErrNotFound = errors.New("store: document not found")
	// ErrVersionConflict is returned when a version-checked save lost a race
	// against a concurrent writer.
	ErrVersionConflict = errors.New("store: version conflict")
	// ErrTimeout is returned when a store operation exceeded its deadline.
	ErrTimeout = errors.New("store: timeout")
	// ErrConnectionClosed is returned when the backend connection is gone.
	ErrConnectionClosed = errors.New("store: connection closed")
)

// Document is a named, ordered sequence of opaque string items.
type Document struct {
	ID    string   `json:"id"`
	Items []string `json:"items"`
}

// DocumentStore provides versioned document access.
type DocumentStore interface {
	// LoadDocument returns the document and its current version, or
	// ErrNotFound.
	LoadDocument(ctx context.Context, id string) (Document, Version, error)
	// SaveDocument writes the document if its stored version still equals
	// expected (0 for a new document, AnyVersion to skip the check) and
	// returns the new version. A mismatch returns ErrVersionConflict.
	SaveDocument(ctx context.Context, doc Document, expected Version) (Version, error)
	// DeleteDocument removes the document. Deleting an absent document is
	// not an error.
	DeleteDocument(ctx context.Context, id string) error
}

// ExchangeStore provides the compare-and-exchange primitive. Every key
// carries a strictly increasing exchange index; each successful put or
// delete advances it and indexes are never reused, even across a
// delete/recreate cycle.
type ExchangeStore interface {
	// CompareExchangePut writes value under key only if the key's current
	// index equals expected (0 meaning absent). On success it returns
	// ok=true and the new index. On a mismatch it returns ok=false together
	// with the currently stored value and index so the caller can decide
	// its next move without another round-trip.
	CompareExchangePut(ctx context.Context, key string, value []byte, expected int64) (ok bool, current []byte, index int64, err error)
	// CompareExchangeDelete removes the key only if its current index
	// equals expected. The delete still advances the key's index.
	CompareExchangeDelete(ctx context.Context, key string, expected int64) (bool, error)
}

// Store combines document access and the compare-and-exchange primitive.
type Store interface {
	DocumentStore
	ExchangeStore
}

// IsTransient reports whether err is a store hiccup worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnectionClosed)
}
