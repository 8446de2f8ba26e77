// Package docstore abstracts the transactional document store backing the
// room table and the polling transport's message queues.
//
// The queue delivery algorithm depends on read-modify-write cycles that are
// atomic per document, so the contract is intentionally small: point reads,
// revision-guarded writes, and serializable transactions. Backends: an
// in-memory store (tests, single-node dev) and SQLite (persistent
// deployments).
package docstore

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrRevisionMismatch is returned by ConditionalSet when the stored
	// revision differs from the expected one.
	ErrRevisionMismatch = errors.New("docstore: revision mismatch")
)

// Document is a versioned JSON document. Rev starts at 1 and increments on
// every write; a Document that does not exist has Rev 0.
type Document struct {
	Key  string
	Data json.RawMessage
	Rev  int64
}

// Tx exposes the operations available inside a transaction. All reads observe
// a consistent snapshot and all writes commit atomically or not at all.
type Tx interface {
	Get(collection, key string) (Document, bool, error)
	Put(collection, key string, data json.RawMessage) error
	Delete(collection, key string) error
	List(collection string) ([]Document, error)
}

// Store is the transactional document store contract.
type Store interface {
	// Get returns the document and whether it exists.
	Get(ctx context.Context, collection, key string) (Document, bool, error)

	// ConditionalSet writes data only if the stored revision equals
	// expectedRev. expectedRev 0 means the document must not exist yet.
	ConditionalSet(ctx context.Context, collection, key string, data json.RawMessage, expectedRev int64) error

	// RunTransaction executes fn atomically. If fn returns an error the
	// transaction is rolled back and the error returned unchanged.
	RunTransaction(ctx context.Context, fn func(tx Tx) error) error

	// List returns every document in a collection.
	List(ctx context.Context, collection string) ([]Document, error)

	Close() error
}
