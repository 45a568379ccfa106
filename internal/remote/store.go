// Package remote defines the revision-controlled document store the ledger is
// mirrored to, together with its GitHub contents and in-memory backends.
package remote

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrConflict is returned by WriteIfMatch when the expected revision is
	// no longer current.
	ErrConflict    = errors.New("remote revision conflict")
	ErrNotFound    = errors.New("remote document not found")
	ErrUnavailable = errors.New("remote store unavailable")
)

// Store is a document store with optimistic concurrency: the revision token
// returned by Read must be passed back to WriteIfMatch. An empty expected
// revision means the document must not exist yet.
type Store interface {
	Read(ctx context.Context) (data []byte, revision string, err error)
	WriteIfMatch(ctx context.Context, data []byte, expectedRevision string) (newRevision string, err error)
}

// ConflictError carries the revision the writer expected.
type ConflictError struct {
	Expected string
}

func (e *ConflictError) Error() string {
	if e.Expected == "" {
		return "remote revision conflict: document already exists"
	}
	return fmt.Sprintf("remote revision conflict: expected %s", e.Expected)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}
