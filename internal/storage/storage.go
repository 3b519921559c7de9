// Package storage persists one self-describing JSON document per instrument.
// Documents are addressed by slash-separated keys of the form
// "{segment}/{symbol}.json" relative to the store root, and every save is staged
// and committed atomically so that the document on disk is always a complete
// checkpoint.
package storage

import (
	"context"
	"fmt"

	"github.com/johnayoung/upstox-harvester/internal/models"
)

// DocumentStore loads and saves instrument documents.
type DocumentStore interface {
	// Locate returns the key under which an instrument's document is stored.
	Locate(inst models.Instrument) string

	// Load returns the document stored under key, or nil when there is none.
	// A document that exists but cannot be decoded is also reported as nil. A
	// non-nil error means the document may exist but could not be read; callers
	// must not replace it.
	Load(ctx context.Context, key string) (*models.Document, error)

	// Save replaces the document stored under key. A nil error means the new
	// content is durable; on error the previous content is still readable.
	Save(ctx context.Context, key string, doc *models.Document) error

	// Keys lists every stored document key in lexical order.
	Keys(ctx context.Context) ([]string, error)
}

// StorageError represents errors that occur during storage operations.
type StorageError struct {
	// Operation is the storage operation that failed (e.g., "save", "keys")
	Operation string

	// Key is the document key involved in the operation
	Key string

	// Err is the underlying error that caused the failure
	Err error
}

// Error implements the error interface for StorageError.
func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("storage operation %s on %s failed: %v", e.Operation, e.Key, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for error chain support.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new StorageError with the provided details.
func NewStorageError(operation, key string, err error) *StorageError {
	return &StorageError{
		Operation: operation,
		Key:       key,
		Err:       err,
	}
}
