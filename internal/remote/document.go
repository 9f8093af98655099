package remote

import (
	"context"
	"fmt"
)

// Document is one patient record as the facility store holds it. Data carries
// the serialized patient snapshot; Deleted marks a tombstone that keeps its
// row forever so late writers cannot resurrect a removed patient.
type Document struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Data       string `json:"data"`
	Deleted    bool   `json:"deleted"`
	Rev        int64  `json:"rev"`
	UpdatedAt  int64  `json:"updatedAt"`
	ServerTime int64  `json:"serverTime"`
	UpdatedBy  string `json:"updatedBy,omitempty"`
}

// DocumentStore is the facility-scoped patient collection shared by every
// signed-in device.
type DocumentStore interface {
	// Upsert writes one document and returns the stored row with the
	// server receive time stamped.
	Upsert(ctx context.Context, facility string, doc Document) (Document, error)
	// UpsertAll writes one logical set of documents and notifies subscribers
	// exactly once, so no subscriber observes a partially written set.
	UpsertAll(ctx context.Context, facility string, documents []Document) error
	// Snapshot returns every document in the facility, tombstones included.
	Snapshot(ctx context.Context, facility string) ([]Document, error)
	// Subscribe delivers the full document set after every change until the
	// context ends or the cleanup function runs.
	Subscribe(ctx context.Context, facility string) (<-chan []Document, func())
}

// StoreError reports a failed store operation with a stable code.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error { return e.err }

// Code returns the operation.reason error code.
func (e *StoreError) Code() string { return e.code }

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}
