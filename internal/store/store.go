package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/CareSyncLab/minimar/backend/internal/mar"
	"go.uber.org/zap"
)

var (
	errMissingPersistence = errors.New("persistence is required")
	noOpLogger            = zap.NewNop()
)

const (
	opStoreNew    = "store.new"
	opStoreCommit = "store.commit"
)

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

// Snapshot pairs the state with its sync metadata.
type Snapshot struct {
	State mar.State
	Meta  mar.SyncMeta
}

// Change notifies subscribers of a commit. CommittedAt lets callers implement
// a just-wrote-locally guard.
type Change struct {
	Meta        mar.SyncMeta
	CommittedAt time.Time
}

// Config describes the dependencies of the local state store.
type Config struct {
	Persistence Persistence
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Store holds the authoritative local snapshot. Commits are whole-snapshot:
// there is no field-level update path. Every commit increments the revision
// by exactly one and notifies subscribers.
type Store struct {
	persistence Persistence
	clock       func() time.Time
	logger      *zap.Logger

	mu          sync.Mutex
	snapshot    Snapshot
	lastWriteAt time.Time
	subscribers map[int64]func(Change)
	nextSubID   int64
}

// New constructs the store, loading any persisted snapshot.
func New(cfg Config) (*Store, error) {
	if cfg.Persistence == nil {
		return nil, newStoreError(opStoreNew, "missing_persistence", errMissingPersistence)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	snapshot, found, err := cfg.Persistence.Load()
	if err != nil {
		return nil, newStoreError(opStoreNew, "load_failed", err)
	}
	if !found {
		snapshot = Snapshot{State: mar.NewState()}
	}
	mar.Normalize(&snapshot.State)

	return &Store{
		persistence: cfg.Persistence,
		clock:       clock,
		logger:      logger,
		snapshot:    snapshot,
		subscribers: map[int64]func(Change){},
	}, nil
}

// Read returns a deep copy of the current snapshot.
func (s *Store) Read() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{State: mar.Clone(s.snapshot.State), Meta: s.snapshot.Meta}
}

// Commit replaces the root state, increments the revision, stamps the commit
// time, persists, and notifies subscribers. A persistence failure leaves the
// in-memory snapshot untouched so the caller can retry.
func (s *Store) Commit(next mar.State) (mar.SyncMeta, error) {
	owned := mar.Clone(next)

	s.mu.Lock()
	now := s.clock()
	meta := mar.SyncMeta{
		Rev:       s.snapshot.Meta.Rev + 1,
		UpdatedAt: now.UnixMilli(),
	}
	candidate := Snapshot{State: owned, Meta: meta}
	if err := s.persistence.Save(candidate); err != nil {
		s.mu.Unlock()
		s.logger.Error("snapshot persist failed", zap.Error(err), zap.Int64("rev", meta.Rev))
		return mar.SyncMeta{}, newStoreError(opStoreCommit, "persist_failed", err)
	}
	s.snapshot = candidate
	s.lastWriteAt = now
	listeners := s.listenersLocked()
	s.mu.Unlock()

	change := Change{Meta: meta, CommittedAt: now}
	for _, listener := range listeners {
		listener(change)
	}
	return meta, nil
}

// Restore replaces the snapshot with explicit metadata, bypassing the
// revision increment. Used only by sync bootstrap to stamp rev=1.
func (s *Store) Restore(state mar.State, meta mar.SyncMeta) error {
	owned := mar.Clone(state)

	s.mu.Lock()
	now := s.clock()
	candidate := Snapshot{State: owned, Meta: meta}
	if err := s.persistence.Save(candidate); err != nil {
		s.mu.Unlock()
		return newStoreError(opStoreCommit, "persist_failed", err)
	}
	s.snapshot = candidate
	listeners := s.listenersLocked()
	s.mu.Unlock()

	change := Change{Meta: meta, CommittedAt: now}
	for _, listener := range listeners {
		listener(change)
	}
	return nil
}

// Subscribe registers a commit listener and returns its unsubscribe function.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.mu.Lock()
	s.nextSubID++
	id := s.nextSubID
	s.subscribers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

// LastLocalWriteAt reports when the most recent commit happened.
func (s *Store) LastLocalWriteAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastWriteAt
}

func (s *Store) listenersLocked() []func(Change) {
	listeners := make([]func(Change), 0, len(s.subscribers))
	for _, listener := range s.subscribers {
		listeners = append(listeners, listener)
	}
	return listeners
}
