package store

import (
	"errors"
	"testing"
	"time"

	"github.com/CareSyncLab/minimar/backend/internal/mar"
)

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func mustStore(t *testing.T, persistence Persistence, clock func() time.Time) *Store {
	t.Helper()
	s, err := New(Config{Persistence: persistence, Clock: clock})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func stateWithPatient(name string) mar.State {
	state := mar.NewState()
	state.Patients[name] = &mar.Patient{Room: "201", MRN: "12345", Meds: map[string]*mar.Medication{}}
	return state
}

func TestCommitIncrementsRevisionByOne(t *testing.T) {
	now := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	s := mustStore(t, NewMemoryPersistence(), fixedClock(now))

	for i := 1; i <= 3; i++ {
		meta, err := s.Commit(stateWithPatient("Kim"))
		if err != nil {
			t.Fatalf("Commit %d: %v", i, err)
		}
		if meta.Rev != int64(i) {
			t.Fatalf("expected rev %d, got %d", i, meta.Rev)
		}
		if meta.UpdatedAt != now.UnixMilli() {
			t.Fatalf("expected updatedAt %d, got %d", now.UnixMilli(), meta.UpdatedAt)
		}
	}
	if got := s.Read().Meta.Rev; got != 3 {
		t.Fatalf("expected snapshot rev 3, got %d", got)
	}
}

func TestCommitNotifiesSubscribers(t *testing.T) {
	now := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	s := mustStore(t, NewMemoryPersistence(), fixedClock(now))

	var received []Change
	unsubscribe := s.Subscribe(func(change Change) {
		received = append(received, change)
	})

	if _, err := s.Commit(stateWithPatient("Kim")); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if len(received) != 1 {
		t.Fatalf("expected one notification, got %d", len(received))
	}
	if received[0].Meta.Rev != 1 || !received[0].CommittedAt.Equal(now) {
		t.Fatalf("unexpected change %+v", received[0])
	}

	unsubscribe()
	if _, err := s.Commit(stateWithPatient("Lee")); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if len(received) != 1 {
		t.Fatalf("unsubscribed listener should not receive changes")
	}
}

func TestReadReturnsDeepCopy(t *testing.T) {
	s := mustStore(t, NewMemoryPersistence(), nil)
	if _, err := s.Commit(stateWithPatient("Kim")); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	snapshot := s.Read()
	snapshot.State.Patients["Kim"].Room = "999"

	if s.Read().State.Patients["Kim"].Room != "201" {
		t.Fatalf("mutating a read snapshot must not affect the store")
	}
}

type failingPersistence struct {
	err error
}

func (p failingPersistence) Load() (Snapshot, bool, error) { return Snapshot{}, false, nil }
func (p failingPersistence) Save(Snapshot) error           { return p.err }

func TestCommitPersistFailureLeavesSnapshot(t *testing.T) {
	persistErr := errors.New("disk full")
	s := mustStore(t, failingPersistence{err: persistErr}, nil)

	_, err := s.Commit(stateWithPatient("Kim"))
	if err == nil {
		t.Fatalf("expected persist failure")
	}
	var storeErr *StoreError
	if !errors.As(err, &storeErr) || storeErr.Code() != "store.commit.persist_failed" {
		t.Fatalf("unexpected error %v", err)
	}
	snapshot := s.Read()
	if snapshot.Meta.Rev != 0 || len(snapshot.State.Patients) != 0 {
		t.Fatalf("failed commit must not mutate the snapshot, got %+v", snapshot)
	}
}

func TestRestoreStampsExplicitMeta(t *testing.T) {
	s := mustStore(t, NewMemoryPersistence(), nil)

	meta := mar.SyncMeta{Rev: 1, UpdatedAt: 1700000000000}
	if err := s.Restore(stateWithPatient("Kim"), meta); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	snapshot := s.Read()
	if snapshot.Meta != meta {
		t.Fatalf("expected meta %+v, got %+v", meta, snapshot.Meta)
	}
	if _, ok := snapshot.State.Patients["Kim"]; !ok {
		t.Fatalf("restored state missing patient")
	}
}

func TestNewLoadsPersistedSnapshot(t *testing.T) {
	persistence := NewMemoryPersistence()
	first := mustStore(t, persistence, nil)
	if _, err := first.Commit(stateWithPatient("Kim")); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	second := mustStore(t, persistence, nil)
	snapshot := second.Read()
	if snapshot.Meta.Rev != 1 {
		t.Fatalf("expected rev 1 after reload, got %d", snapshot.Meta.Rev)
	}
	if _, ok := snapshot.State.Patients["Kim"]; !ok {
		t.Fatalf("reloaded state missing patient")
	}
}

func TestLastLocalWriteAt(t *testing.T) {
	now := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	s := mustStore(t, NewMemoryPersistence(), fixedClock(now))

	if !s.LastLocalWriteAt().IsZero() {
		t.Fatalf("expected zero write time before any commit")
	}
	if _, err := s.Commit(stateWithPatient("Kim")); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if !s.LastLocalWriteAt().Equal(now) {
		t.Fatalf("expected write time %v, got %v", now, s.LastLocalWriteAt())
	}
}
