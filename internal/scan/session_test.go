package scan

import (
	"context"
	"errors"
	"testing"
	"time"
)

const (
	kimPatientJSON = `{"v":1,"type":"patient","facility":"AHLTC001","patient":{"name":"Kim","room":"201","mrn":"12345"}}`
	kimBatchJSON   = `{"v":1,"type":"batch","facility":null,"patient":{"name":"Kim","room":"201","mrn":"12345"},"time":"09:00","meds":["Aspirin"],"batchId":"b-1"}`
	leeBatchJSON   = `{"v":1,"type":"batch","facility":null,"patient":{"name":"Lee","room":"305","mrn":"99999"},"time":"09:00","meds":["Aspirin"],"batchId":"b-2"}`
)

func newTestSession(t *testing.T, clock *testClock, confirmer Confirmer) (*Session, *Recorder) {
	t.Helper()
	s := seededStore(t)
	recorder := newTestRecorder(t, s, clock, confirmer)
	session, err := NewSession(SessionConfig{
		Facility: "AHLTC001",
		Initials: "JD",
		Recorder: recorder,
		Clock:    clock.Now,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return session, recorder
}

func TestPatientScanArmsSession(t *testing.T) {
	clock := newTestClock(time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC))
	session, _ := newTestSession(t, clock, nil)

	if session.State() != StateAwaitingPatient {
		t.Fatalf("fresh session must await a patient")
	}
	result, err := session.HandleDecoded(kimPatientJSON)
	if err != nil {
		t.Fatalf("HandleDecoded: %v", err)
	}
	if result.State != StateAwaitingBatch || result.Armed == nil || result.Armed.Name != "Kim" {
		t.Fatalf("unexpected result %+v", result)
	}
	armed, ok := session.Armed()
	if !ok || armed.Key != "Kim|201|12345" {
		t.Fatalf("unexpected context %+v", armed)
	}
	if want := clock.Now().Add(10 * time.Minute); !armed.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %v, got %v", want, armed.ExpiresAt)
	}
}

func TestFacilityMismatchClearsAuthorization(t *testing.T) {
	clock := newTestClock(time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC))
	session, _ := newTestSession(t, clock, nil)

	if _, err := session.HandleDecoded(kimPatientJSON); err != nil {
		t.Fatalf("arm: %v", err)
	}
	foreign := `{"v":1,"type":"patient","facility":"BRID002","patient":{"name":"Lee","room":"305","mrn":"99999"}}`
	_, err := session.HandleDecoded(foreign)
	if !errors.Is(err, ErrFacilityMismatch) {
		t.Fatalf("expected ErrFacilityMismatch, got %v", err)
	}
	if session.State() != StateAwaitingPatient {
		t.Fatalf("facility conflict must clear the authorization")
	}
}

func TestInvalidCodeLeavesStateUntouched(t *testing.T) {
	clock := newTestClock(time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC))
	session, _ := newTestSession(t, clock, nil)

	if _, err := session.HandleDecoded("not a code"); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("expected ErrInvalidCode, got %v", err)
	}
	if session.State() != StateAwaitingPatient {
		t.Fatalf("invalid input must not transition")
	}
}

func TestBatchBeforePatientIsRejectedWithoutMutation(t *testing.T) {
	clock := newTestClock(time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC))
	session, recorder := newTestSession(t, clock, nil)

	_, err := session.HandleDecoded(kimBatchJSON)
	if !errors.Is(err, ErrNotArmed) {
		t.Fatalf("expected ErrNotArmed, got %v", err)
	}
	snapshot := recorder.store.Read()
	if snapshot.Meta.Rev != 1 {
		t.Fatalf("unarmed batch must not commit")
	}
	if len(snapshot.State.Patients["Kim"].Meds["Aspirin"].History) != 0 {
		t.Fatalf("unarmed batch must not write history")
	}
}

// The walkthrough: patient at 09:00, batch at 09:09 records on time, the
// identical batch thirty seconds later needs confirmation, and the same
// batch at 09:11 is expired.
func TestTwoStepScanWalkthrough(t *testing.T) {
	clock := newTestClock(time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC))
	confirmer := &stubConfirmer{approve: true}
	session, recorder := newTestSession(t, clock, confirmer)

	if _, err := session.HandleDecoded(kimPatientJSON); err != nil {
		t.Fatalf("patient scan: %v", err)
	}

	clock.Set(time.Date(2026, 8, 24, 9, 9, 0, 0, time.UTC))
	result, err := session.HandleDecoded(kimBatchJSON)
	if err != nil {
		t.Fatalf("batch scan: %v", err)
	}
	if result.State != StateAwaitingBatch || result.Record == nil || result.Record.Outcome != OutcomeRecorded {
		t.Fatalf("unexpected result %+v", result)
	}
	history := recorder.store.Read().State.Patients["Kim"].Meds["Aspirin"].History["2026-08-24"]
	if len(history) != 1 || history[0].Status != "ok" {
		t.Fatalf("unexpected history %+v", history)
	}

	clock.Set(time.Date(2026, 8, 24, 9, 9, 30, 0, time.UTC))
	result, err = session.HandleDecoded(kimBatchJSON)
	if err != nil {
		t.Fatalf("confirmed duplicate: %v", err)
	}
	if confirmer.calls != 1 || result.Record.Outcome != OutcomeRecorded {
		t.Fatalf("duplicate must be confirmed then recorded, calls=%d result=%+v", confirmer.calls, result)
	}

	clock.Set(time.Date(2026, 8, 24, 9, 11, 0, 0, time.UTC))
	_, err = session.HandleDecoded(kimBatchJSON)
	if !errors.Is(err, ErrContextExpired) {
		t.Fatalf("expected ErrContextExpired, got %v", err)
	}
	if session.State() != StateAwaitingPatient {
		t.Fatalf("expiry must revert to awaiting patient")
	}
}

func TestLapsedAuthorizationReportsExpiredNotUnarmed(t *testing.T) {
	clock := newTestClock(time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC))
	session, recorder := newTestSession(t, clock, nil)

	if _, err := session.HandleDecoded(kimPatientJSON); err != nil {
		t.Fatalf("arm: %v", err)
	}
	clock.Set(clock.Now().Add(10*time.Minute + time.Second))

	_, err := session.HandleDecoded(kimBatchJSON)
	if !errors.Is(err, ErrContextExpired) {
		t.Fatalf("expected ErrContextExpired, got %v", err)
	}
	if session.State() != StateAwaitingPatient {
		t.Fatalf("expiry must revert to awaiting patient")
	}
	if recorder.store.Read().Meta.Rev != 1 {
		t.Fatalf("expired batch must not commit")
	}

	// Only a session that never armed reports ErrNotArmed.
	if _, err := session.HandleDecoded(kimBatchJSON); !errors.Is(err, ErrNotArmed) {
		t.Fatalf("expected ErrNotArmed after revert, got %v", err)
	}
}

func TestBatchFacilityMismatchClearsAuthorization(t *testing.T) {
	clock := newTestClock(time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC))
	session, recorder := newTestSession(t, clock, nil)

	if _, err := session.HandleDecoded(kimPatientJSON); err != nil {
		t.Fatalf("arm: %v", err)
	}
	foreign := `{"v":1,"type":"batch","facility":"BRID002","patient":{"name":"Kim","room":"201","mrn":"12345"},"time":"09:00","meds":["Aspirin"],"batchId":"b-9"}`
	_, err := session.HandleDecoded(foreign)
	if !errors.Is(err, ErrFacilityMismatch) {
		t.Fatalf("expected ErrFacilityMismatch, got %v", err)
	}
	if session.State() != StateAwaitingPatient {
		t.Fatalf("foreign batch must clear the authorization")
	}
	if recorder.store.Read().Meta.Rev != 1 {
		t.Fatalf("foreign batch must not commit")
	}
}

func TestPatientMismatchRevertsSession(t *testing.T) {
	clock := newTestClock(time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC))
	session, recorder := newTestSession(t, clock, nil)

	if _, err := session.HandleDecoded(kimPatientJSON); err != nil {
		t.Fatalf("arm: %v", err)
	}
	_, err := session.HandleDecoded(leeBatchJSON)
	if !errors.Is(err, ErrPatientMismatch) {
		t.Fatalf("expected ErrPatientMismatch, got %v", err)
	}
	if session.State() != StateAwaitingPatient {
		t.Fatalf("mismatch must revert to awaiting patient")
	}
	if recorder.store.Read().Meta.Rev != 1 {
		t.Fatalf("mismatch must not commit")
	}
}

func TestOnePatientScanAuthorizesManyBatches(t *testing.T) {
	clock := newTestClock(time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC))
	session, _ := newTestSession(t, clock, nil)

	if _, err := session.HandleDecoded(kimPatientJSON); err != nil {
		t.Fatalf("arm: %v", err)
	}
	if _, err := session.HandleDecoded(kimBatchJSON); err != nil {
		t.Fatalf("first batch: %v", err)
	}
	second := `{"v":1,"type":"batch","facility":null,"patient":{"name":"Kim","room":"201","mrn":"12345"},"time":"21:00","meds":["Lipitor"],"batchId":"b-2"}`
	result, err := session.HandleDecoded(second)
	if err != nil {
		t.Fatalf("second batch: %v", err)
	}
	if result.Record.Outcome != OutcomeRecorded {
		t.Fatalf("a second batch under the same authorization must record, got %+v", result)
	}
}

func TestSweeperRevertsExpiredAuthorization(t *testing.T) {
	clock := newTestClock(time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC))
	s := seededStore(t)
	recorder := newTestRecorder(t, s, clock, nil)

	expired := make(chan struct{}, 1)
	session, err := NewSession(SessionConfig{
		Facility:      "AHLTC001",
		Initials:      "JD",
		Recorder:      recorder,
		Clock:         clock.Now,
		SweepInterval: 5 * time.Millisecond,
		OnExpire:      func() { expired <- struct{}{} },
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go session.Run(ctx)

	if _, err := session.HandleDecoded(kimPatientJSON); err != nil {
		t.Fatalf("arm: %v", err)
	}
	clock.Set(clock.Now().Add(11 * time.Minute))

	select {
	case <-expired:
	case <-time.After(time.Second):
		t.Fatalf("sweeper did not revert the expired authorization")
	}
	if session.State() != StateAwaitingPatient {
		t.Fatalf("expected reverted session")
	}
}

func TestRunReturnsWhenContextEnds(t *testing.T) {
	clock := newTestClock(time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC))
	session, _ := newTestSession(t, clock, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		session.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("sweeper must stop when its context ends")
	}
}

func TestCloseDiscardsAuthorization(t *testing.T) {
	clock := newTestClock(time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC))
	session, _ := newTestSession(t, clock, nil)

	if _, err := session.HandleDecoded(kimPatientJSON); err != nil {
		t.Fatalf("arm: %v", err)
	}
	session.Close()
	if _, ok := session.Armed(); ok {
		t.Fatalf("closed session must hold no authorization")
	}
	if _, err := session.HandleDecoded(kimBatchJSON); !errors.Is(err, ErrNotArmed) {
		t.Fatalf("closed session must reject batches, got %v", err)
	}
}
