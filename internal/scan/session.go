package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/CareSyncLab/minimar/backend/internal/qr"
	"go.uber.org/zap"
)

var (
	// ErrInvalidCode indicates the decoded text is not a usable payload.
	ErrInvalidCode = errors.New("scan: unreadable code")
	// ErrFacilityMismatch indicates a patient code from another facility.
	ErrFacilityMismatch = errors.New("scan: facility mismatch")
	// ErrNotArmed indicates a batch code arrived before any patient code.
	ErrNotArmed = errors.New("scan: scan the patient code first")
	// ErrContextExpired indicates the patient authorization lapsed.
	ErrContextExpired = errors.New("scan: patient authorization expired")
	// ErrPatientMismatch indicates a batch code for a different patient.
	ErrPatientMismatch = errors.New("scan: batch belongs to another patient")

	errMissingRecorder = errors.New("recorder is required")
)

const (
	defaultContextTTL    = 10 * time.Minute
	defaultSweepInterval = 800 * time.Millisecond
)

// State names the two session states.
type State string

const (
	// StateAwaitingPatient means the next expected code identifies a patient.
	StateAwaitingPatient State = "AWAITING_PATIENT"
	// StateAwaitingBatch means a patient is armed and batch codes are accepted.
	StateAwaitingBatch State = "AWAITING_BATCH"
)

// Context is the armed patient authorization. One patient scan authorizes
// every matching batch scan until ExpiresAt.
type Context struct {
	Key       string
	Identity  qr.PatientRef
	ExpiresAt time.Time
}

// Result reports what one decoded code did.
type Result struct {
	State  State
	Armed  *qr.PatientRef
	Record *RecordResult
}

// SessionConfig describes one signed-in scan session.
type SessionConfig struct {
	Facility string
	Initials string
	Recorder *Recorder
	Clock    func() time.Time
	Logger   *zap.Logger

	// ContextTTL and SweepInterval default to 10m and 800ms.
	ContextTTL    time.Duration
	SweepInterval time.Duration

	// OnExpire fires when the sweeper reverts an expired authorization.
	OnExpire func()
}

// Session is the two-step scan state machine. It is constructed per sign-in
// and holds no global user state.
type Session struct {
	facility      string
	initials      string
	recorder      *Recorder
	clock         func() time.Time
	logger        *zap.Logger
	contextTTL    time.Duration
	sweepInterval time.Duration
	onExpire      func()

	mu    sync.Mutex
	state State
	armed *Context
}

// NewSession constructs a session in StateAwaitingPatient.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Recorder == nil {
		return nil, errMissingRecorder
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	contextTTL := cfg.ContextTTL
	if contextTTL <= 0 {
		contextTTL = defaultContextTTL
	}
	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}
	return &Session{
		facility:      cfg.Facility,
		initials:      cfg.Initials,
		recorder:      cfg.Recorder,
		clock:         clock,
		logger:        logger,
		contextTTL:    contextTTL,
		sweepInterval: sweepInterval,
		onExpire:      cfg.OnExpire,
		state:         StateAwaitingPatient,
	}, nil
}

// State returns the current machine state, reverting first if the armed
// authorization has already lapsed.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(s.clock())
	return s.state
}

// Armed returns the active authorization, if any.
func (s *Session) Armed() (Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(s.clock())
	if s.armed == nil {
		return Context{}, false
	}
	return *s.armed, true
}

// HandleDecoded drives the machine with one piece of decoded code text.
// Every failure leaves the session re-armable; nothing here is fatal.
func (s *Session) HandleDecoded(text string) (Result, error) {
	payload := qr.Parse(text)
	switch typed := payload.(type) {
	case qr.PatientPayload:
		return s.handlePatient(typed)
	case qr.BatchPayload:
		return s.handleBatch(typed)
	case qr.InvalidPayload:
		return s.result(nil, nil), fmt.Errorf("%w: %s", ErrInvalidCode, typed.Reason)
	default:
		return s.result(nil, nil), ErrInvalidCode
	}
}

// handlePatient arms or re-arms the session. A code naming another facility
// clears any authorization instead of arming.
func (s *Session) handlePatient(payload qr.PatientPayload) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if payload.Facility != "" && s.facility != "" && payload.Facility != s.facility {
		s.armed = nil
		s.state = StateAwaitingPatient
		return s.resultLocked(nil, nil), fmt.Errorf("%w: %s", ErrFacilityMismatch, payload.Facility)
	}

	now := s.clock()
	armed := &Context{
		Key:       payload.Patient.Key(),
		Identity:  payload.Patient,
		ExpiresAt: now.Add(s.contextTTL),
	}
	s.armed = armed
	s.state = StateAwaitingBatch
	s.logger.Info("patient armed", zap.String("key", armed.Key))
	identity := armed.Identity
	return s.resultLocked(&identity, nil), nil
}

// handleBatch validates the authorization and hands the payload to the
// recorder. The session stays in StateAwaitingBatch after a recording so the
// same patient scan covers follow-up batches. An armed-but-lapsed
// authorization reports expiry, not absence, so the nurse knows to re-scan
// the same patient.
func (s *Session) handleBatch(payload qr.BatchPayload) (Result, error) {
	s.mu.Lock()
	now := s.clock()

	if s.state != StateAwaitingBatch || s.armed == nil {
		result := s.resultLocked(nil, nil)
		s.mu.Unlock()
		return result, ErrNotArmed
	}
	if !now.Before(s.armed.ExpiresAt) {
		s.armed = nil
		s.state = StateAwaitingPatient
		result := s.resultLocked(nil, nil)
		s.mu.Unlock()
		return result, ErrContextExpired
	}
	if payload.Facility != "" && s.facility != "" && payload.Facility != s.facility {
		s.armed = nil
		s.state = StateAwaitingPatient
		result := s.resultLocked(nil, nil)
		s.mu.Unlock()
		return result, fmt.Errorf("%w: %s", ErrFacilityMismatch, payload.Facility)
	}
	if payload.Patient.Key() != s.armed.Key {
		s.armed = nil
		s.state = StateAwaitingPatient
		result := s.resultLocked(nil, nil)
		s.mu.Unlock()
		return result, fmt.Errorf("%w: %s", ErrPatientMismatch, payload.Patient.Key())
	}
	initials := s.initials
	s.mu.Unlock()

	record, err := s.recorder.RecordBatch(payload, initials)
	result := s.result(nil, &record)
	return result, err
}

// Run sweeps the armed authorization until the context ends, so a stale
// patient scan cannot authorize a late batch between explicit checks.
func (s *Session) Run(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			expired := s.expireLocked(s.clock())
			s.mu.Unlock()
			if expired && s.onExpire != nil {
				s.onExpire()
			}
		}
	}
}

// Close discards any authorization and reverts to StateAwaitingPatient.
func (s *Session) Close() {
	s.mu.Lock()
	s.armed = nil
	s.state = StateAwaitingPatient
	s.mu.Unlock()
}

func (s *Session) expireLocked(now time.Time) bool {
	if s.armed != nil && !now.Before(s.armed.ExpiresAt) {
		s.armed = nil
		s.state = StateAwaitingPatient
		return true
	}
	return false
}

func (s *Session) result(armed *qr.PatientRef, record *RecordResult) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resultLocked(armed, record)
}

func (s *Session) resultLocked(armed *qr.PatientRef, record *RecordResult) Result {
	return Result{State: s.state, Armed: armed, Record: record}
}
