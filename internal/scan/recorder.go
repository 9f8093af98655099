package scan

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/CareSyncLab/minimar/backend/internal/mar"
	"github.com/CareSyncLab/minimar/backend/internal/qr"
	"github.com/CareSyncLab/minimar/backend/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrPatientNotFound indicates no stored patient matches the batch key.
	ErrPatientNotFound = errors.New("scan: patient not found")
	// ErrDuplicateDeclined indicates a duplicate batch was not confirmed.
	ErrDuplicateDeclined = errors.New("scan: duplicate administration declined")

	errMissingStoreDep = errors.New("local store is required")
	noOpLogger         = zap.NewNop()
)

const (
	defaultRecentWindow = 15 * time.Second

	// SkipUnknownMedication marks a batch med name the patient does not carry.
	SkipUnknownMedication = "unknown_medication"
)

// Outcome summarizes what a batch recording changed.
type Outcome string

const (
	// OutcomeRecorded means every medication in the batch was recorded.
	OutcomeRecorded Outcome = "RECORDED"
	// OutcomeRecordedPartial means some medications were skipped.
	OutcomeRecordedPartial Outcome = "RECORDED_PARTIAL"
	// OutcomeNothingRecorded means no dose record was written.
	OutcomeNothingRecorded Outcome = "NOTHING_RECORDED"
)

// RecordResult reports the per-medication outcome of one batch.
type RecordResult struct {
	Outcome  Outcome
	BatchID  string
	Recorded []string
	Skipped  map[string]string
}

// Confirmer resolves duplicate-administration prompts. Implementations must
// only confirm on an explicit click or tap; an absent confirmer declines.
type Confirmer interface {
	ConfirmDuplicate(patientName, batchID string) bool
}

// RecorderConfig describes the dependencies of the batch recorder.
type RecorderConfig struct {
	Store     *store.Store
	Confirmer Confirmer
	Clock     func() time.Time
	Logger    *zap.Logger

	// RecentWindow defaults to 15s.
	RecentWindow time.Duration
}

// Recorder turns validated batch payloads into committed dose records. One
// batch produces at most one commit regardless of how many medications it
// names.
type Recorder struct {
	store        *store.Store
	confirmer    Confirmer
	clock        func() time.Time
	logger       *zap.Logger
	recentWindow time.Duration

	mu            sync.Mutex
	recentBatches map[string]time.Time
}

// NewRecorder constructs the recorder.
func NewRecorder(cfg RecorderConfig) (*Recorder, error) {
	if cfg.Store == nil {
		return nil, errMissingStoreDep
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	recentWindow := cfg.RecentWindow
	if recentWindow <= 0 {
		recentWindow = defaultRecentWindow
	}
	return &Recorder{
		store:         cfg.Store,
		confirmer:     cfg.Confirmer,
		clock:         clock,
		logger:        logger,
		recentWindow:  recentWindow,
		recentBatches: map[string]time.Time{},
	}, nil
}

// FallbackBatchID derives a stable id from the raw payload text for codes
// that carry no explicit batchId.
func FallbackBatchID(raw string) string {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(raw))
	return fmt.Sprintf("fnv1a-%08x", hasher.Sum32())
}

// RecordBatch resolves the patient, guards against duplicates, appends one
// dose record per known medication, and commits once.
func (r *Recorder) RecordBatch(payload qr.BatchPayload, initials string) (RecordResult, error) {
	snapshot := r.store.Read()
	key := payload.Patient.Key()
	name, patient, found := mar.FindPatientByKey(snapshot.State, key)
	if !found {
		return RecordResult{Outcome: OutcomeNothingRecorded}, fmt.Errorf("%w: %s", ErrPatientNotFound, key)
	}

	batchID := strings.TrimSpace(payload.BatchID)
	if batchID == "" {
		batchID = FallbackBatchID(payload.Raw)
	}

	now := r.clock()
	dayKey := mar.DayKey(now)
	if r.isDuplicate(patient, dayKey, batchID, now) {
		if r.confirmer == nil || !r.confirmer.ConfirmDuplicate(name, batchID) {
			return RecordResult{Outcome: OutcomeNothingRecorded, BatchID: batchID},
				fmt.Errorf("%w: %s", ErrDuplicateDeclined, batchID)
		}
	}

	result := RecordResult{
		Outcome: OutcomeNothingRecorded,
		BatchID: batchID,
		Skipped: map[string]string{},
	}
	givenHHMM := mar.HHMM(now)
	for _, medName := range payload.Meds {
		med := patient.Meds[medName]
		if med == nil {
			result.Skipped[medName] = SkipUnknownMedication
			continue
		}
		if med.History == nil {
			med.History = map[string][]mar.DoseRecord{}
		}
		med.History[dayKey] = append(med.History[dayKey], mar.DoseRecord{
			Sched:    payload.Time,
			Given:    givenHHMM,
			Status:   mar.ClassifyDose(payload.Time, givenHHMM),
			Initials: initials,
			Source:   mar.DoseSourceQRScan,
			BatchID:  batchID,
		})
		result.Recorded = append(result.Recorded, medName)
	}
	sort.Strings(result.Recorded)

	if len(result.Recorded) == 0 {
		return result, nil
	}

	if _, err := r.store.Commit(snapshot.State); err != nil {
		r.logger.Error("batch commit failed", zap.String("batch_id", batchID), zap.Error(err))
		return RecordResult{Outcome: OutcomeNothingRecorded, BatchID: batchID, Skipped: result.Skipped}, err
	}

	r.mu.Lock()
	r.recentBatches[batchID] = now
	r.mu.Unlock()

	if len(result.Skipped) == 0 {
		result.Outcome = OutcomeRecorded
	} else {
		result.Outcome = OutcomeRecordedPartial
	}
	r.logger.Info("batch recorded",
		zap.String("patient", name),
		zap.String("batch_id", batchID),
		zap.Int("recorded", len(result.Recorded)),
		zap.Int("skipped", len(result.Skipped)))
	return result, nil
}

// isDuplicate reports whether the batch id was seen in the recent cache or
// anywhere in the patient's history for the day.
func (r *Recorder) isDuplicate(patient *mar.Patient, dayKey, batchID string, now time.Time) bool {
	r.mu.Lock()
	seenAt, cached := r.recentBatches[batchID]
	if cached && now.Sub(seenAt) > r.recentWindow {
		delete(r.recentBatches, batchID)
		cached = false
	}
	r.mu.Unlock()
	if cached {
		return true
	}

	for _, med := range patient.Meds {
		if med == nil {
			continue
		}
		for _, record := range med.History[dayKey] {
			if record.BatchID == batchID {
				return true
			}
		}
	}
	return false
}
