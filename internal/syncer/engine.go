package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/CareSyncLab/minimar/backend/internal/mar"
	"github.com/CareSyncLab/minimar/backend/internal/remote"
	"github.com/CareSyncLab/minimar/backend/internal/store"
	"go.uber.org/zap"
)

var (
	errMissingStore  = errors.New("local store is required")
	errMissingRemote = errors.New("remote document store is required")
	noOpLogger       = zap.NewNop()
)

const (
	opEngineNew = "syncer.engine.new"

	defaultPushDebounce    = 600 * time.Millisecond
	defaultLocalWriteGrace = 1200 * time.Millisecond
)

// EngineError reports a failed engine operation with a stable code.
type EngineError struct {
	code string
	err  error
}

func (e *EngineError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *EngineError) Unwrap() error { return e.err }

// Code returns the operation.reason error code.
func (e *EngineError) Code() string { return e.code }

func newEngineError(operation, reason string, cause error) error {
	return &EngineError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Status is an advisory sync state for status displays. It never gates edits.
type Status string

const (
	StatusOK         Status = "ok"
	StatusPushing    Status = "push"
	StatusError      Status = "err"
	StatusBootstrap  Status = "bootstrap"
	StatusNoFacility Status = "nofac"
)

// DocIDForName derives the stable remote document id for a patient name.
func DocIDForName(name string) string {
	return url.QueryEscape(strings.ToLower(strings.TrimSpace(name)))
}

// Config describes the dependencies of the sync engine.
type Config struct {
	Store    *store.Store
	Remote   remote.DocumentStore
	Facility string
	Identity string
	Clock    func() time.Time
	Logger   *zap.Logger
	OnStatus func(Status)

	// PushDebounce and LocalWriteGrace default to 600ms and 1.2s.
	PushDebounce    time.Duration
	LocalWriteGrace time.Duration
}

// Engine mirrors the local snapshot into the facility document store and
// applies newer remote snapshots back, guarded by the (rev, updatedAt) pair.
// Local edits always win locally; the guard only decides whether a remote
// set replaces the local one.
type Engine struct {
	store           *store.Store
	remote          remote.DocumentStore
	facility        string
	identity        string
	clock           func() time.Time
	logger          *zap.Logger
	onStatus        func(Status)
	pushDebounce    time.Duration
	localWriteGrace time.Duration

	localChanges chan struct{}

	mu              sync.Mutex
	status          Status
	remoteObserved  bool
	applyingRemote  bool
	knownRemoteIDs  map[string]bool
	lastPushedState string
}

// New constructs the engine. Run must be called to start syncing.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, newEngineError(opEngineNew, "missing_store", errMissingStore)
	}
	if cfg.Remote == nil {
		return nil, newEngineError(opEngineNew, "missing_remote", errMissingRemote)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	pushDebounce := cfg.PushDebounce
	if pushDebounce <= 0 {
		pushDebounce = defaultPushDebounce
	}
	localWriteGrace := cfg.LocalWriteGrace
	if localWriteGrace <= 0 {
		localWriteGrace = defaultLocalWriteGrace
	}
	return &Engine{
		store:           cfg.Store,
		remote:          cfg.Remote,
		facility:        strings.TrimSpace(cfg.Facility),
		identity:        strings.TrimSpace(cfg.Identity),
		clock:           clock,
		logger:          logger,
		onStatus:        cfg.OnStatus,
		pushDebounce:    pushDebounce,
		localWriteGrace: localWriteGrace,
		localChanges:    make(chan struct{}, 1),
		knownRemoteIDs:  map[string]bool{},
	}, nil
}

// Run drives the engine until the context ends. Without a facility it only
// reports StatusNoFacility; local edits keep working unsynced.
func (e *Engine) Run(ctx context.Context) error {
	if e.facility == "" {
		e.setStatus(StatusNoFacility)
		<-ctx.Done()
		return nil
	}

	stream, cleanup := e.remote.Subscribe(ctx, e.facility)
	defer cleanup()

	unsubscribe := e.store.Subscribe(func(store.Change) {
		if e.isApplyingRemote() {
			return
		}
		select {
		case e.localChanges <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	if documents, err := e.remote.Snapshot(ctx, e.facility); err != nil {
		e.logger.Warn("initial remote snapshot failed", zap.Error(err), zap.String("facility", e.facility))
		e.setStatus(StatusError)
	} else {
		e.handleRemote(documents)
	}

	var pushTimer *time.Timer
	var pushC <-chan time.Time
	schedulePush := func() {
		if pushTimer != nil {
			pushTimer.Stop()
		}
		pushTimer = time.NewTimer(e.pushDebounce)
		pushC = pushTimer.C
	}
	defer func() {
		if pushTimer != nil {
			pushTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.localChanges:
			schedulePush()
		case documents := <-stream:
			e.handleRemote(documents)
		case <-pushC:
			pushC = nil
			e.push(ctx)
		}
	}
}

// handleRemote ingests one full remote document set: bootstrap on the first
// empty observation, otherwise apply the set if the guard admits it.
func (e *Engine) handleRemote(documents []remote.Document) {
	live := make([]remote.Document, 0, len(documents))
	for _, doc := range documents {
		if !doc.Deleted {
			live = append(live, doc)
		}
	}

	e.mu.Lock()
	firstObservation := !e.remoteObserved
	e.remoteObserved = true
	e.knownRemoteIDs = map[string]bool{}
	for _, doc := range live {
		e.knownRemoteIDs[doc.ID] = true
	}
	e.mu.Unlock()

	local := e.store.Read()

	// Bootstrap only when the collection is truly empty. A tombstone-only
	// facility is a deliberately emptied one, not a fresh one, and must not
	// resurrect deleted patients from a device's local data.
	if firstObservation && len(documents) == 0 {
		if len(local.State.Patients) > 0 {
			meta := mar.SyncMeta{Rev: 1, UpdatedAt: e.clock().UnixMilli()}
			if err := e.store.Restore(local.State, meta); err != nil {
				e.logger.Error("bootstrap restore failed", zap.Error(err))
				e.setStatus(StatusError)
				return
			}
			e.setStatus(StatusBootstrap)
			return
		}
		e.setStatus(StatusOK)
		return
	}

	var remoteRev, remoteUpdatedAt int64
	for _, doc := range live {
		if doc.Rev > remoteRev {
			remoteRev = doc.Rev
		}
		if doc.UpdatedAt > remoteUpdatedAt {
			remoteUpdatedAt = doc.UpdatedAt
		}
	}

	newer := remoteRev > local.Meta.Rev ||
		(remoteRev == local.Meta.Rev && remoteUpdatedAt > local.Meta.UpdatedAt)
	if !newer {
		e.setStatus(StatusOK)
		return
	}

	// A commit may still be on its way out; let the push settle first. The
	// remote set stays observed, so the next notification can still apply.
	if sinceWrite := e.clock().Sub(e.store.LastLocalWriteAt()); sinceWrite >= 0 && sinceWrite < e.localWriteGrace {
		return
	}

	state := mar.NewState()
	for _, doc := range live {
		var patient mar.Patient
		if err := json.Unmarshal([]byte(doc.Data), &patient); err != nil {
			e.logger.Warn("remote document unreadable, skipped",
				zap.String("doc_id", doc.ID), zap.Error(err))
			continue
		}
		name := doc.Name
		if name == "" {
			continue
		}
		owned := patient
		state.Patients[name] = &owned
	}
	mar.Normalize(&state)

	e.setApplyingRemote(true)
	err := e.store.Restore(state, mar.SyncMeta{Rev: remoteRev, UpdatedAt: remoteUpdatedAt})
	e.setApplyingRemote(false)
	if err != nil {
		e.logger.Error("remote apply failed", zap.Error(err))
		e.setStatus(StatusError)
		return
	}

	e.mu.Lock()
	e.lastPushedState = fingerprint(state)
	e.mu.Unlock()
	e.setStatus(StatusOK)
}

// push mirrors the local snapshot to the remote store as one atomic write
// set, tombstoning remote ids no longer present locally. The set goes out in
// a single UpsertAll so a peer never applies a partial snapshot carrying the
// final (rev, updatedAt) pair, which its guard would then treat as already
// seen. A failure clears the fingerprint so the next local change retries.
func (e *Engine) push(ctx context.Context) {
	e.mu.Lock()
	observed := e.remoteObserved
	lastPushed := e.lastPushedState
	known := make([]string, 0, len(e.knownRemoteIDs))
	for id := range e.knownRemoteIDs {
		known = append(known, id)
	}
	e.mu.Unlock()
	if !observed {
		return
	}

	snapshot := e.store.Read()
	current := fingerprint(snapshot.State)
	if current == lastPushed {
		return
	}

	e.setStatus(StatusPushing)

	documents := make([]remote.Document, 0, len(snapshot.State.Patients)+len(known))
	localIDs := map[string]bool{}
	failed := false
	for name, patient := range snapshot.State.Patients {
		data, err := json.Marshal(patient)
		if err != nil {
			e.logger.Error("patient marshal failed", zap.String("patient", name), zap.Error(err))
			failed = true
			continue
		}
		id := DocIDForName(name)
		localIDs[id] = true
		documents = append(documents, remote.Document{
			ID:        id,
			Name:      name,
			Data:      string(data),
			Deleted:   false,
			Rev:       snapshot.Meta.Rev,
			UpdatedAt: snapshot.Meta.UpdatedAt,
			UpdatedBy: e.identity,
		})
	}
	for _, id := range known {
		if localIDs[id] {
			continue
		}
		documents = append(documents, remote.Document{
			ID:        id,
			Deleted:   true,
			Rev:       snapshot.Meta.Rev,
			UpdatedAt: snapshot.Meta.UpdatedAt,
			UpdatedBy: e.identity,
		})
	}

	if err := e.remote.UpsertAll(ctx, e.facility, documents); err != nil {
		e.logger.Warn("snapshot push failed", zap.Int("documents", len(documents)), zap.Error(err))
		failed = true
	}

	e.mu.Lock()
	if failed {
		e.lastPushedState = ""
	} else {
		e.lastPushedState = current
		e.knownRemoteIDs = localIDs
	}
	e.mu.Unlock()

	if failed {
		e.setStatus(StatusError)
		return
	}
	e.setStatus(StatusOK)
}

// Status returns the last advisory status.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *Engine) setStatus(status Status) {
	e.mu.Lock()
	changed := e.status != status
	e.status = status
	e.mu.Unlock()
	if changed && e.onStatus != nil {
		e.onStatus(status)
	}
}

func (e *Engine) isApplyingRemote() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.applyingRemote
}

func (e *Engine) setApplyingRemote(applying bool) {
	e.mu.Lock()
	e.applyingRemote = applying
	e.mu.Unlock()
}

func fingerprint(state mar.State) string {
	raw, err := json.Marshal(state.Patients)
	if err != nil {
		return ""
	}
	return string(raw)
}
