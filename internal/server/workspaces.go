package server

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/CareSyncLab/minimar/backend/internal/auth"
	"github.com/CareSyncLab/minimar/backend/internal/remote"
	"github.com/CareSyncLab/minimar/backend/internal/scan"
	"github.com/CareSyncLab/minimar/backend/internal/store"
	"github.com/CareSyncLab/minimar/backend/internal/syncer"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingWorkspaceDB   = errors.New("database handle is required")
	errMissingDocumentStore = errors.New("document store dependency required")
	errMissingFacilityCode  = errors.New("facility code is required")
)

// WorkspacesConfig describes the shared dependencies of facility workspaces.
type WorkspacesConfig struct {
	Database  *gorm.DB
	Documents remote.DocumentStore
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Workspaces lazily builds one Workspace per facility. Each workspace owns a
// durable local snapshot store, a sync engine mirroring it into the facility
// document collection, and the per-user scan sessions.
type Workspaces struct {
	db        *gorm.DB
	documents remote.DocumentStore
	clock     func() time.Time
	logger    *zap.Logger
	runCtx    context.Context

	mu         sync.Mutex
	byFacility map[string]*Workspace
}

// NewWorkspaces constructs the registry. Engines and session sweepers started
// later run until ctx ends.
func NewWorkspaces(ctx context.Context, cfg WorkspacesConfig) (*Workspaces, error) {
	if cfg.Database == nil {
		return nil, errMissingWorkspaceDB
	}
	if cfg.Documents == nil {
		return nil, errMissingDocumentStore
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return &Workspaces{
		db:         cfg.Database,
		documents:  cfg.Documents,
		clock:      clock,
		logger:     logger,
		runCtx:     ctx,
		byFacility: map[string]*Workspace{},
	}, nil
}

// Get returns the workspace for the facility, creating it on first use.
func (w *Workspaces) Get(facility string) (*Workspace, error) {
	facility = strings.ToUpper(strings.TrimSpace(facility))
	if facility == "" {
		return nil, errMissingFacilityCode
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if workspace, ok := w.byFacility[facility]; ok {
		return workspace, nil
	}

	persistence, err := store.NewSQLitePersistence(w.db, "facility:"+facility, w.clock)
	if err != nil {
		return nil, err
	}
	localStore, err := store.New(store.Config{
		Persistence: persistence,
		Clock:       w.clock,
		Logger:      w.logger,
	})
	if err != nil {
		return nil, err
	}
	engine, err := syncer.New(syncer.Config{
		Store:    localStore,
		Remote:   w.documents,
		Facility: facility,
		Identity: "minimar-backend",
		Clock:    w.clock,
		Logger:   w.logger,
	})
	if err != nil {
		return nil, err
	}
	go func() {
		if err := engine.Run(w.runCtx); err != nil {
			w.logger.Error("sync engine stopped", zap.String("facility", facility), zap.Error(err))
		}
	}()

	workspace := &Workspace{
		Facility: facility,
		Store:    localStore,
		engine:   engine,
		clock:    w.clock,
		logger:   w.logger,
		runCtx:   w.runCtx,
		sessions: map[string]*userSession{},
	}
	w.byFacility[facility] = workspace
	w.logger.Info("facility workspace opened", zap.String("facility", facility))
	return workspace, nil
}

// Workspace is the server-side working set of one facility.
type Workspace struct {
	Facility string
	Store    *store.Store

	engine *syncer.Engine
	clock  func() time.Time
	logger *zap.Logger
	runCtx context.Context

	mu       sync.Mutex
	sessions map[string]*userSession
}

type userSession struct {
	session *scan.Session
	confirm *tapConfirmer
	cancel  context.CancelFunc
}

// SyncStatus reports the advisory state of the facility's sync engine.
func (w *Workspace) SyncStatus() syncer.Status {
	return w.engine.Status()
}

// SessionFor returns the scan session of the principal, creating it on first
// use. Sessions are per user so one nurse's armed patient never leaks into
// another's scans.
func (w *Workspace) SessionFor(principal auth.Principal) (*scan.Session, *tapConfirmer, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if existing, ok := w.sessions[principal.UserID]; ok {
		return existing.session, existing.confirm, nil
	}

	confirm := &tapConfirmer{}
	recorder, err := scan.NewRecorder(scan.RecorderConfig{
		Store:     w.Store,
		Confirmer: confirm,
		Clock:     w.clock,
		Logger:    w.logger,
	})
	if err != nil {
		return nil, nil, err
	}
	session, err := scan.NewSession(scan.SessionConfig{
		Facility: w.Facility,
		Initials: principal.Initials,
		Recorder: recorder,
		Clock:    w.clock,
		Logger:   w.logger,
	})
	if err != nil {
		return nil, nil, err
	}
	// Each sweeper gets its own context so closing the session stops it
	// instead of leaving it running until server shutdown.
	sessionCtx, cancel := context.WithCancel(w.runCtx)
	go session.Run(sessionCtx)

	w.sessions[principal.UserID] = &userSession{session: session, confirm: confirm, cancel: cancel}
	return session, confirm, nil
}

// CloseSession discards the principal's scan session, if any, and stops its
// sweeper.
func (w *Workspace) CloseSession(principal auth.Principal) {
	w.mu.Lock()
	existing, ok := w.sessions[principal.UserID]
	delete(w.sessions, principal.UserID)
	w.mu.Unlock()
	if ok {
		existing.cancel()
		existing.session.Close()
	}
}

// tapConfirmer approves exactly one duplicate administration after an
// explicit client tap, relayed as a flag on the re-submitted scan. Without
// the tap it declines.
type tapConfirmer struct {
	mu    sync.Mutex
	armed bool
}

// Arm approves the next duplicate prompt.
func (c *tapConfirmer) Arm() {
	c.mu.Lock()
	c.armed = true
	c.mu.Unlock()
}

// Disarm cancels a pending approval.
func (c *tapConfirmer) Disarm() {
	c.mu.Lock()
	c.armed = false
	c.mu.Unlock()
}

// ConfirmDuplicate consumes the pending approval.
func (c *tapConfirmer) ConfirmDuplicate(string, string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	approved := c.armed
	c.armed = false
	return approved
}
