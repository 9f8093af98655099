package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/CareSyncLab/minimar/backend/internal/mar"
	"gorm.io/gorm"
)

// snapshotRecord is the single-row durable form of the local snapshot,
// keyed by device scope so several stores can share one database file.
type snapshotRecord struct {
	Scope       string `gorm:"column:scope;primaryKey;size:190;not null"`
	PayloadJSON string `gorm:"column:payload_json;type:text;not null"`
	Rev         int64  `gorm:"column:rev;not null;default:0"`
	UpdatedAtMS int64  `gorm:"column:updated_at_ms;not null;default:0"`
	SavedAt     int64  `gorm:"column:saved_at_s;not null"`
}

func (snapshotRecord) TableName() string {
	return "local_snapshots"
}

// Models lists the GORM models this package persists.
func Models() []any {
	return []any{&snapshotRecord{}, &Preference{}}
}

// SQLitePersistence stores the snapshot in a SQLite table via GORM.
type SQLitePersistence struct {
	db    *gorm.DB
	scope string
	clock func() time.Time
}

// NewSQLitePersistence binds persistence to a database and device scope.
func NewSQLitePersistence(db *gorm.DB, scope string, clock func() time.Time) (*SQLitePersistence, error) {
	if db == nil {
		return nil, fmt.Errorf("store: database handle is required")
	}
	if strings.TrimSpace(scope) == "" {
		return nil, fmt.Errorf("store: persistence scope is required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &SQLitePersistence{db: db, scope: scope, clock: clock}, nil
}

// Load reads the persisted snapshot for the scope.
func (p *SQLitePersistence) Load() (Snapshot, bool, error) {
	var record snapshotRecord
	err := p.db.Where("scope = ?", p.scope).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}

	var state mar.State
	if err := json.Unmarshal([]byte(record.PayloadJSON), &state); err != nil {
		return Snapshot{}, false, err
	}
	mar.Normalize(&state)
	return Snapshot{
		State: state,
		Meta:  mar.SyncMeta{Rev: record.Rev, UpdatedAt: record.UpdatedAtMS},
	}, true, nil
}

// Save writes the snapshot for the scope.
func (p *SQLitePersistence) Save(snapshot Snapshot) error {
	raw, err := json.Marshal(snapshot.State)
	if err != nil {
		return err
	}
	record := snapshotRecord{
		Scope:       p.scope,
		PayloadJSON: string(raw),
		Rev:         snapshot.Meta.Rev,
		UpdatedAtMS: snapshot.Meta.UpdatedAt,
		SavedAt:     p.clock().UTC().Unix(),
	}
	return p.db.Save(&record).Error
}

// Preference stores per-identity recorder settings.
type Preference struct {
	Identity  string `gorm:"column:identity;primaryKey;size:320;not null"`
	Initials  string `gorm:"column:initials;size:6;not null"`
	UpdatedAt int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Preference) TableName() string {
	return "recorder_preferences"
}

var initialsPattern = regexp.MustCompile(`^[A-Z0-9]{2,6}$`)

// ErrInvalidInitials indicates initials outside the accepted 2-6 uppercase
// alphanumeric form.
var ErrInvalidInitials = errors.New("store: invalid initials")

// Preferences reads and writes per-identity recorder initials.
type Preferences struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewPreferences constructs the preference accessor.
func NewPreferences(db *gorm.DB, clock func() time.Time) (*Preferences, error) {
	if db == nil {
		return nil, fmt.Errorf("store: database handle is required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &Preferences{db: db, clock: clock}, nil
}

// Initials returns the stored initials for the identity, if present.
func (p *Preferences) Initials(identity string) (string, bool, error) {
	var preference Preference
	err := p.db.Where("identity = ?", normalizeIdentity(identity)).Take(&preference).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return preference.Initials, true, nil
}

// SetInitials validates and stores initials for the identity.
func (p *Preferences) SetInitials(identity, initials string) error {
	cleaned := strings.ToUpper(strings.TrimSpace(initials))
	if !initialsPattern.MatchString(cleaned) {
		return fmt.Errorf("%w: %q", ErrInvalidInitials, initials)
	}
	record := Preference{
		Identity:  normalizeIdentity(identity),
		Initials:  cleaned,
		UpdatedAt: p.clock().UTC().Unix(),
	}
	return p.db.Save(&record).Error
}

func normalizeIdentity(identity string) string {
	identity = strings.ToLower(strings.TrimSpace(identity))
	if identity == "" {
		return "demo"
	}
	return identity
}
