package store

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/CareSyncLab/minimar/backend/internal/mar"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&snapshotRecord{}, &Preference{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestSQLitePersistenceRoundTrip(t *testing.T) {
	db := newTestDB(t)
	persistence, err := NewSQLitePersistence(db, "device-1", fixedClock(time.Unix(1700000000, 0)))
	if err != nil {
		t.Fatalf("NewSQLitePersistence: %v", err)
	}

	if _, found, err := persistence.Load(); err != nil || found {
		t.Fatalf("expected empty load, found=%v err=%v", found, err)
	}

	state := stateWithPatient("Kim")
	saved := Snapshot{State: state, Meta: mar.SyncMeta{Rev: 4, UpdatedAt: 1700000000123}}
	if err := persistence.Save(saved); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, found, err := persistence.Load()
	if err != nil || !found {
		t.Fatalf("Load: found=%v err=%v", found, err)
	}
	if loaded.Meta != saved.Meta {
		t.Fatalf("expected meta %+v, got %+v", saved.Meta, loaded.Meta)
	}
	patient, ok := loaded.State.Patients["Kim"]
	if !ok || patient.Room != "201" {
		t.Fatalf("unexpected state %+v", loaded.State)
	}
}

func TestSQLitePersistenceScopesAreIsolated(t *testing.T) {
	db := newTestDB(t)
	first, err := NewSQLitePersistence(db, "device-1", nil)
	if err != nil {
		t.Fatalf("NewSQLitePersistence: %v", err)
	}
	second, err := NewSQLitePersistence(db, "device-2", nil)
	if err != nil {
		t.Fatalf("NewSQLitePersistence: %v", err)
	}

	if err := first.Save(Snapshot{State: stateWithPatient("Kim"), Meta: mar.SyncMeta{Rev: 1}}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, found, err := second.Load(); err != nil || found {
		t.Fatalf("scope device-2 should be empty, found=%v err=%v", found, err)
	}
}

func TestPreferencesValidateAndStoreInitials(t *testing.T) {
	db := newTestDB(t)
	preferences, err := NewPreferences(db, nil)
	if err != nil {
		t.Fatalf("NewPreferences: %v", err)
	}

	if err := preferences.SetInitials("Nurse@Fac.Local", " jd "); err != nil {
		t.Fatalf("SetInitials: %v", err)
	}
	initials, found, err := preferences.Initials("nurse@fac.local")
	if err != nil || !found {
		t.Fatalf("Initials: found=%v err=%v", found, err)
	}
	if initials != "JD" {
		t.Fatalf("expected JD, got %q", initials)
	}

	for _, bad := range []string{"", "x", "toolonginit", "j d"} {
		if err := preferences.SetInitials("nurse@fac.local", bad); !errors.Is(err, ErrInvalidInitials) {
			t.Fatalf("expected ErrInvalidInitials for %q, got %v", bad, err)
		}
	}
}
