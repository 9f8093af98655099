package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingFacility   = errors.New("facility code is required")
	errMissingDocumentID = errors.New("document id is required")
	noOpLogger           = zap.NewNop()
)

const (
	opStoreNew       = "remote.store.new"
	opStoreUpsert    = "remote.upsert"
	opStoreUpsertAll = "remote.upsert_all"
	opStoreSnapshot  = "remote.snapshot"
)

type patientDocument struct {
	Facility     string `gorm:"column:facility;primaryKey;size:64;not null"`
	DocID        string `gorm:"column:doc_id;primaryKey;size:190;not null"`
	Name         string `gorm:"column:name;size:255;not null"`
	PayloadJSON  string `gorm:"column:payload_json;type:text;not null"`
	Deleted      bool   `gorm:"column:deleted;not null;default:false"`
	Rev          int64  `gorm:"column:rev;not null;default:0"`
	UpdatedAtMS  int64  `gorm:"column:updated_at_ms;not null;default:0"`
	ServerTimeMS int64  `gorm:"column:server_time_ms;not null;default:0"`
	UpdatedBy    string `gorm:"column:updated_by;size:320"`
}

func (patientDocument) TableName() string {
	return "facility_patients"
}

// Models lists the GORM models this package persists.
func Models() []any {
	return []any{&patientDocument{}}
}

// SQLiteStoreConfig describes the dependencies of the facility store.
type SQLiteStoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	Logger     *zap.Logger
	Dispatcher *Dispatcher
}

// SQLiteStore keeps facility patient documents in SQLite and fans each change
// out through its dispatcher. Rows are never deleted; removal writes a
// tombstone in place.
type SQLiteStore struct {
	db         *gorm.DB
	clock      func() time.Time
	logger     *zap.Logger
	dispatcher *Dispatcher
}

// NewSQLiteStore constructs the store.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	dispatcher := cfg.Dispatcher
	if dispatcher == nil {
		dispatcher = NewDispatcher()
	}
	return &SQLiteStore{db: cfg.Database, clock: clock, logger: logger, dispatcher: dispatcher}, nil
}

// Upsert writes one document, merging over the stored row so a tombstone
// write with empty name or data keeps the last known text fields.
func (s *SQLiteStore) Upsert(ctx context.Context, facility string, doc Document) (Document, error) {
	facility = strings.TrimSpace(facility)
	if facility == "" {
		return Document{}, newStoreError(opStoreUpsert, "missing_facility", errMissingFacility)
	}
	if strings.TrimSpace(doc.ID) == "" {
		return Document{}, newStoreError(opStoreUpsert, "missing_document_id", errMissingDocumentID)
	}

	serverTime := s.clock().UTC().UnixMilli()
	var record patientDocument
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		written, err := writeDocument(tx, facility, doc, serverTime)
		if err != nil {
			return err
		}
		record = written
		return nil
	})
	if txErr != nil {
		s.logger.Error("document upsert failed", zap.Error(txErr),
			zap.String("facility", facility), zap.String("doc_id", doc.ID))
		return Document{}, newStoreError(opStoreUpsert, "write_failed", txErr)
	}

	s.publish(ctx, facility)
	return documentFromRecord(record), nil
}

// UpsertAll writes one logical set of documents in a single transaction and
// publishes the facility snapshot once. Subscribers never observe a state
// where only part of the set has landed.
func (s *SQLiteStore) UpsertAll(ctx context.Context, facility string, documents []Document) error {
	facility = strings.TrimSpace(facility)
	if facility == "" {
		return newStoreError(opStoreUpsertAll, "missing_facility", errMissingFacility)
	}
	for _, doc := range documents {
		if strings.TrimSpace(doc.ID) == "" {
			return newStoreError(opStoreUpsertAll, "missing_document_id", errMissingDocumentID)
		}
	}
	if len(documents) == 0 {
		return nil
	}

	serverTime := s.clock().UTC().UnixMilli()
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, doc := range documents {
			if _, err := writeDocument(tx, facility, doc, serverTime); err != nil {
				return err
			}
		}
		return nil
	})
	if txErr != nil {
		s.logger.Error("document set upsert failed", zap.Error(txErr),
			zap.String("facility", facility), zap.Int("documents", len(documents)))
		return newStoreError(opStoreUpsertAll, "write_failed", txErr)
	}

	s.publish(ctx, facility)
	return nil
}

// writeDocument merges one document over its stored row inside the caller's
// transaction, so a tombstone write with empty name or data keeps the last
// known text fields.
func writeDocument(tx *gorm.DB, facility string, doc Document, serverTime int64) (patientDocument, error) {
	record := patientDocument{
		Facility:     facility,
		DocID:        doc.ID,
		Name:         doc.Name,
		PayloadJSON:  doc.Data,
		Deleted:      doc.Deleted,
		Rev:          doc.Rev,
		UpdatedAtMS:  doc.UpdatedAt,
		ServerTimeMS: serverTime,
		UpdatedBy:    doc.UpdatedBy,
	}

	var existing patientDocument
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("facility = ? AND doc_id = ?", facility, doc.ID).
		Take(&existing).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return patientDocument{}, fmt.Errorf("select document: %w", err)
	}
	if err == nil {
		if record.Name == "" {
			record.Name = existing.Name
		}
		if record.PayloadJSON == "" {
			record.PayloadJSON = existing.PayloadJSON
		}
	}
	if err := tx.Save(&record).Error; err != nil {
		return patientDocument{}, err
	}
	return record, nil
}

// Snapshot returns every document in the facility ordered by name.
func (s *SQLiteStore) Snapshot(ctx context.Context, facility string) ([]Document, error) {
	facility = strings.TrimSpace(facility)
	if facility == "" {
		return nil, newStoreError(opStoreSnapshot, "missing_facility", errMissingFacility)
	}

	var records []patientDocument
	if err := s.db.WithContext(ctx).
		Where("facility = ?", facility).
		Order("name ASC").
		Find(&records).Error; err != nil {
		s.logger.Error("document snapshot failed", zap.Error(err), zap.String("facility", facility))
		return nil, newStoreError(opStoreSnapshot, "query_failed", err)
	}

	documents := make([]Document, 0, len(records))
	for _, record := range records {
		documents = append(documents, documentFromRecord(record))
	}
	return documents, nil
}

// Subscribe delivers the full facility set after every change.
func (s *SQLiteStore) Subscribe(ctx context.Context, facility string) (<-chan []Document, func()) {
	return s.dispatcher.Subscribe(ctx, facility)
}

func (s *SQLiteStore) publish(ctx context.Context, facility string) {
	documents, err := s.Snapshot(ctx, facility)
	if err != nil {
		s.logger.Warn("post-write snapshot failed", zap.Error(err), zap.String("facility", facility))
		return
	}
	s.dispatcher.Publish(facility, documents)
}

func documentFromRecord(record patientDocument) Document {
	return Document{
		ID:         record.DocID,
		Name:       record.Name,
		Data:       record.PayloadJSON,
		Deleted:    record.Deleted,
		Rev:        record.Rev,
		UpdatedAt:  record.UpdatedAtMS,
		ServerTime: record.ServerTimeMS,
		UpdatedBy:  record.UpdatedBy,
	}
}
