// Package docdb implements storage.DocumentStore on a SQL database through
// gorm. Documents are stored as JSON text; their top-level fields are
// indexed in a side table so QueryByField is an indexed join.
package docdb

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bifrost-registry/bifrost/pkg/ha"
	"github.com/bifrost-registry/bifrost/pkg/storage"
)

// MigrationLockName names the lock AutoMigrate holds across replicas.
const MigrationLockName = "bifrost-docstore-migration"

// Store is a gorm-backed document store.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewStore creates a document store on db. Call AutoMigrate before use.
func NewStore(db *gorm.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger, now: time.Now}
}

// AutoMigrate creates or updates the document tables while holding the
// migration lock.
func (s *Store) AutoMigrate(ctx context.Context, locker ha.MigrationLocker) error {
	if locker == nil {
		locker = ha.Noop()
	}
	return locker.WithLock(ctx, func() error {
		if err := s.db.WithContext(ctx).AutoMigrate(&documentRow{}, &fieldRow{}); err != nil {
			return fmt.Errorf("migrate document tables: %w", err)
		}
		s.logger.Info("document tables migrated", "dialect", s.db.Dialector.Name())
		return nil
	})
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return unavailable("ping", err)
	}
	return unavailable("ping", sqlDB.PingContext(ctx))
}

func (s *Store) GetDocument(ctx context.Context, collection, key string) (storage.Document, error) {
	var row documentRow
	err := s.db.WithContext(ctx).
		Where("collection = ? AND doc_key = ?", collection, key).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get document", err)
	}
	return decodeDocument(row.Data)
}

func (s *Store) CreateDocument(ctx context.Context, collection, key string, data storage.Document) error {
	encoded, doc, err := encodeDocument(data)
	if err != nil {
		return err
	}
	now := s.now().UTC()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := documentRow{Collection: collection, Key: key, Data: encoded, CreatedAt: now, UpdatedAt: now}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if res.Error != nil {
			return unavailable("create document", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("document %s/%s: %w", collection, key, storage.ErrAlreadyExists)
		}
		return reindex(tx, collection, key, nil, doc)
	})
	return err
}

func (s *Store) MergeDocument(ctx context.Context, collection, key string, partial storage.Document) error {
	if _, _, err := encodeDocument(partial); err != nil {
		return err
	}

	// A concurrent first write can slip in between the read and the insert;
	// the second attempt then finds the row and merges into it.
	for attempt := 0; attempt < 2; attempt++ {
		done, err := s.mergeOnce(ctx, collection, key, partial)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return fmt.Errorf("merge document %s/%s: %w: lost repeated insert race", collection, key, storage.ErrUnavailable)
}

// mergeOnce reports false when the document was absent and another writer
// created it first.
func (s *Store) mergeOnce(ctx context.Context, collection, key string, partial storage.Document) (bool, error) {
	done := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now().UTC()

		var row documentRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("collection = ? AND doc_key = ?", collection, key).
			Take(&row).Error

		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			encoded, doc, err := encodeDocument(partial)
			if err != nil {
				return err
			}
			row = documentRow{Collection: collection, Key: key, Data: encoded, CreatedAt: now, UpdatedAt: now}
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
			if res.Error != nil {
				return unavailable("create document", res.Error)
			}
			if res.RowsAffected == 0 {
				return nil
			}
			done = true
			return reindex(tx, collection, key, nil, doc)

		case err != nil:
			return unavailable("read document for merge", err)
		}

		existing, err := decodeDocument(row.Data)
		if err != nil {
			return err
		}
		encoded, merged, err := encodeDocument(storage.MergeDocuments(existing, partial))
		if err != nil {
			return err
		}
		err = tx.Model(&documentRow{}).
			Where("collection = ? AND doc_key = ?", collection, key).
			Updates(map[string]any{"data": encoded, "updated_at": now}).Error
		if err != nil {
			return unavailable("update document", err)
		}
		done = true
		return reindex(tx, collection, key, existing, merged)
	})
	return done, err
}

func (s *Store) QueryByField(ctx context.Context, collection, field string, value any) ([]storage.Document, error) {
	hash, err := valueHash(value)
	if err != nil {
		return nil, err
	}

	var rows []documentRow
	err = s.db.WithContext(ctx).
		Model(&documentRow{}).
		Select("documents.*").
		Joins("JOIN document_fields ON document_fields.collection = documents.collection AND document_fields.doc_key = documents.doc_key").
		Where("document_fields.collection = ? AND document_fields.field = ? AND document_fields.value_hash = ?", collection, field, hash).
		Order("documents.created_at, documents.doc_key").
		Find(&rows).Error
	if err != nil {
		return nil, unavailable("query documents", err)
	}

	docs := make([]storage.Document, 0, len(rows))
	for _, row := range rows {
		doc, err := decodeDocument(row.Data)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// reindex brings the field rows of one document from the old to the new
// field values. Only fields whose value changed are touched.
func reindex(tx *gorm.DB, collection, key string, before, after storage.Document) error {
	oldEntries, err := fieldEntries(before)
	if err != nil {
		return err
	}
	newEntries, err := fieldEntries(after)
	if err != nil {
		return err
	}

	stale := oldEntries.Difference(newEntries).ToSlice()
	added := newEntries.Difference(oldEntries).ToSlice()
	sort.Strings(stale)
	sort.Strings(added)

	for _, entry := range stale {
		field, _ := splitEntry(entry)
		err := tx.Where("collection = ? AND doc_key = ? AND field = ?", collection, key, field).
			Delete(&fieldRow{}).Error
		if err != nil {
			return unavailable("delete field index", err)
		}
	}

	if len(added) == 0 {
		return nil
	}
	rows := make([]fieldRow, 0, len(added))
	for _, entry := range added {
		field, hash := splitEntry(entry)
		rows = append(rows, fieldRow{Collection: collection, Key: key, Field: field, ValueHash: hash})
	}
	if err := tx.Create(&rows).Error; err != nil {
		return unavailable("write field index", err)
	}
	return nil
}

const entrySep = "\x00"

func fieldEntries(doc storage.Document) (mapset.Set[string], error) {
	entries := mapset.NewThreadUnsafeSet[string]()
	for field, v := range doc {
		hash, err := valueHash(v)
		if err != nil {
			return nil, err
		}
		entries.Add(field + entrySep + hash)
	}
	return entries, nil
}

func splitEntry(entry string) (field, hash string) {
	field, hash, _ = strings.Cut(entry, entrySep)
	return field, hash
}

// valueHash hashes the JSON encoding of v after a UseNumber round trip, so
// 3, int64(3) and json.Number("3") index identically.
func valueHash(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode field value: %w", err)
	}
	var normalized any
	if err := decodeJSON(raw, &normalized); err != nil {
		return "", fmt.Errorf("decode field value: %w", err)
	}
	canonical, err := json.Marshal(normalized)
	if err != nil {
		return "", fmt.Errorf("encode field value: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// encodeDocument returns the JSON text of doc and the document as it will
// decode from storage.
func encodeDocument(doc storage.Document) (string, storage.Document, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", nil, fmt.Errorf("encode document: %w", err)
	}
	var out storage.Document
	if err := decodeJSON(raw, &out); err != nil {
		return "", nil, fmt.Errorf("decode document: %w", err)
	}
	return string(raw), out, nil
}

func decodeDocument(data string) (storage.Document, error) {
	var doc storage.Document
	if err := decodeJSON([]byte(data), &doc); err != nil {
		return nil, fmt.Errorf("decode stored document: %w", err)
	}
	return doc, nil
}

func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, storage.ErrUnavailable, err)
}
