// Package ha provides primitives for running several registry replicas
// against one database.
package ha

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"time"

	"gorm.io/gorm"
)

// MigrationLocker is the interface for acquiring a lock around database
// migrations to prevent concurrent AutoMigrate calls from multiple replicas.
type MigrationLocker interface {
	// WithLock executes fn while holding the migration lock.
	// It blocks until the lock is acquired, then releases it after fn returns.
	WithLock(ctx context.Context, fn func() error) error
}

// Options tunes the table-based lock used on dialects without named locks.
type Options struct {
	MaxRetries    int
	RetryInterval time.Duration
	StaleAfter    time.Duration
}

// DefaultOptions returns the lock options used when none are given.
func DefaultOptions() Options {
	return Options{
		MaxRetries:    30,
		RetryInterval: time.Second,
		StaleAfter:    5 * time.Minute,
	}
}

// NewMigrationLocker creates a MigrationLocker for the database dialect.
// PostgreSQL uses an advisory lock and MySQL a named lock, both keyed by
// name; other databases use the migration_lock table, which is created
// here so concurrent callers never race on its creation.
func NewMigrationLocker(db *gorm.DB, name string, opts ...Options) (MigrationLocker, error) {
	if db == nil {
		return Noop(), nil
	}
	o := DefaultOptions()
	if len(opts) > 0 {
		o = opts[0]
	}

	switch db.Dialector.Name() {
	case "postgres":
		return &pgAdvisoryLock{db: db, lockID: int64(crc32.ChecksumIEEE([]byte(name)))}, nil
	case "mysql":
		return &mysqlNamedLock{db: db, name: name, timeout: o.RetryInterval * time.Duration(o.MaxRetries)}, nil
	}

	if err := db.AutoMigrate(&migrationLockRecord{}); err != nil {
		return nil, fmt.Errorf("create migration lock table: %w", err)
	}
	return &tableLock{db: db, name: name, opts: o}, nil
}

// Noop returns a locker that runs fn without locking, for single-replica
// deployments.
func Noop() MigrationLocker {
	return noopMigrationLock{}
}

type noopMigrationLock struct{}

func (noopMigrationLock) WithLock(_ context.Context, fn func() error) error {
	return fn()
}

// pgAdvisoryLock holds a session-level advisory lock on one pinned
// connection, since acquire and release must happen on the same session.
type pgAdvisoryLock struct {
	db     *gorm.DB
	lockID int64
}

func (l *pgAdvisoryLock) WithLock(ctx context.Context, fn func() error) error {
	return l.db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		if err := conn.Exec("SELECT pg_advisory_lock(?)", l.lockID).Error; err != nil {
			return fmt.Errorf("failed to acquire migration advisory lock: %w", err)
		}
		defer conn.WithContext(context.WithoutCancel(ctx)).Exec("SELECT pg_advisory_unlock(?)", l.lockID)

		return fn()
	})
}

type mysqlNamedLock struct {
	db      *gorm.DB
	name    string
	timeout time.Duration
}

func (l *mysqlNamedLock) WithLock(ctx context.Context, fn func() error) error {
	return l.db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		var got sql.NullInt64
		if err := conn.Raw("SELECT GET_LOCK(?, ?)", l.name, int(l.timeout.Seconds())).Scan(&got).Error; err != nil {
			return fmt.Errorf("failed to acquire migration lock %q: %w", l.name, err)
		}
		if !got.Valid || got.Int64 != 1 {
			return fmt.Errorf("timed out acquiring migration lock %q after %s", l.name, l.timeout)
		}
		defer conn.WithContext(context.WithoutCancel(ctx)).Exec("SELECT RELEASE_LOCK(?)", l.name)

		return fn()
	})
}

// migrationLockRecord is one row per held lock in the fallback table.
type migrationLockRecord struct {
	ID       string    `gorm:"primaryKey;column:id;size:191"`
	LockedAt time.Time `gorm:"column:locked_at"`
	LockedBy string    `gorm:"column:locked_by"`
}

func (migrationLockRecord) TableName() string { return "migration_lock" }

// tableLock relies on the primary key: inserting the lock row fails while
// another holder has it. Rows older than StaleAfter are assumed to belong to
// a crashed holder and are removed.
type tableLock struct {
	db   *gorm.DB
	name string
	opts Options
}

var errLockHeld = errors.New("migration lock is held")

func (l *tableLock) WithLock(ctx context.Context, fn func() error) error {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}

	var lastErr error
	acquired := false
	for i := 0; i < l.opts.MaxRetries; i++ {
		l.db.WithContext(ctx).
			Where("id = ? AND locked_at < ?", l.name, time.Now().Add(-l.opts.StaleAfter)).
			Delete(&migrationLockRecord{})

		row := migrationLockRecord{ID: l.name, LockedAt: time.Now(), LockedBy: hostname}
		if lastErr = l.db.WithContext(ctx).Create(&row).Error; lastErr == nil {
			acquired = true
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.opts.RetryInterval):
		}
	}
	if !acquired {
		return fmt.Errorf("%w: %q not acquired after %d attempts: %v", errLockHeld, l.name, l.opts.MaxRetries, lastErr)
	}

	defer l.db.WithContext(context.WithoutCancel(ctx)).Where("id = ?", l.name).Delete(&migrationLockRecord{})

	return fn()
}
