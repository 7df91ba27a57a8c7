// Package store opens the configured storage backend and exposes it as a
// medication.Repository.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
	_ "github.com/glebarez/go-sqlite" // Pure Go SQLite driver
	"github.com/gmsas95/myrai-meds/internal/config"
	"github.com/gmsas95/myrai-meds/internal/medication"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store owns the open backend and the repository built on it
type Store struct {
	backend string
	db      *gorm.DB
	sqlDB   *sql.DB
	badger  *badger.DB
	repo    medication.Repository
}

// New opens the backend named by cfg.Backend
func New(cfg config.StorageConfig, log *zap.Logger, recorder medication.Recorder) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{backend: cfg.Backend}

	switch cfg.Backend {
	case config.BackendMemory:
		s.repo = medication.NewMemoryRepository()

	case config.BackendBadger:
		badgerPath := cfg.BadgerPath
		if badgerPath == "" {
			badgerPath = filepath.Join(cfg.DataDir, "badger")
		}
		db, err := OpenBadger(badgerPath)
		if err != nil {
			return nil, err
		}
		s.badger = db
		s.repo = NewBadgerRepository(db, log, recorder)

	default:
		sqlitePath := cfg.SQLitePath
		if sqlitePath == "" {
			sqlitePath = filepath.Join(cfg.DataDir, "meds.db")
		}
		db, err := OpenSQLite(sqlitePath)
		if err != nil {
			return nil, err
		}
		repo, err := NewSQLRepository(db, log)
		if err != nil {
			return nil, err
		}
		s.db = db
		s.sqlDB, _ = db.DB()
		s.repo = repo
	}

	log.Info("Storage opened", zap.String("backend", s.Backend()))
	return s, nil
}

// OpenSQLite opens path with the pure Go driver and WAL enabled
func OpenSQLite(path string) (*gorm.DB, error) {
	sqliteDB, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Configure connection pool
	sqliteDB.SetMaxOpenConns(10)
	sqliteDB.SetMaxIdleConns(5)
	sqliteDB.SetConnMaxLifetime(time.Hour)

	db, err := gorm.Open(sqlite.Dialector{Conn: sqliteDB}, &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
		PrepareStmt:            true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	return db, nil
}

// OpenBadger opens a badger directory. An empty path opens an in-memory DB.
func OpenBadger(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).
		WithLogger(nil).
		WithNumVersionsToKeep(1).
		WithCompactL0OnClose(true).
		WithValueLogFileSize(16 << 20).
		WithMemTableSize(16 << 20)
	if path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return db, nil
}

// Repository returns the medication repository of the open backend.
func (s *Store) Repository() medication.Repository {
	return s.repo
}

// Backend returns the backend name.
func (s *Store) Backend() string {
	if s.backend == "" {
		return config.BackendSQLite
	}
	return s.backend
}

// Ping checks the backend is usable.
func (s *Store) Ping(ctx context.Context) error {
	switch {
	case s.sqlDB != nil:
		return s.sqlDB.PingContext(ctx)
	case s.badger != nil:
		if s.badger.IsClosed() {
			return fmt.Errorf("badger is closed")
		}
	}
	return nil
}

// Close closes all database connections
func (s *Store) Close() error {
	if s.badger != nil {
		return s.badger.Close()
	}
	if s.sqlDB != nil {
		return s.sqlDB.Close()
	}
	return nil
}
