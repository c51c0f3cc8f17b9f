package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/ashureev/gemchat/internal/metrics"
	_ "modernc.org/sqlite"
)

const sqliteBackend = "sqlite"

// SQLiteStore implements DocumentStore using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	hub    *hub
	closed atomic.Bool
}

var _ DocumentStore = (*SQLiteStore)(nil)

// NewSQLite creates a new SQLite-backed document store.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL for concurrent readers; immediate transactions so read-merge-write
	// upserts take the write lock up front.
	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	s.hub = newHub(s.List)
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS documents (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		path TEXT NOT NULL UNIQUE,
		collection TEXT NOT NULL,
		doc_id TEXT NOT NULL,
		fields TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents(collection, seq);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Upsert creates the document or merges fields into the existing one.
func (s *SQLiteStore) Upsert(ctx context.Context, path string, fields Fields) error {
	if s.closed.Load() {
		return ErrClosed
	}
	collection, id, err := SplitPath(path)
	if err != nil {
		return err
	}

	err = withRetry(ctx, "upsert", path, func() error {
		return s.upsertOnce(ctx, path, collection, id, fields, false)
	})
	metrics.RecordStore(sqliteBackend, "upsert", err)
	if err != nil {
		return err
	}
	s.hub.notify(collection)
	return nil
}

// Update merges fields into an existing document.
func (s *SQLiteStore) Update(ctx context.Context, path string, fields Fields) error {
	if s.closed.Load() {
		return ErrClosed
	}
	collection, id, err := SplitPath(path)
	if err != nil {
		return err
	}

	err = withRetry(ctx, "update", path, func() error {
		return s.upsertOnce(ctx, path, collection, id, fields, true)
	})
	metrics.RecordStore(sqliteBackend, "update", err)
	if err != nil {
		return err
	}
	s.hub.notify(collection)
	return nil
}

func (s *SQLiteStore) upsertOnce(ctx context.Context, path, collection, id string, fields Fields, mustExist bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Warn("failed to roll back upsert", "path", path, "error", rbErr)
		}
	}()

	var raw string
	existing := Fields{}
	err = tx.QueryRowContext(ctx, `SELECT fields FROM documents WHERE path = ?`, path).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if mustExist {
			return ErrNotFound
		}
	case err != nil:
		return fmt.Errorf("read existing: %w", err)
	default:
		if existing, err = decodeFields([]byte(raw)); err != nil {
			return err
		}
	}

	merged, err := json.Marshal(mergeFields(existing, fields))
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}

	now := time.Now().UnixMilli()
	query := `
	INSERT INTO documents (path, collection, doc_id, fields, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(path) DO UPDATE SET
		fields = excluded.fields,
		updated_at = excluded.updated_at`
	if _, err := tx.ExecContext(ctx, query, path, collection, id, string(merged), now, now); err != nil {
		return fmt.Errorf("write document: %w", err)
	}
	return tx.Commit()
}

// Delete removes a document.
func (s *SQLiteStore) Delete(ctx context.Context, path string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	collection, _, err := SplitPath(path)
	if err != nil {
		return err
	}

	err = withRetry(ctx, "delete", path, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE path = ?`, path)
		return err
	})
	metrics.RecordStore(sqliteBackend, "delete", err)
	if err != nil {
		return err
	}
	s.hub.notify(collection)
	return nil
}

// Get reads a single document.
func (s *SQLiteStore) Get(ctx context.Context, path string) (*Snapshot, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	_, id, err := SplitPath(path)
	if err != nil {
		return nil, err
	}

	var seq int64
	var raw string
	err = s.db.QueryRowContext(ctx, `SELECT seq, fields FROM documents WHERE path = ?`, path).Scan(&seq, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		metrics.RecordStore(sqliteBackend, "get", nil)
		return &Snapshot{Path: path, ID: id}, nil
	}
	if err != nil {
		metrics.RecordStore(sqliteBackend, "get", err)
		return nil, fmt.Errorf("get %s: %w", path, err)
	}

	fields, err := decodeFields([]byte(raw))
	metrics.RecordStore(sqliteBackend, "get", err)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Path: path, ID: id, Fields: fields, Exists: true, Seq: seq}, nil
}

// List returns the documents of a collection in query order.
func (s *SQLiteStore) List(ctx context.Context, q Query) ([]Snapshot, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if err := validateQuery(q); err != nil {
		return nil, err
	}

	query := `SELECT seq, path, doc_id, fields FROM documents WHERE collection = ? ORDER BY seq ASC`
	args := []any{q.Collection}
	if q.OrderBy != "" {
		query = `SELECT seq, path, doc_id, fields FROM documents WHERE collection = ?
		ORDER BY json_extract(fields, ?) ASC, seq ASC`
		args = append(args, "$."+q.OrderBy)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		metrics.RecordStore(sqliteBackend, "list", err)
		return nil, fmt.Errorf("list %s: %w", q.Collection, err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close list rows", "error", closeErr)
		}
	}()

	var docs []Snapshot
	for rows.Next() {
		var snap Snapshot
		var raw string
		if err := rows.Scan(&snap.Seq, &snap.Path, &snap.ID, &raw); err != nil {
			return nil, fmt.Errorf("scan document row: %w", err)
		}
		if snap.Fields, err = decodeFields([]byte(raw)); err != nil {
			return nil, err
		}
		snap.Exists = true
		docs = append(docs, snap)
	}
	err = rows.Err()
	metrics.RecordStore(sqliteBackend, "list", err)
	if err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}

// Subscribe starts a live query on q.
func (s *SQLiteStore) Subscribe(ctx context.Context, q Query, fn Listener) (Subscription, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if err := validateQuery(q); err != nil {
		return nil, err
	}
	return s.hub.subscribe(ctx, q, fn), nil
}

// Close stops live queries and closes the database connection.
func (s *SQLiteStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.hub.closeAll()
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func decodeFields(raw []byte) (Fields, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var fields Fields
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("decode fields: %w", err)
	}
	if fields == nil {
		fields = Fields{}
	}
	return fields, nil
}
