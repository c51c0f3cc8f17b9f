package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/gemchat/internal/metrics"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

const pebbleBackend = "pebble"

var seqKey = []byte("m\x00seq")

// PebbleStore implements DocumentStore on a Pebble key-value database.
// Documents live under "d\x00{collection}\x00{id}" so a collection's direct
// children form one contiguous key range.
type PebbleStore struct {
	db      *pebble.DB
	hub     *hub
	writeMu sync.Mutex // serializes read-merge-write and the sequence counter
	seq     int64
	closed  atomic.Bool
}

var _ DocumentStore = (*PebbleStore)(nil)

type pebbleRecord struct {
	Seq       int64           `json:"seq"`
	Fields    json.RawMessage `json:"fields"`
	CreatedAt int64           `json:"created_at"`
	UpdatedAt int64           `json:"updated_at"`
}

// NewPebble opens a Pebble-backed document store in dir.
func NewPebble(dir string) (*PebbleStore, error) {
	return openPebble(dir, &pebble.Options{})
}

// NewPebbleInMemory opens a Pebble store that keeps everything in memory.
func NewPebbleInMemory() (*PebbleStore, error) {
	return openPebble("", &pebble.Options{FS: vfs.NewMem()})
}

func openPebble(dir string, opts *pebble.Options) (*PebbleStore, error) {
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}

	s := &PebbleStore{db: db}
	val, closer, err := db.Get(seqKey)
	switch {
	case errors.Is(err, pebble.ErrNotFound):
	case err != nil:
		_ = db.Close()
		return nil, fmt.Errorf("read sequence: %w", err)
	default:
		if len(val) == 8 {
			s.seq = int64(binary.BigEndian.Uint64(val))
		}
		if cerr := closer.Close(); cerr != nil {
			slog.Warn("failed to release pebble value", "error", cerr)
		}
	}

	s.hub = newHub(s.List)
	return s, nil
}

func docKey(collection, id string) []byte {
	return []byte("d\x00" + collection + "\x00" + id)
}

func collectionBounds(collection string) (lower, upper []byte) {
	lower = []byte("d\x00" + collection + "\x00")
	upper = []byte("d\x00" + collection + "\x01")
	return lower, upper
}

// Ping checks that the database is open.
func (s *PebbleStore) Ping(context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (s *PebbleStore) read(key []byte) (*pebbleRecord, error) {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := closer.Close(); cerr != nil {
			slog.Warn("failed to release pebble value", "error", cerr)
		}
	}()

	var rec pebbleRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &rec, nil
}

// Upsert creates the document or merges fields into it.
func (s *PebbleStore) Upsert(_ context.Context, path string, fields Fields) error {
	if s.closed.Load() {
		return ErrClosed
	}
	collection, id, err := SplitPath(path)
	if err != nil {
		return err
	}

	err = s.upsert(collection, id, fields, false)
	metrics.RecordStore(pebbleBackend, "upsert", err)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", path, err)
	}
	s.hub.notify(collection)
	return nil
}

// Update merges fields into an existing document.
func (s *PebbleStore) Update(_ context.Context, path string, fields Fields) error {
	if s.closed.Load() {
		return ErrClosed
	}
	collection, id, err := SplitPath(path)
	if err != nil {
		return err
	}

	err = s.upsert(collection, id, fields, true)
	metrics.RecordStore(pebbleBackend, "update", err)
	if err != nil {
		return fmt.Errorf("update %s: %w", path, err)
	}
	s.hub.notify(collection)
	return nil
}

func (s *PebbleStore) upsert(collection, id string, fields Fields, mustExist bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	key := docKey(collection, id)
	rec, err := s.read(key)
	if err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	existing := Fields{}
	batch := s.db.NewBatch()
	defer func() { _ = batch.Close() }()

	if rec == nil && mustExist {
		return ErrNotFound
	}
	if rec == nil {
		s.seq++
		rec = &pebbleRecord{Seq: s.seq, CreatedAt: now}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(s.seq))
		if err := batch.Set(seqKey, buf[:], nil); err != nil {
			return err
		}
	} else if existing, err = decodeFields(rec.Fields); err != nil {
		return err
	}

	merged, err := json.Marshal(mergeFields(existing, fields))
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}
	rec.Fields = merged
	rec.UpdatedAt = now

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if err := batch.Set(key, data, nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

// Delete removes a document.
func (s *PebbleStore) Delete(_ context.Context, path string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	collection, id, err := SplitPath(path)
	if err != nil {
		return err
	}

	err = s.db.Delete(docKey(collection, id), pebble.Sync)
	metrics.RecordStore(pebbleBackend, "delete", err)
	if err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	s.hub.notify(collection)
	return nil
}

// Get reads a single document.
func (s *PebbleStore) Get(_ context.Context, path string) (*Snapshot, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	collection, id, err := SplitPath(path)
	if err != nil {
		return nil, err
	}

	rec, err := s.read(docKey(collection, id))
	metrics.RecordStore(pebbleBackend, "get", err)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	if rec == nil {
		return &Snapshot{Path: path, ID: id}, nil
	}
	fields, err := decodeFields(rec.Fields)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Path: path, ID: id, Fields: fields, Exists: true, Seq: rec.Seq}, nil
}

// List returns the documents of a collection in query order.
func (s *PebbleStore) List(_ context.Context, q Query) ([]Snapshot, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if err := validateQuery(q); err != nil {
		return nil, err
	}

	docs, err := s.scan(q.Collection)
	metrics.RecordStore(pebbleBackend, "list", err)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", q.Collection, err)
	}
	sortSnapshots(docs, q.OrderBy)
	return docs, nil
}

func (s *PebbleStore) scan(collection string) ([]Snapshot, error) {
	lower, upper := collectionBounds(collection)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := iter.Close(); cerr != nil {
			slog.Warn("failed to close pebble iterator", "error", cerr)
		}
	}()

	var docs []Snapshot
	for iter.First(); iter.Valid(); iter.Next() {
		id := string(bytes.TrimPrefix(iter.Key(), lower))
		var rec pebbleRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", id, err)
		}
		fields, err := decodeFields(rec.Fields)
		if err != nil {
			return nil, err
		}
		docs = append(docs, Snapshot{
			Path:   collection + "/" + id,
			ID:     id,
			Fields: fields,
			Exists: true,
			Seq:    rec.Seq,
		})
	}
	return docs, iter.Error()
}

// Subscribe starts a live query on q.
func (s *PebbleStore) Subscribe(ctx context.Context, q Query, fn Listener) (Subscription, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if err := validateQuery(q); err != nil {
		return nil, err
	}
	return s.hub.subscribe(ctx, q, fn), nil
}

// Close stops live queries and closes the database.
func (s *PebbleStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.hub.closeAll()
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close pebble: %w", err)
	}
	return nil
}

// sortSnapshots orders docs by the numeric field orderBy ascending, then by
// arrival order. Documents missing the field sort first.
func sortSnapshots(docs []Snapshot, orderBy string) {
	sort.SliceStable(docs, func(i, j int) bool {
		if orderBy != "" {
			a, aok := numericField(docs[i].Fields, orderBy)
			b, bok := numericField(docs[j].Fields, orderBy)
			switch {
			case aok != bok:
				return !aok
			case aok && a.Cmp(b) != 0:
				return a.Cmp(b) < 0
			}
		}
		return docs[i].Seq < docs[j].Seq
	})
}

func numericField(fields Fields, key string) (*big.Float, bool) {
	switch v := fields[key].(type) {
	case json.Number:
		f, _, err := big.ParseFloat(v.String(), 10, 64, big.ToNearestEven)
		if err != nil {
			return nil, false
		}
		return f, true
	case float64:
		return big.NewFloat(v), true
	case int64:
		return new(big.Float).SetInt64(v), true
	case int:
		return new(big.Float).SetInt64(int64(v)), true
	default:
		return nil, false
	}
}
