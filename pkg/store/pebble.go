package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/valyala/bytebufferpool"

	"taskpipe/pkg/task"
)

var (
	ErrNotOpen  = errors.New("store not open")
	ErrNotFound = errors.New("store: key not found")
)

const (
	resultPrefix = "result:"
	dlqPrefix    = "dlq:"
	dlqIdxPrefix = "dlqidx:"
)

// KeyPrefixes lists every key family the store writes.
func KeyPrefixes() []string { return []string{resultPrefix, dlqPrefix, dlqIdxPrefix} }

// Store persists results and dead letters in Pebble.
//
// Key layout:
//
//	result:<unix_nano_padded>-<seq>  -> task.Record
//	dlq:<unix_nano_padded>-<id>      -> DeadLetterRecord
//	dlqidx:<id>                      -> dlq key
type Store struct {
	mu   sync.RWMutex
	db   *pebble.DB
	path string
	log  *slog.Logger
	seq  uint64
}

// Open opens (or creates) a Pebble database at path.
func Open(path string, log *slog.Logger) (*Store, error) {
	return open(path, log, &pebble.Options{})
}

// OpenReadOnly opens an existing database without write access, for offline
// inspection.
func OpenReadOnly(path string, log *slog.Logger) (*Store, error) {
	return open(path, log, &pebble.Options{ReadOnly: true})
}

func open(path string, log *slog.Logger, opts *pebble.Options) (*Store, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	log.Info("opening_pebble_db", "path", path, "read_only", opts.ReadOnly)
	db, err := pebble.Open(path, opts)
	if err != nil {
		log.Error("pebble_open_failed", "path", path, "error", err)
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}
	log.Info("pebble_opened", "path", path)
	return &Store{db: db, path: path, log: log}, nil
}

// Close closes the database. It is safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return err
	}
	s.db = nil
	s.log.Info("pebble_closed")
	return nil
}

// Ready reports whether the store is opened and ready.
func (s *Store) Ready() bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db != nil
}

func (s *Store) Path() string { return s.path }

// with runs fn under the read lock so Close cannot race an in-flight call.
func (s *Store) with(fn func(db *pebble.DB) error) error {
	if s == nil {
		return ErrNotOpen
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrNotOpen
	}
	return fn(s.db)
}

// ApplyResults writes recs as one atomic, synced batch. Keys preserve the
// order of recs.
func (s *Store) ApplyResults(recs []task.Record) error {
	if len(recs) == 0 {
		return nil
	}
	return s.with(func(db *pebble.DB) error {
		b := db.NewBatch()
		defer b.Close()
		ts := time.Now().UTC().UnixNano()
		for _, rec := range recs {
			n := atomic.AddUint64(&s.seq, 1)
			key := fmt.Sprintf("%s%020d-%06d", resultPrefix, ts, n%1000000)
			if err := setJSON(b, key, rec); err != nil {
				return err
			}
		}
		if err := b.Commit(pebble.Sync); err != nil {
			s.log.Error("apply_results_failed", "count", len(recs), "error", err)
			return fmt.Errorf("commit results: %w", err)
		}
		s.log.Debug("results_applied", "count", len(recs))
		return nil
	})
}

// ListResults returns up to limit results, newest first. limit <= 0 means
// all.
func (s *Store) ListResults(limit int) ([]task.Record, error) {
	var out []task.Record
	err := s.with(func(db *pebble.DB) error {
		iter, err := db.NewIter(prefixOptions(resultPrefix))
		if err != nil {
			return err
		}
		defer iter.Close()
		for ok := iter.Last(); ok; ok = iter.Prev() {
			var rec task.Record
			if err := json.Unmarshal(iter.Value(), &rec); err != nil {
				return fmt.Errorf("decode %s: %w", iter.Key(), err)
			}
			out = append(out, rec)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return iter.Error()
	})
	return out, err
}

func (s *Store) CountResults() (int, error) { return s.count(resultPrefix) }

// DeadLetterRecord is the persisted form of a dead-lettered JSON task.
type DeadLetterRecord struct {
	ID        string          `json:"id"`
	ItemID    string          `json:"item_id"`
	Payload   json.RawMessage `json:"payload"`
	Retries   int             `json:"retries"`
	Reason    string          `json:"reason"`
	ArrivedAt time.Time       `json:"arrived_at"`
	FailedAt  time.Time       `json:"failed_at"`
}

// FromDeadLetter converts an in-memory dead letter.
func FromDeadLetter(dl task.DeadLetter[json.RawMessage]) DeadLetterRecord {
	return DeadLetterRecord{
		ID:        dl.ID.String(),
		ItemID:    dl.Item.ID.String(),
		Payload:   dl.Item.Payload,
		Retries:   dl.Item.Retries,
		Reason:    dl.Reason,
		ArrivedAt: dl.Item.ArrivedAt,
		FailedAt:  dl.FailedAt,
	}
}

// WorkItem rebuilds the work item for a replay. Retries are reset.
func (r DeadLetterRecord) WorkItem() (task.WorkItem[json.RawMessage], error) {
	id, err := uuid.Parse(r.ItemID)
	if err != nil {
		return task.WorkItem[json.RawMessage]{}, fmt.Errorf("dead letter %s: bad item id: %w", r.ID, err)
	}
	return task.WorkItem[json.RawMessage]{ID: id, Payload: r.Payload, ArrivedAt: r.ArrivedAt}, nil
}

// PutDeadLetter stores rec and its id index atomically.
func (s *Store) PutDeadLetter(ctx context.Context, rec DeadLetterRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.ID == "" {
		return errors.New("dead letter id is empty")
	}
	if rec.FailedAt.IsZero() {
		rec.FailedAt = time.Now().UTC()
	}
	return s.with(func(db *pebble.DB) error {
		key := dlqKey(rec.FailedAt, rec.ID)
		b := db.NewBatch()
		defer b.Close()
		if err := setJSON(b, key, rec); err != nil {
			return err
		}
		if err := b.Set([]byte(dlqIdxPrefix+rec.ID), []byte(key), nil); err != nil {
			return err
		}
		if err := b.Commit(pebble.Sync); err != nil {
			s.log.Error("dead_letter_save_failed", "id", rec.ID, "error", err)
			return fmt.Errorf("commit dead letter: %w", err)
		}
		return nil
	})
}

// ListDeadLetters returns up to limit entries, oldest first.
func (s *Store) ListDeadLetters(limit int) ([]DeadLetterRecord, error) {
	var out []DeadLetterRecord
	err := s.with(func(db *pebble.DB) error {
		iter, err := db.NewIter(prefixOptions(dlqPrefix))
		if err != nil {
			return err
		}
		defer iter.Close()
		for ok := iter.First(); ok; ok = iter.Next() {
			var rec DeadLetterRecord
			if err := json.Unmarshal(iter.Value(), &rec); err != nil {
				return fmt.Errorf("decode %s: %w", iter.Key(), err)
			}
			out = append(out, rec)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return iter.Error()
	})
	return out, err
}

// GetDeadLetter looks an entry up by id.
func (s *Store) GetDeadLetter(id string) (DeadLetterRecord, error) {
	var rec DeadLetterRecord
	err := s.with(func(db *pebble.DB) error {
		key, err := get(db, dlqIdxPrefix+id)
		if err != nil {
			return err
		}
		v, err := get(db, string(key))
		if err != nil {
			return err
		}
		return json.Unmarshal(v, &rec)
	})
	return rec, err
}

// DeleteDeadLetter removes an entry and its index.
func (s *Store) DeleteDeadLetter(id string) error {
	return s.with(func(db *pebble.DB) error {
		key, err := get(db, dlqIdxPrefix+id)
		if err != nil {
			return err
		}
		b := db.NewBatch()
		defer b.Close()
		_ = b.Delete(key, nil)
		_ = b.Delete([]byte(dlqIdxPrefix+id), nil)
		return b.Commit(pebble.Sync)
	})
}

// PurgeDeadLetters deletes entries that failed before cutoff and returns how
// many matched. With dryRun nothing is deleted.
func (s *Store) PurgeDeadLetters(cutoff time.Time, dryRun bool) (int, error) {
	n := 0
	err := s.with(func(db *pebble.DB) error {
		opts := prefixOptions(dlqPrefix)
		// keys sort by failure time so the cutoff is an upper bound
		opts.UpperBound = []byte(fmt.Sprintf("%s%020d", dlqPrefix, cutoff.UTC().UnixNano()))
		iter, err := db.NewIter(opts)
		if err != nil {
			return err
		}
		b := db.NewBatch()
		defer b.Close()
		for ok := iter.First(); ok; ok = iter.Next() {
			key := append([]byte(nil), iter.Key()...)
			n++
			if dryRun {
				continue
			}
			_ = b.Delete(key, nil)
			if id := idFromDLQKey(string(key)); id != "" {
				_ = b.Delete([]byte(dlqIdxPrefix+id), nil)
			}
		}
		if err := iter.Error(); err != nil {
			iter.Close()
			return err
		}
		if err := iter.Close(); err != nil {
			return err
		}
		if dryRun || n == 0 {
			return nil
		}
		return b.Commit(pebble.Sync)
	})
	return n, err
}

func (s *Store) CountDeadLetters() (int, error) { return s.count(dlqPrefix) }

// Keys lists raw keys under prefix, for inspection tools.
func (s *Store) Keys(prefix string, limit int) ([]string, error) {
	var out []string
	err := s.with(func(db *pebble.DB) error {
		opts := &pebble.IterOptions{}
		if prefix != "" {
			opts = prefixOptions(prefix)
		}
		iter, err := db.NewIter(opts)
		if err != nil {
			return err
		}
		defer iter.Close()
		for ok := iter.First(); ok; ok = iter.Next() {
			out = append(out, string(iter.Key()))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return iter.Error()
	})
	return out, err
}

// Get returns the raw value under key.
func (s *Store) Get(key string) ([]byte, error) {
	var out []byte
	err := s.with(func(db *pebble.DB) error {
		v, err := get(db, key)
		out = v
		return err
	})
	return out, err
}

func (s *Store) count(prefix string) (int, error) {
	n := 0
	err := s.with(func(db *pebble.DB) error {
		iter, err := db.NewIter(prefixOptions(prefix))
		if err != nil {
			return err
		}
		defer iter.Close()
		for ok := iter.First(); ok; ok = iter.Next() {
			n++
		}
		return iter.Error()
	})
	return n, err
}

func get(db *pebble.DB, key string) ([]byte, error) {
	v, closer, err := db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), nil
}

// setJSON encodes v through a pooled buffer. Batch.Set copies the bytes, so
// the buffer can go back to the pool straight away.
func setJSON(b *pebble.Batch, key string, v any) error {
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)
	if err := json.NewEncoder(bb).Encode(v); err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return b.Set([]byte(key), bytes.TrimRight(bb.B, "\n"), nil)
}

func prefixOptions(prefix string) *pebble.IterOptions {
	upper := []byte(prefix)
	upper[len(upper)-1]++
	return &pebble.IterOptions{LowerBound: []byte(prefix), UpperBound: upper}
}

func dlqKey(at time.Time, id string) string {
	return fmt.Sprintf("%s%020d-%s", dlqPrefix, at.UTC().UnixNano(), id)
}

func idFromDLQKey(key string) string {
	rest := strings.TrimPrefix(key, dlqPrefix)
	i := strings.IndexByte(rest, '-')
	if i < 0 {
		return ""
	}
	if _, err := strconv.ParseInt(rest[:i], 10, 64); err != nil {
		return ""
	}
	return rest[i+1:]
}

// DeadLetterSink persists dead letters of JSON tasks into a Store.
type DeadLetterSink struct {
	S *Store
}

func (d DeadLetterSink) Put(ctx context.Context, dl task.DeadLetter[json.RawMessage]) error {
	return d.S.PutDeadLetter(ctx, FromDeadLetter(dl))
}
