package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/rendis/drip/internal/xjson"
	"github.com/rendis/drip/pkg/schema"
)

// Key layout:
//
//	run/<id>                     => run JSON
//	due/<wake unixnano, 20>/<id> => empty; one entry per waiting run
//	lease/<id>                   => badgerLease JSON
//	evseq/<run id>               => last event sequence (decimal)
//	event/<run id>/<seq, 20>     => event JSON
//	secret/<key>                 => raw bytes
const (
	prefixRun    = "run/"
	prefixDue    = "due/"
	prefixLease  = "lease/"
	prefixEvSeq  = "evseq/"
	prefixEvent  = "event/"
	prefixSecret = "secret/"
)

const conflictRetries = 8

type badgerLease struct {
	Owner   string `json:"owner"`
	Expires int64  `json:"expires"`
}

// BadgerStore implements RunStore, EventStore and SecretStore on an embedded
// Badger database. Waiting runs are indexed under due/ so ListDue is a
// bounded prefix scan.
type BadgerStore struct {
	db     *badger.DB
	events *badger.Sequence
	now    func() time.Time
}

// NewBadgerStore opens (or creates) a Badger database in dir. An empty dir
// opens an in-memory database.
func NewBadgerStore(dir string, logger *slog.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = &badgerLogger{logger: logger.With("component", "badger")}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	seq, err := db.GetSequence([]byte("seq/event_id"), 128)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("event id sequence: %w", err)
	}
	return &BadgerStore{db: db, events: seq, now: time.Now}, nil
}

// Close releases the sequence lease and closes the database.
func (s *BadgerStore) Close() error {
	return errors.Join(s.events.Release(), s.db.Close())
}

// update runs fn in a read-write transaction, retrying on conflicts.
func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < conflictRetries; i++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func runKey(id string) []byte { return []byte(prefixRun + id) }

func dueKey(wake time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", prefixDue, wake.UnixNano(), id))
}

func (s *BadgerStore) PutRun(_ context.Context, run *schema.Run) error {
	data, err := encodeRun(run)
	if err != nil {
		return schema.PersistenceError("encode run", err)
	}
	err = s.update(func(txn *badger.Txn) error {
		if prev, err := getRun(txn, run.ID); err == nil {
			if prev.WakeAt != nil {
				if err := txn.Delete(dueKey(*prev.WakeAt, prev.ID)); err != nil {
					return err
				}
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(runKey(run.ID), data); err != nil {
			return err
		}
		if run.Status == schema.RunStatusWaiting && run.WakeAt != nil {
			return txn.Set(dueKey(*run.WakeAt, run.ID), nil)
		}
		return nil
	})
	if err != nil {
		return schema.PersistenceError("put run "+run.ID, err)
	}
	return nil
}

func getRun(txn *badger.Txn, id string) (*schema.Run, error) {
	item, err := txn.Get(runKey(id))
	if err != nil {
		return nil, err
	}
	var run *schema.Run
	err = item.Value(func(val []byte) error {
		var derr error
		run, derr = decodeRun(val)
		return derr
	})
	return run, err
}

func (s *BadgerStore) GetRun(_ context.Context, id string) (*schema.Run, error) {
	var run *schema.Run
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		run, err = getRun(txn, id)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, schema.PersistenceError("get run "+id, err)
	}
	return run, nil
}

func (s *BadgerStore) DeleteRun(_ context.Context, id string) error {
	return s.update(func(txn *badger.Txn) error {
		run, err := getRun(txn, id)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return storeNotFound("run", id)
		}
		if err != nil {
			return err
		}
		if run.WakeAt != nil {
			if err := txn.Delete(dueKey(*run.WakeAt, id)); err != nil {
				return err
			}
		}
		for _, k := range [][]byte{runKey(id), []byte(prefixLease + id), []byte(prefixEvSeq + id)} {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return deletePrefix(txn, []byte(prefixEvent+id+"/"))
	})
}

func deletePrefix(txn *badger.Txn, prefix []byte) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()
	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (s *BadgerStore) ListDue(_ context.Context, until time.Time, limit int) ([]*schema.Run, error) {
	bound := []byte(fmt.Sprintf("%s%020d/", prefixDue, until.UnixNano()))
	prefix := []byte(prefixDue)

	var runs []*schema.Run
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			// Keys sort by wake time; everything past the bound is later.
			if string(key[:len(bound)]) > string(bound) {
				break
			}
			id := string(key[len(bound):])
			run, err := getRun(txn, id)
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if run.Status != schema.RunStatusWaiting {
				continue
			}
			runs = append(runs, run)
			if limit > 0 && len(runs) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, schema.PersistenceError("list due runs", err)
	}
	return runs, nil
}

func (s *BadgerStore) ListRuns(_ context.Context, filter RunFilter) ([]*schema.Run, error) {
	prefix := []byte(prefixRun + filter.Prefix)
	limit := limitOrDefault(filter.Limit)

	var runs []*schema.Run
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var run *schema.Run
			if err := it.Item().Value(func(val []byte) error {
				var derr error
				run, derr = decodeRun(val)
				return derr
			}); err != nil {
				return err
			}
			if !filter.Matches(run) {
				continue
			}
			runs = append(runs, run)
			if len(runs) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, schema.PersistenceError("list runs", err)
	}
	return runs, nil
}

// --- Leases ---

func getLease(txn *badger.Txn, id string) (*badgerLease, error) {
	item, err := txn.Get([]byte(prefixLease + id))
	if err != nil {
		return nil, err
	}
	var l badgerLease
	err = item.Value(func(val []byte) error { return xjson.Unmarshal(val, &l) })
	return &l, err
}

func putLease(txn *badger.Txn, id string, l badgerLease) error {
	data, err := xjson.Marshal(l)
	if err != nil {
		return err
	}
	return txn.Set([]byte(prefixLease+id), data)
}

func (s *BadgerStore) TryAcquireLease(_ context.Context, id, owner string, ttl time.Duration) (bool, error) {
	if err := checkLeaseArgs(owner, ttl); err != nil {
		return false, err
	}
	acquired := false
	err := s.update(func(txn *badger.Txn) error {
		acquired = false
		now := s.now()
		cur, err := getLease(txn, id)
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if cur != nil && cur.Owner != owner && now.UnixNano() < cur.Expires {
			return nil
		}
		acquired = true
		return putLease(txn, id, badgerLease{Owner: owner, Expires: now.Add(ttl).UnixNano()})
	})
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	return acquired, nil
}

func (s *BadgerStore) RenewLease(_ context.Context, id, owner string, ttl time.Duration) (bool, error) {
	if err := checkLeaseArgs(owner, ttl); err != nil {
		return false, err
	}
	renewed := false
	err := s.update(func(txn *badger.Txn) error {
		renewed = false
		now := s.now()
		cur, err := getLease(txn, id)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if cur.Owner != owner || now.UnixNano() >= cur.Expires {
			return nil
		}
		renewed = true
		return putLease(txn, id, badgerLease{Owner: owner, Expires: now.Add(ttl).UnixNano()})
	})
	if err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	return renewed, nil
}

func (s *BadgerStore) ReleaseLease(_ context.Context, id, owner string) error {
	return s.update(func(txn *badger.Txn) error {
		cur, err := getLease(txn, id)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if cur.Owner != owner {
			return nil
		}
		return txn.Delete([]byte(prefixLease + id))
	})
}

// --- Events ---

func eventKey(runID string, seq int64) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d", prefixEvent, runID, seq))
}

func (s *BadgerStore) AppendEvent(_ context.Context, event *Event) error {
	id, err := s.events.Next()
	if err != nil {
		return fmt.Errorf("next event id: %w", err)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now().UTC()
	}

	var seq int64
	err = s.update(func(txn *badger.Txn) error {
		seq = 1
		seqKey := []byte(prefixEvSeq + event.RunID)
		item, err := txn.Get(seqKey)
		switch {
		case err == nil:
			if err := item.Value(func(val []byte) error {
				n, perr := strconv.ParseInt(string(val), 10, 64)
				seq = n + 1
				return perr
			}); err != nil {
				return err
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		ev := *event
		ev.ID = int64(id) + 1
		ev.Sequence = seq
		data, err := xjson.Marshal(&ev)
		if err != nil {
			return err
		}
		if err := txn.Set(seqKey, []byte(strconv.FormatInt(seq, 10))); err != nil {
			return err
		}
		return txn.Set(eventKey(event.RunID, seq), data)
	})
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	event.ID = int64(id) + 1
	event.Sequence = seq
	return nil
}

func (s *BadgerStore) scanEvents(prefix []byte, keep func(*Event) bool) ([]*Event, error) {
	var out []*Event
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var ev Event
			if err := it.Item().Value(func(val []byte) error { return xjson.Unmarshal(val, &ev) }); err != nil {
				return err
			}
			if keep(&ev) {
				out = append(out, &ev)
			}
		}
		return nil
	})
	return out, err
}

func (s *BadgerStore) GetEvents(_ context.Context, runID string, since int64) ([]*Event, error) {
	events, err := s.scanEvents([]byte(prefixEvent+runID+"/"), func(ev *Event) bool {
		return ev.Sequence > since
	})
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	return events, nil
}

func (s *BadgerStore) GetEventsByType(_ context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	prefix := prefixEvent
	if filter.RunID != "" {
		prefix += filter.RunID + "/"
	}
	events, err := s.scanEvents([]byte(prefix), func(ev *Event) bool {
		return matchesEvent(ev, eventType, filter)
	})
	if err != nil {
		return nil, fmt.Errorf("get events by type: %w", err)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })
	if filter.Limit > 0 && len(events) > filter.Limit {
		events = events[:filter.Limit]
	}
	return events, nil
}

// --- Secrets ---

func (s *BadgerStore) StoreSecret(_ context.Context, key string, value []byte) error {
	return s.update(func(txn *badger.Txn) error {
		return txn.Set([]byte(prefixSecret+key), append([]byte(nil), value...))
	})
}

func (s *BadgerStore) GetSecret(_ context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixSecret + key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, storeNotFound("secret", key)
	}
	return out, err
}

func (s *BadgerStore) DeleteSecret(_ context.Context, key string) error {
	return s.update(func(txn *badger.Txn) error {
		k := []byte(prefixSecret + key)
		if _, err := txn.Get(k); errors.Is(err, badger.ErrKeyNotFound) {
			return storeNotFound("secret", key)
		} else if err != nil {
			return err
		}
		return txn.Delete(k)
	})
}

func (s *BadgerStore) ListSecrets(_ context.Context) ([]string, error) {
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(prefixSecret)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, strings.TrimPrefix(string(it.Item().Key()), prefixSecret))
		}
		return nil
	})
	return keys, err
}

// RunValueLogGC reclaims value log space. Safe to call periodically.
func (s *BadgerStore) RunValueLogGC() error {
	err := s.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrGCInMemoryMode) {
		return nil
	}
	return err
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(f string, v ...interface{}) {
	l.logger.Error(fmt.Sprintf(f, v...))
}

func (l *badgerLogger) Warningf(f string, v ...interface{}) {
	l.logger.Warn(fmt.Sprintf(f, v...))
}

func (l *badgerLogger) Infof(f string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(f, v...))
}

func (l *badgerLogger) Debugf(f string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(f, v...))
}

var (
	_ RunStore    = (*BadgerStore)(nil)
	_ EventStore  = (*BadgerStore)(nil)
	_ SecretStore = (*BadgerStore)(nil)
)
