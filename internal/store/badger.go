package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"

	"github.com/ppiankov/evidentia/internal/model"
)

const prefixEvent byte = 0x10

// envelope wraps every stored record with its version for conditional writes
type envelope struct {
	V int64           `json:"v"`
	D json.RawMessage `json:"d"`
}

// BadgerPersister stores records and the event journal in BadgerDB
type BadgerPersister struct {
	db     *badger.DB
	logger *slog.Logger
}

// badgerLogger adapts slog to badger's logger interface
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// OpenBadger opens a persister at dir, or in memory when inMemory is set
func OpenBadger(dir string, inMemory bool, logger *slog.Logger) (*BadgerPersister, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var opts badger.Options
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if dir == "" {
			return nil, errors.New("storage path is required for a persistent store")
		}
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create storage directory %s: %w", dir, err)
		}
		opts = badger.DefaultOptions(dir).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1).WithLogger(&badgerLogger{logger: logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerPersister{db: db, logger: logger}, nil
}

func recordKey(kind RecordKind, id string) []byte {
	key := make([]byte, 1+len(id))
	key[0] = byte(kind)
	copy(key[1:], id)
	return key
}

func eventKey(seq uint64) []byte {
	key := make([]byte, 9)
	key[0] = prefixEvent
	binary.BigEndian.PutUint64(key[1:], seq)
	return key
}

// storedVersion returns the version of the record at key, 0 if absent
func storedVersion(txn *badger.Txn, key []byte) (int64, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var env envelope
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &env)
	}); err != nil {
		return 0, fmt.Errorf("decode stored record: %w", err)
	}
	return env.V, nil
}

// Commit writes the batch in one badger transaction. Every record's stored
// version is re-read and compared with PrevVersion first.
func (p *BadgerPersister) Commit(ctx context.Context, batch *Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return p.db.Update(func(txn *badger.Txn) error {
		for _, rec := range batch.Records {
			key := recordKey(rec.Kind, rec.ID)
			current, err := storedVersion(txn, key)
			if err != nil {
				return fmt.Errorf("read %s %s: %w", rec.Kind, rec.ID, err)
			}
			if current != rec.PrevVersion {
				return &model.VersionConflictError{Entity: rec.Kind.String(), ID: rec.ID, Expected: rec.PrevVersion, Actual: current}
			}

			data, err := json.Marshal(rec.Value)
			if err != nil {
				return fmt.Errorf("encode %s %s: %w", rec.Kind, rec.ID, err)
			}
			val, err := json.Marshal(envelope{V: rec.Version, D: data})
			if err != nil {
				return fmt.Errorf("encode envelope: %w", err)
			}
			if err := txn.Set(key, val); err != nil {
				return fmt.Errorf("write %s %s: %w", rec.Kind, rec.ID, err)
			}
		}

		for _, ev := range batch.Events {
			val, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("encode event %d: %w", ev.Seq, err)
			}
			if err := txn.Set(eventKey(ev.Seq), val); err != nil {
				return fmt.Errorf("journal event %d: %w", ev.Seq, err)
			}
		}
		return nil
	})
}

// loadPrefix decodes every record stored under kind
func loadPrefix[T any](txn *badger.Txn, kind RecordKind) ([]*T, error) {
	prefix := []byte{byte(kind)}
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	var out []*T
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var env envelope
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &env)
		}); err != nil {
			return nil, fmt.Errorf("decode %s envelope: %w", kind, err)
		}

		v := new(T)
		if err := json.Unmarshal(env.D, v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// Load reads every record and the event journal
func (p *BadgerPersister) Load(ctx context.Context) (*Loaded, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	loaded := &Loaded{}
	err := p.db.View(func(txn *badger.Txn) error {
		var err error
		if loaded.Units, err = loadPrefix[model.Unit](txn, KindUnit); err != nil {
			return err
		}
		if loaded.Grids, err = loadPrefix[model.Grid](txn, KindGrid); err != nil {
			return err
		}
		if loaded.Cells, err = loadPrefix[model.Cell](txn, KindCell); err != nil {
			return err
		}
		if loaded.Relationships, err = loadPrefix[model.Relationship](txn, KindRelationship); err != nil {
			return err
		}
		if loaded.Fragments, err = loadPrefix[model.EvidenceFragment](txn, KindFragment); err != nil {
			return err
		}
		if loaded.Decisions, err = loadPrefix[model.PendingDecision](txn, KindDecision); err != nil {
			return err
		}
		if loaded.Predicaments, err = loadPrefix[model.Predicament](txn, KindPredicament); err != nil {
			return err
		}
		if loaded.Overrides, err = loadPrefix[model.Override](txn, KindOverride); err != nil {
			return err
		}

		prefix := []byte{prefixEvent}
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var ev model.ChangeEvent
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &ev)
			}); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			loaded.Events = append(loaded.Events, ev)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load store: %w", err)
	}

	p.logger.Debug("store loaded",
		"units", len(loaded.Units),
		"grids", len(loaded.Grids),
		"cells", len(loaded.Cells),
		"events", len(loaded.Events))
	return loaded, nil
}

// Close closes the underlying database
func (p *BadgerPersister) Close() error {
	return p.db.Close()
}
