package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// LevelDBStore keeps records in an embedded LevelDB database. It survives
// restarts without rewriting a whole file on every save.
type LevelDBStore struct {
	Now func() time.Time

	db *leveldb.DB
}

func NewLevelDBStore(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{
		BlockCacheCapacity: 8 * opt.MiB,
		WriteBuffer:        4 * opt.MiB,
	})
	if err != nil {
		return nil, err
	}
	return &LevelDBStore{db: db}, nil
}

func (l *LevelDBStore) Close() error {
	return l.db.Close()
}

func (l *LevelDBStore) Get(_ context.Context, key string) (*Record, error) {
	blob, err := l.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(blob, &rec); err != nil {
		return nil, err
	}
	if rec.Expired(clock(l.Now)) {
		return nil, l.db.Delete([]byte(key), nil)
	}
	return &rec, nil
}

func (l *LevelDBStore) Save(_ context.Context, key string, record Record) error {
	blob, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return l.db.Put([]byte(key), blob, &opt.WriteOptions{Sync: true})
}
