package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/prebuf/internal/store"
	"github.com/tanq16/prebuf/internal/utils"
)

// Key layout:
//
//	m:<hash>                 Meta (JSON)
//	c:<hash>:<offset hex16>  chunk bytes, at most maxValueSize each
//
// <hash> is utils.CacheKey(url). Fixed-width hex offsets keep chunk keys in
// offset order under prefix iteration.
const (
	prefixMeta  = "m:"
	prefixChunk = "c:"

	maxValueSize = 1 << 20
)

func keyMeta(hash string) []byte {
	return []byte(prefixMeta + hash)
}

func keyChunkPrefix(hash string) []byte {
	return []byte(prefixChunk + hash + ":")
}

func keyChunk(hash string, offset int64) []byte {
	return fmt.Appendf(nil, "%s%s:%016x", prefixChunk, hash, offset)
}

func offsetFromKey(key []byte) (int64, error) {
	s := string(key)
	idx := strings.LastIndexByte(s, ':')
	if idx < 0 {
		return 0, fmt.Errorf("malformed chunk key %q", s)
	}
	return strconv.ParseInt(s[idx+1:], 16, 64)
}

type Config struct {
	Dir      string
	InMemory bool
}

type BadgerStore struct {
	db     *badgerdb.DB
	closed atomic.Bool
}

func New(cfg Config) (*BadgerStore, error) {
	var opts badgerdb.Options
	if cfg.InMemory {
		opts = badgerdb.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Dir == "" {
			return nil, errors.New("badger store requires a directory")
		}
		opts = badgerdb.DefaultOptions(cfg.Dir)
	}
	opts = opts.WithLogger(nil)
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("error opening badger database: %w", err)
	}
	log.Debug().Str("op", "store/badger").Msgf("Opened badger store (dir=%q, memory=%t)", cfg.Dir, cfg.InMemory)
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) check(ctx context.Context) error {
	if s.closed.Load() {
		return store.ErrStoreClosed
	}
	return ctx.Err()
}

func getMeta(txn *badgerdb.Txn, hash string) (store.Meta, error) {
	var meta store.Meta
	item, err := txn.Get(keyMeta(hash))
	if err == badgerdb.ErrKeyNotFound {
		return meta, store.ErrNotFound
	} else if err != nil {
		return meta, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &meta)
	})
	return meta, err
}

func (s *BadgerStore) Load(ctx context.Context, url string) (*store.Object, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	hash := utils.CacheKey(url)
	obj := &store.Object{}
	err := s.db.View(func(txn *badgerdb.Txn) error {
		meta, err := getMeta(txn, hash)
		if err != nil {
			return err
		}
		obj.Meta = meta

		prefix := keyChunkPrefix(hash)
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			offset, err := offsetFromKey(item.Key())
			if err != nil {
				return err
			}
			data, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			obj.Chunks = append(obj.Chunks, store.Chunk{Offset: offset, Data: data})
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("error loading %s: %w", url, err)
	}
	return obj, nil
}

// WriteChunk splits data into values of at most 1 MiB and writes them with
// the merged meta through a write batch, so large streaming reads never hit
// the transaction size limit.
func (s *BadgerStore) WriteChunk(ctx context.Context, meta store.Meta, offset int64, data []byte) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	hash := utils.CacheKey(meta.URL)
	var prev store.Meta
	err := s.db.View(func(txn *badgerdb.Txn) error {
		var err error
		prev, err = getMeta(txn, hash)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("error reading meta: %w", err)
	}
	metaBytes, err := json.Marshal(store.MergeMeta(prev, meta))
	if err != nil {
		return fmt.Errorf("error encoding meta: %w", err)
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for pos := 0; pos < len(data); pos += maxValueSize {
		end := min(pos+maxValueSize, len(data))
		if err := wb.Set(keyChunk(hash, offset+int64(pos)), data[pos:end]); err != nil {
			return fmt.Errorf("error writing chunk: %w", err)
		}
	}
	if err := wb.Set(keyMeta(hash), metaBytes); err != nil {
		return fmt.Errorf("error writing meta: %w", err)
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("error flushing batch: %w", err)
	}
	return nil
}

func (s *BadgerStore) Delete(ctx context.Context, url string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	hash := utils.CacheKey(url)
	keys := [][]byte{keyMeta(hash)}
	err := s.db.View(func(txn *badgerdb.Txn) error {
		prefix := keyChunkPrefix(hash)
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("error scanning chunks: %w", err)
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return fmt.Errorf("error deleting key: %w", err)
		}
	}
	return wb.Flush()
}

func (s *BadgerStore) List(ctx context.Context) ([]store.Meta, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	var metas []store.Meta
	err := s.db.View(func(txn *badgerdb.Txn) error {
		prefix := []byte(prefixMeta)
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var meta store.Meta
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &meta)
			}); err != nil {
				return err
			}
			metas = append(metas, meta)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error listing entries: %w", err)
	}
	return metas, nil
}

func (s *BadgerStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
