package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"

	casualfs "github.com/Konstantsiy/casual-fs"
	"github.com/c2h5oh/datasize"
	"github.com/dgraph-io/badger/v4"
)

var (
	metaPrefix  = []byte("m/")
	blockPrefix = []byte("b/")
	appliedKey  = []byte("applied")
)

// badgerStore keeps metadata under "m/<filename>", blocks under "b/<id>" and
// the last applied log index under "applied". A metadata change and the
// applied index are written in one transaction.
type badgerStore struct {
	db           *badger.DB
	maxBlockSize datasize.ByteSize
}

// OpenBadger opens the store in opts.Dir. An empty Dir keeps everything in
// memory, which is what the tests use.
func OpenBadger(opts Options) (*badgerStore, error) {
	var bopts = badger.DefaultOptions(opts.Dir).
		WithSyncWrites(true).
		WithLogger(badgerLogger{})

	if opts.Dir == "" {
		bopts = bopts.WithInMemory(true)
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("cannot open badger store: %w", err)
	}

	return &badgerStore{db: db, maxBlockSize: opts.MaxBlockSize}, nil
}

func metaKey(filename string) []byte {
	return append(append([]byte(nil), metaPrefix...), filename...)
}

func blockKey(id string) []byte {
	return append(append([]byte(nil), blockPrefix...), id...)
}

func (s *badgerStore) Get(filename string) (casualfs.FileMetadata, error) {
	meta, err := s.Lookup(filename)
	if err != nil {
		return meta, err
	}
	if meta.Deleted {
		return casualfs.FileMetadata{}, fmt.Errorf("%w: %s", casualfs.ErrNotFound, filename)
	}
	return meta, nil
}

func (s *badgerStore) Lookup(filename string) (casualfs.FileMetadata, error) {
	var meta casualfs.FileMetadata

	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		meta, err = getMeta(txn, filename)
		return err
	})
	return meta, err
}

func getMeta(txn *badger.Txn, filename string) (casualfs.FileMetadata, error) {
	item, err := txn.Get(metaKey(filename))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return casualfs.FileMetadata{}, fmt.Errorf("%w: %s", casualfs.ErrNotFound, filename)
	}
	if err != nil {
		return casualfs.FileMetadata{}, fmt.Errorf("cannot read metadata of %s: %w", filename, err)
	}

	var meta casualfs.FileMetadata
	err = item.Value(func(val []byte) error {
		meta, err = decodeMeta(val)
		return err
	})
	return meta, err
}

func (s *badgerStore) List() ([]casualfs.FileMetadata, error) {
	var res []casualfs.FileMetadata

	err := s.db.View(func(txn *badger.Txn) error {
		var opts = badger.DefaultIteratorOptions
		opts.Prefix = metaPrefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				meta, err := decodeMeta(val)
				if err != nil {
					return err
				}
				res = append(res, meta)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cannot list files: %w", err)
	}

	// keys are sorted, so is the result
	return res, nil
}

func (s *badgerStore) Put(index uint32, meta casualfs.FileMetadata) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := advanceApplied(txn, index); err != nil {
			return err
		}
		return txn.Set(metaKey(meta.Filename), encodeMeta(meta))
	})
}

func (s *badgerStore) Delete(index uint32, filename string, version uint32) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := advanceApplied(txn, index); err != nil {
			return err
		}
		if _, err := getMeta(txn, filename); err != nil {
			return err
		}
		return txn.Set(metaKey(filename), encodeMeta(tombstone(filename, version)))
	})
}

func (s *badgerStore) MarkApplied(index uint32) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return advanceApplied(txn, index)
	})
}

func (s *badgerStore) AppliedIndex() (uint32, error) {
	var applied uint32

	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		applied, err = getApplied(txn)
		return err
	})
	return applied, err
}

func getApplied(txn *badger.Txn) (uint32, error) {
	item, err := txn.Get(appliedKey)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("cannot read applied index: %w", err)
	}

	val, err := item.ValueCopy(nil)
	if err != nil {
		return 0, fmt.Errorf("cannot read applied index: %w", err)
	}
	if len(val) != 4 {
		return 0, fmt.Errorf("applied index has %d bytes", len(val))
	}
	return binary.BigEndian.Uint32(val), nil
}

func advanceApplied(txn *badger.Txn, index uint32) error {
	applied, err := getApplied(txn)
	if err != nil {
		return err
	}
	if err = checkApplied(applied, index); err != nil {
		return err
	}

	var val = make([]byte, 4)
	binary.BigEndian.PutUint32(val, index)
	return txn.Set(appliedKey, val)
}

func (s *badgerStore) PutBlock(id string, data []byte) error {
	if err := checkBlock(id, data, s.maxBlockSize); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(blockKey(id))
		switch {
		case err == nil:
			return nil
		case !errors.Is(err, badger.ErrKeyNotFound):
			return fmt.Errorf("cannot check block %s: %w", id, err)
		}
		return txn.Set(blockKey(id), data)
	})
}

func (s *badgerStore) GetBlock(id string) ([]byte, error) {
	var data []byte

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blockKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: block %s", casualfs.ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("cannot read block %s: %w", id, err)
		}

		data, err = item.ValueCopy(nil)
		return err
	})
	return data, err
}

func (s *badgerStore) HasBlocks(ids []string) ([]string, error) {
	var res = make([]string, 0, len(ids))

	err := s.db.View(func(txn *badger.Txn) error {
		for _, id := range ids {
			_, err := txn.Get(blockKey(id))
			switch {
			case err == nil:
				res = append(res, id)
			case !errors.Is(err, badger.ErrKeyNotFound):
				return fmt.Errorf("cannot check block %s: %w", id, err)
			}
		}
		return nil
	})
	return res, err
}

func (s *badgerStore) Close() error {
	return s.db.Close()
}

// badgerLogger forwards badger's warnings and errors to the standard logger,
// info and debug output is dropped.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	log.Printf("[badger] ERROR: "+format, args...)
}

func (badgerLogger) Warningf(format string, args ...interface{}) {
	log.Printf("[badger] WARNING: "+format, args...)
}

func (badgerLogger) Infof(string, ...interface{})  {}
func (badgerLogger) Debugf(string, ...interface{}) {}
