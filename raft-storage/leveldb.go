package storage

import (
	"encoding/binary"
	"errors"
	"fmt"

	casualfs "github.com/Konstantsiy/casual-fs"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	stateKey  = []byte("state")
	logPrefix = []byte("log/")

	syncWrite = &opt.WriteOptions{Sync: true}
)

// levelStorage keeps term and vote under "state" and every entry under
// "log/<big endian index>", so a prefix scan returns the log in order.
type levelStorage struct {
	db     *leveldb.DB
	last   uint32
	loaded bool
}

func OpenLevelDB(path string) (*levelStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("cannot open leveldb log: %w", err)
	}

	return &levelStorage{db: db}, nil
}

func logKey(index uint32) []byte {
	var key = make([]byte, len(logPrefix)+4)
	copy(key, logPrefix)
	binary.BigEndian.PutUint32(key[len(logPrefix):], index)
	return key
}

func (s *levelStorage) Load() (State, error) {
	var state State

	data, err := s.db.Get(stateKey, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		return state, fmt.Errorf("cannot read persistent state: %w", err)
	case len(data) != 8:
		return state, fmt.Errorf("%w: state record has %d bytes", ErrCorrupted, len(data))
	default:
		state.CurrentTerm = binary.BigEndian.Uint32(data[0:4])
		state.VotedFor = binary.BigEndian.Uint32(data[4:8])
	}

	iter := s.db.NewIterator(util.BytesPrefix(logPrefix), nil)
	defer iter.Release()

	for iter.Next() {
		var key, value = iter.Key(), iter.Value()
		if len(key) != len(logPrefix)+4 || len(value) < 4 {
			return state, fmt.Errorf("%w: malformed log record %q", ErrCorrupted, key)
		}

		var entry = casualfs.LogEntry{
			Index:   binary.BigEndian.Uint32(key[len(logPrefix):]),
			Term:    binary.BigEndian.Uint32(value[0:4]),
			Command: append([]byte(nil), value[4:]...),
		}

		if entry.Index != uint32(len(state.Entries))+1 {
			return state, fmt.Errorf("%w: entry %d has index %d", ErrCorrupted, len(state.Entries)+1, entry.Index)
		}

		state.Entries = append(state.Entries, entry)
	}

	if err = iter.Error(); err != nil {
		return state, fmt.Errorf("cannot scan log: %w", err)
	}

	s.last = uint32(len(state.Entries))
	s.loaded = true
	return state, nil
}

func (s *levelStorage) SaveState(term, votedFor uint32) error {
	if !s.loaded {
		return ErrNotLoaded
	}

	var buf = make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], term)
	binary.BigEndian.PutUint32(buf[4:8], votedFor)

	if err := s.db.Put(stateKey, buf, syncWrite); err != nil {
		return fmt.Errorf("cannot write persistent state: %w", err)
	}
	return nil
}

func (s *levelStorage) Append(entries []casualfs.LogEntry) error {
	if !s.loaded {
		return ErrNotLoaded
	}
	if len(entries) == 0 {
		return nil
	}
	if err := checkContiguous(s.last, entries); err != nil {
		return err
	}

	var batch = new(leveldb.Batch)
	for _, entry := range entries {
		var value = make([]byte, 4+len(entry.Command))
		binary.BigEndian.PutUint32(value[0:4], entry.Term)
		copy(value[4:], entry.Command)

		batch.Put(logKey(entry.Index), value)
	}

	if err := s.db.Write(batch, syncWrite); err != nil {
		return fmt.Errorf("cannot write log entries [%d..%d]: %w",
			entries[0].Index, entries[len(entries)-1].Index, err)
	}

	s.last = entries[len(entries)-1].Index
	return nil
}

func (s *levelStorage) TruncateFrom(index uint32) error {
	if !s.loaded {
		return ErrNotLoaded
	}
	if index == 0 {
		index = 1
	}
	if index > s.last {
		return nil
	}

	var batch = new(leveldb.Batch)
	for i := index; i <= s.last; i++ {
		batch.Delete(logKey(i))
	}

	if err := s.db.Write(batch, syncWrite); err != nil {
		return fmt.Errorf("cannot truncate log from %d: %w", index, err)
	}

	s.last = index - 1
	return nil
}

func (s *levelStorage) Close() error {
	return s.db.Close()
}
