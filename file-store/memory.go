package store

import (
	"fmt"
	"sort"
	"sync"

	casualfs "github.com/Konstantsiy/casual-fs"
	"github.com/c2h5oh/datasize"
)

type memoryStore struct {
	mx sync.RWMutex

	files   map[string]casualfs.FileMetadata
	blocks  map[string][]byte
	applied uint32

	maxBlockSize datasize.ByteSize
}

func NewMemory(maxBlockSize datasize.ByteSize) *memoryStore {
	return &memoryStore{
		files:        make(map[string]casualfs.FileMetadata),
		blocks:       make(map[string][]byte),
		maxBlockSize: maxBlockSize,
	}
}

func (s *memoryStore) Get(filename string) (casualfs.FileMetadata, error) {
	meta, err := s.Lookup(filename)
	if err != nil {
		return meta, err
	}
	if meta.Deleted {
		return casualfs.FileMetadata{}, fmt.Errorf("%w: %s", casualfs.ErrNotFound, filename)
	}
	return meta, nil
}

func (s *memoryStore) Lookup(filename string) (casualfs.FileMetadata, error) {
	s.mx.RLock()
	defer s.mx.RUnlock()

	meta, ok := s.files[filename]
	if !ok {
		return casualfs.FileMetadata{}, fmt.Errorf("%w: %s", casualfs.ErrNotFound, filename)
	}
	return copyMeta(meta), nil
}

func (s *memoryStore) List() ([]casualfs.FileMetadata, error) {
	s.mx.RLock()
	defer s.mx.RUnlock()

	var res = make([]casualfs.FileMetadata, 0, len(s.files))
	for _, meta := range s.files {
		res = append(res, copyMeta(meta))
	}

	sort.Slice(res, func(i, j int) bool { return res[i].Filename < res[j].Filename })
	return res, nil
}

func (s *memoryStore) Put(index uint32, meta casualfs.FileMetadata) error {
	s.mx.Lock()
	defer s.mx.Unlock()

	if err := checkApplied(s.applied, index); err != nil {
		return err
	}

	s.files[meta.Filename] = copyMeta(meta)
	s.applied = index
	return nil
}

func (s *memoryStore) Delete(index uint32, filename string, version uint32) error {
	s.mx.Lock()
	defer s.mx.Unlock()

	if err := checkApplied(s.applied, index); err != nil {
		return err
	}
	if _, ok := s.files[filename]; !ok {
		return fmt.Errorf("%w: %s", casualfs.ErrNotFound, filename)
	}

	s.files[filename] = tombstone(filename, version)
	s.applied = index
	return nil
}

func (s *memoryStore) MarkApplied(index uint32) error {
	s.mx.Lock()
	defer s.mx.Unlock()

	if err := checkApplied(s.applied, index); err != nil {
		return err
	}

	s.applied = index
	return nil
}

func (s *memoryStore) AppliedIndex() (uint32, error) {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return s.applied, nil
}

func (s *memoryStore) PutBlock(id string, data []byte) error {
	if err := checkBlock(id, data, s.maxBlockSize); err != nil {
		return err
	}

	s.mx.Lock()
	defer s.mx.Unlock()

	if _, ok := s.blocks[id]; !ok {
		s.blocks[id] = append([]byte(nil), data...)
	}
	return nil
}

func (s *memoryStore) GetBlock(id string) ([]byte, error) {
	s.mx.RLock()
	defer s.mx.RUnlock()

	data, ok := s.blocks[id]
	if !ok {
		return nil, fmt.Errorf("%w: block %s", casualfs.ErrNotFound, id)
	}
	return append([]byte(nil), data...), nil
}

func (s *memoryStore) HasBlocks(ids []string) ([]string, error) {
	s.mx.RLock()
	defer s.mx.RUnlock()

	var res = make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := s.blocks[id]; ok {
			res = append(res, id)
		}
	}
	return res, nil
}

func (s *memoryStore) Close() error {
	return nil
}

func copyMeta(meta casualfs.FileMetadata) casualfs.FileMetadata {
	meta.BlockIDs = append([]string(nil), meta.BlockIDs...)
	return meta
}
