package storage

import (
	"sync"

	casualfs "github.com/Konstantsiy/casual-fs"
)

// memoryStorage is a volatile Storage for tests and throwaway clusters.
type memoryStorage struct {
	mx    sync.Mutex
	state State
}

func NewMemory() *memoryStorage {
	return &memoryStorage{}
}

func (s *memoryStorage) Load() (State, error) {
	s.mx.Lock()
	defer s.mx.Unlock()

	var state = s.state
	state.Entries = append([]casualfs.LogEntry(nil), s.state.Entries...)
	return state, nil
}

func (s *memoryStorage) SaveState(term, votedFor uint32) error {
	s.mx.Lock()
	defer s.mx.Unlock()

	s.state.CurrentTerm = term
	s.state.VotedFor = votedFor
	return nil
}

func (s *memoryStorage) Append(entries []casualfs.LogEntry) error {
	s.mx.Lock()
	defer s.mx.Unlock()

	if err := checkContiguous(uint32(len(s.state.Entries)), entries); err != nil {
		return err
	}

	s.state.Entries = append(s.state.Entries, entries...)
	return nil
}

func (s *memoryStorage) TruncateFrom(index uint32) error {
	s.mx.Lock()
	defer s.mx.Unlock()

	if index == 0 {
		index = 1
	}
	if int(index) <= len(s.state.Entries) {
		s.state.Entries = s.state.Entries[:index-1]
	}
	return nil
}

func (s *memoryStorage) Close() error {
	return nil
}
