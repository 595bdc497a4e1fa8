package storage

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	casualfs "github.com/Konstantsiy/casual-fs"
)

const (
	headerSize      = 12
	entryHeaderSize = 12
)

// fileStorage keeps the whole state in a single file
/*
	The persistent state format is:
	[0..3]   - currentTerm (4 bytes)
	[4..7]   - votedFor    (4 bytes)
	[8..11]  - logLength   (4 bytes)
	[12..]   - logs, sequence of entries
	each entry has format:
	[0..3]  - term (uint32)
	[4..7]  - index (uint32)
	[8..11] - command length (uint32)
	[12..]  - command bytes

	Entries are appended at the end and the header is rewritten afterwards,
	bytes past logLength entries are garbage of an interrupted write.
*/
type fileStorage struct {
	fd *os.File

	// offsets[i] is the file offset where entry i+1 starts
	offsets []int64
	// size is the offset right after the last entry
	size   int64
	loaded bool
}

func OpenFile(path string) (*fileStorage, error) {
	fd, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("cannot open log file: %w", err)
	}

	return &fileStorage{fd: fd}, nil
}

func (s *fileStorage) Load() (State, error) {
	var state State

	info, err := s.fd.Stat()
	if err != nil {
		return state, err
	}

	if info.Size() < headerSize {
		// fresh file, write an empty header
		if err = s.fd.Truncate(0); err != nil {
			return state, err
		}
		if _, err = s.fd.WriteAt(make([]byte, headerSize), 0); err != nil {
			return state, fmt.Errorf("cannot write persistent state header: %w", err)
		}
		if err = s.fd.Sync(); err != nil {
			return state, fmt.Errorf("cannot sync persistent state to disk: %w", err)
		}

		s.size = headerSize
		s.loaded = true
		return state, nil
	}

	var header = make([]byte, headerSize)
	if _, err = s.fd.ReadAt(header, 0); err != nil {
		return state, fmt.Errorf("cannot read persistent state header: %w", err)
	}

	state.CurrentTerm = binary.BigEndian.Uint32(header[0:4])
	state.VotedFor = binary.BigEndian.Uint32(header[4:8])
	var logLength = binary.BigEndian.Uint32(header[8:12])

	state.Entries = make([]casualfs.LogEntry, 0, logLength)
	s.offsets = make([]int64, 0, logLength)

	var offset = int64(headerSize)
	var entryHeader = make([]byte, entryHeaderSize)

	for i := uint32(0); i < logLength; i++ {
		if _, err = s.fd.ReadAt(entryHeader, offset); err != nil {
			return state, fmt.Errorf("%w: cannot read [%d] log entry header: %v", ErrCorrupted, i, err)
		}

		var entry casualfs.LogEntry
		entry.Term = binary.BigEndian.Uint32(entryHeader[0:4])
		entry.Index = binary.BigEndian.Uint32(entryHeader[4:8])
		var cmdLen = binary.BigEndian.Uint32(entryHeader[8:12])

		if entry.Index != i+1 {
			return state, fmt.Errorf("%w: entry %d has index %d", ErrCorrupted, i+1, entry.Index)
		}

		if offset+entryHeaderSize+int64(cmdLen) > info.Size() {
			return state, fmt.Errorf("%w: [%d] log entry command of %d bytes runs past the end of the file", ErrCorrupted, i, cmdLen)
		}

		entry.Command = make([]byte, cmdLen)
		if _, err = s.fd.ReadAt(entry.Command, offset+entryHeaderSize); err != nil && !(err == io.EOF && cmdLen == 0) {
			return state, fmt.Errorf("%w: cannot read [%d] log entry command: %v", ErrCorrupted, i, err)
		}

		s.offsets = append(s.offsets, offset)
		state.Entries = append(state.Entries, entry)
		offset += entryHeaderSize + int64(cmdLen)
	}

	s.size = offset
	if info.Size() > offset {
		// drop the tail of an interrupted append
		if err = s.fd.Truncate(offset); err != nil {
			return state, err
		}
	}

	s.loaded = true
	return state, nil
}

func (s *fileStorage) SaveState(term, votedFor uint32) error {
	if !s.loaded {
		return ErrNotLoaded
	}

	var buf = make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], term)
	binary.BigEndian.PutUint32(buf[4:8], votedFor)

	if _, err := s.fd.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("cannot write persistent state header: %w", err)
	}

	return s.sync()
}

func (s *fileStorage) Append(entries []casualfs.LogEntry) error {
	if !s.loaded {
		return ErrNotLoaded
	}
	if len(entries) == 0 {
		return nil
	}
	if err := checkContiguous(uint32(len(s.offsets)), entries); err != nil {
		return err
	}

	var buf []byte
	var offsets = make([]int64, 0, len(entries))
	var offset = s.size

	for _, entry := range entries {
		var entryHeader = make([]byte, entryHeaderSize)
		binary.BigEndian.PutUint32(entryHeader[0:4], entry.Term)
		binary.BigEndian.PutUint32(entryHeader[4:8], entry.Index)
		binary.BigEndian.PutUint32(entryHeader[8:12], uint32(len(entry.Command)))

		buf = append(buf, entryHeader...)
		buf = append(buf, entry.Command...)

		offsets = append(offsets, offset)
		offset += entryHeaderSize + int64(len(entry.Command))
	}

	if _, err := s.fd.WriteAt(buf, s.size); err != nil {
		return fmt.Errorf("cannot write log entries [%d..%d]: %w",
			entries[0].Index, entries[len(entries)-1].Index, err)
	}

	// entries must be on disk before the header counts them
	if err := s.sync(); err != nil {
		return err
	}

	if err := s.writeLength(uint32(len(s.offsets) + len(offsets))); err != nil {
		return err
	}

	if err := s.sync(); err != nil {
		return err
	}

	s.offsets = append(s.offsets, offsets...)
	s.size = offset
	return nil
}

func (s *fileStorage) TruncateFrom(index uint32) error {
	if !s.loaded {
		return ErrNotLoaded
	}
	if index == 0 {
		index = 1
	}
	if int(index) > len(s.offsets) {
		return nil
	}

	var newSize = s.offsets[index-1]

	// shrink the header first, so a crash leaves a valid shorter log
	if err := s.writeLength(index - 1); err != nil {
		return err
	}
	if err := s.fd.Truncate(newSize); err != nil {
		return fmt.Errorf("cannot truncate log from %d: %w", index, err)
	}
	if err := s.sync(); err != nil {
		return err
	}

	s.offsets = s.offsets[:index-1]
	s.size = newSize
	return nil
}

func (s *fileStorage) Close() error {
	return s.fd.Close()
}

func (s *fileStorage) writeLength(n uint32) error {
	var buf = make([]byte, 4)
	binary.BigEndian.PutUint32(buf, n)

	if _, err := s.fd.WriteAt(buf, 8); err != nil {
		return fmt.Errorf("cannot write log length: %w", err)
	}
	return nil
}

func (s *fileStorage) sync() error {
	if err := s.fd.Sync(); err != nil {
		return fmt.Errorf("cannot sync persistent state to disk: %w", err)
	}
	return nil
}
