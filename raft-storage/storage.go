package storage

import (
	"errors"
	"fmt"
	"path/filepath"

	casualfs "github.com/Konstantsiy/casual-fs"
)

const (
	EngineFile    = "file"
	EngineLevelDB = "leveldb"
	EngineMemory  = "memory"
)

var (
	ErrNotLoaded     = errors.New("storage: Load must be called before writes")
	ErrNotContiguous = errors.New("storage: appended entries are not contiguous with the log")
	ErrCorrupted     = errors.New("storage: persisted log is corrupted")
)

// State is the Raft state that MUST survive crashes
type State struct {
	// CurrentTerm is the latest term server has seen
	CurrentTerm uint32

	// VotedFor is the candidate voted for in CurrentTerm, 0 == none
	VotedFor uint32

	// Entries is the whole log, Entries[i].Index == i+1
	Entries []casualfs.LogEntry
}

// Storage keeps the persistent Raft state. Every write is durable when the
// call returns, a failed write must be treated as fatal by the caller.
type Storage interface {
	// Load reads the persisted state, it is called once before any write
	Load() (State, error)

	// SaveState persists term and vote
	SaveState(term, votedFor uint32) error

	// Append writes entries right after the current last entry
	Append(entries []casualfs.LogEntry) error

	// TruncateFrom drops the entry at index and everything after it
	TruncateFrom(index uint32) error

	Close() error
}

// Open returns the storage engine persisting the state of server id in dataDir.
func Open(engine, dataDir string, id uint32) (Storage, error) {
	switch engine {
	case "", EngineFile:
		return OpenFile(filepath.Join(dataDir, fmt.Sprintf("server-%d.dat", id)))
	case EngineLevelDB:
		return OpenLevelDB(filepath.Join(dataDir, fmt.Sprintf("server-%d.ldb", id)))
	case EngineMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown log engine: %q", engine)
	}
}

func checkContiguous(last uint32, entries []casualfs.LogEntry) error {
	for i, entry := range entries {
		if entry.Index != last+uint32(i)+1 {
			return fmt.Errorf("%w: expected index %d, got %d", ErrNotContiguous, last+uint32(i)+1, entry.Index)
		}
	}
	return nil
}
