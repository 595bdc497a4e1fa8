package store

import (
	"errors"
	"fmt"

	casualfs "github.com/Konstantsiy/casual-fs"
	"github.com/c2h5oh/datasize"
)

const (
	EngineBadger = "badger"
	EngineMemory = "memory"
)

var ErrAppliedIndex = errors.New("applied index must grow")

// MetadataStore holds the replicated file metadata. Every mutation carries the
// log index it comes from, and the store records that index together with the
// mutation, so after a restart AppliedIndex tells exactly what was applied.
type MetadataStore interface {
	// Get returns a live file, tombstones are reported as casualfs.ErrNotFound.
	Get(filename string) (casualfs.FileMetadata, error)

	// Lookup returns the file including tombstones.
	Lookup(filename string) (casualfs.FileMetadata, error)

	// List returns every known file including tombstones, sorted by name.
	List() ([]casualfs.FileMetadata, error)

	Put(index uint32, meta casualfs.FileMetadata) error

	// Delete replaces a file by its tombstone with the given version.
	Delete(index uint32, filename string, version uint32) error

	// MarkApplied records an index that changed nothing, a no-op or a rejected op.
	MarkApplied(index uint32) error

	AppliedIndex() (uint32, error)

	Close() error
}

// BlockStore holds content addressed blocks. Blocks are written by the server
// receiving them, not through the log.
type BlockStore interface {
	// PutBlock stores data under id. Writing an existing block is a no-op.
	PutBlock(id string, data []byte) error

	GetBlock(id string) ([]byte, error)

	// HasBlocks returns the ids present in the store, in input order.
	HasBlocks(ids []string) ([]string, error)

	Close() error
}

// Store is a metadata store and a block store sharing one engine.
type Store interface {
	MetadataStore
	BlockStore
}

type Options struct {
	// Dir is ignored by the memory engine
	Dir          string
	MaxBlockSize datasize.ByteSize
}

func Open(engine string, opts Options) (Store, error) {
	switch engine {
	case EngineBadger:
		return OpenBadger(opts)
	case EngineMemory:
		return NewMemory(opts.MaxBlockSize), nil
	default:
		return nil, fmt.Errorf("unknown store engine: %q", engine)
	}
}

// checkBlock validates a block before it's written.
func checkBlock(id string, data []byte, maxSize datasize.ByteSize) error {
	if len(data) == 0 {
		return casualfs.ErrEmptyBlock
	}
	if maxSize > 0 && uint64(len(data)) > maxSize.Bytes() {
		return fmt.Errorf("%w: %s, limit is %s",
			casualfs.ErrBlockTooLarge, datasize.ByteSize(len(data)).HR(), maxSize.HR())
	}
	if casualfs.BlockID(data) != id {
		return fmt.Errorf("%w: %s", casualfs.ErrBlockHashMismatch, id)
	}
	return nil
}

func checkApplied(applied, index uint32) error {
	if index <= applied {
		return fmt.Errorf("%w: %d after %d", ErrAppliedIndex, index, applied)
	}
	return nil
}

func tombstone(filename string, version uint32) casualfs.FileMetadata {
	return casualfs.FileMetadata{Filename: filename, Version: version, Deleted: true}
}
