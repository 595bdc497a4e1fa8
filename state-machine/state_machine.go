package state_machine

import (
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	casualfs "github.com/Konstantsiy/casual-fs"
	store "github.com/Konstantsiy/casual-fs/file-store"
	"github.com/patrickmn/go-cache"
)

var (
	ErrAlreadyApplied = errors.New("entry already applied")
	ErrApplyGap       = errors.New("entry applied out of order")
)

// StateMachine applies committed file operations to the metadata store and
// keeps the outcome of each entry for the client request waiting on it.
type StateMachine struct {
	mx sync.Mutex

	meta    store.MetadataStore
	applied uint32

	results *cache.Cache
	logger  *log.Logger
}

// New resumes from the applied index recorded by meta. Results are kept for resultTTL.
func New(meta store.MetadataStore, resultTTL time.Duration, logger *log.Logger) (*StateMachine, error) {
	applied, err := meta.AppliedIndex()
	if err != nil {
		return nil, fmt.Errorf("cannot read applied index: %w", err)
	}

	if logger == nil {
		logger = log.Default()
	}

	return &StateMachine{
		meta:    meta,
		applied: applied,
		results: cache.New(resultTTL, resultTTL),
		logger:  logger,
	}, nil
}

// Apply applies one committed entry. Rejected operations are results, the
// returned error means the store failed or entries came out of order.
func (sm *StateMachine) Apply(entry casualfs.LogEntry) (casualfs.ApplyResult, error) {
	sm.mx.Lock()
	defer sm.mx.Unlock()

	switch {
	case entry.Index <= sm.applied:
		return casualfs.ApplyResult{}, fmt.Errorf("%w: %d, last applied %d", ErrAlreadyApplied, entry.Index, sm.applied)
	case entry.Index > sm.applied+1:
		return casualfs.ApplyResult{}, fmt.Errorf("%w: %d, last applied %d", ErrApplyGap, entry.Index, sm.applied)
	}

	var result = casualfs.ApplyResult{Index: entry.Index}

	op, err := DecodeOp(entry.Command)
	if err != nil {
		result.Err = err
		op = casualfs.FileOp{}
		err = sm.meta.MarkApplied(entry.Index)
	} else {
		result, err = sm.apply(entry.Index, op)
	}

	if err != nil {
		return casualfs.ApplyResult{}, fmt.Errorf("cannot apply entry %d: %w", entry.Index, err)
	}

	sm.applied = entry.Index
	sm.results.SetDefault(resultKey(entry.Index), result)

	if op.Kind != casualfs.OpNoop {
		sm.logger.Printf("applied %d: %s %q success=%v version=%d request=%s",
			entry.Index, op.Kind, op.Filename, result.Success, result.Version, op.RequestID)
	}

	return result, nil
}

// apply runs op against the store. Every branch records index in the store exactly once.
func (sm *StateMachine) apply(index uint32, op casualfs.FileOp) (casualfs.ApplyResult, error) {
	var result = casualfs.ApplyResult{Index: index}

	if op.Kind == casualfs.OpNoop {
		return result, sm.meta.MarkApplied(index)
	}

	prev, err := sm.meta.Lookup(op.Filename)
	var exists = err == nil
	if err != nil && !errors.Is(err, casualfs.ErrNotFound) {
		return result, err
	}
	var live = exists && !prev.Deleted

	var reject = func(err error) (casualfs.ApplyResult, error) {
		result.Err = err
		return result, sm.meta.MarkApplied(index)
	}

	switch op.Kind {
	case casualfs.OpCreate:
		if live {
			return reject(fmt.Errorf("%w: %s", casualfs.ErrFileExists, op.Filename))
		}
	case casualfs.OpModify, casualfs.OpDelete:
		if !live {
			return reject(fmt.Errorf("%w: %s", casualfs.ErrNotFound, op.Filename))
		}
	default:
		return reject(fmt.Errorf("%w: %s", casualfs.ErrInvalidOp, op.Kind))
	}

	var version = prev.Version + 1
	if op.Version != 0 && op.Version != version {
		return reject(fmt.Errorf("%w: %s is at version %d, requested %d",
			casualfs.ErrVersionConflict, op.Filename, prev.Version, op.Version))
	}

	if op.Kind == casualfs.OpDelete {
		err = sm.meta.Delete(index, op.Filename, version)
	} else {
		err = sm.meta.Put(index, casualfs.FileMetadata{
			Filename: op.Filename,
			BlockIDs: op.BlockIDs,
			Version:  version,
		})
	}
	if err != nil {
		return result, err
	}

	result.Success = true
	result.Version = version
	return result, nil
}

func (sm *StateMachine) LastApplied() uint32 {
	sm.mx.Lock()
	defer sm.mx.Unlock()
	return sm.applied
}

// Result returns the outcome of the entry at index while it's still cached.
func (sm *StateMachine) Result(index uint32) (casualfs.ApplyResult, bool) {
	v, ok := sm.results.Get(resultKey(index))
	if !ok {
		return casualfs.ApplyResult{}, false
	}
	return v.(casualfs.ApplyResult), true
}

func resultKey(index uint32) string {
	return strconv.FormatUint(uint64(index), 10)
}
