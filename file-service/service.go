package service

import (
	"context"
	"fmt"
	"log"

	casualfs "github.com/Konstantsiy/casual-fs"
	store "github.com/Konstantsiy/casual-fs/file-store"
	state_machine "github.com/Konstantsiy/casual-fs/state-machine"
)

// Consensus is the part of the raft server the file service needs
type Consensus interface {
	Propose(cmd []byte) (index, term uint32, err error)
	WaitApplied(ctx context.Context, index, term uint32) error
	ReadBarrier(ctx context.Context) error
	Available() error
}

// Results returns the outcome of an applied log entry
type Results interface {
	Result(index uint32) (casualfs.ApplyResult, bool)
}

// Service runs file operations through the log and serves reads from the
// applied state. Blocks bypass the log.
type Service struct {
	raft    Consensus
	results Results
	meta    store.MetadataStore
	blocks  store.BlockStore
	logger  *log.Logger
}

func New(raft Consensus, results Results, meta store.MetadataStore, blocks store.BlockStore, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}

	return &Service{
		raft:    raft,
		results: results,
		meta:    meta,
		blocks:  blocks,
		logger:  logger,
	}
}

// ProposeFileOp replicates op and waits until it's applied on this server.
// A rejected op comes back as a result with Success false, errors mean the
// outcome is unknown or the server can't take writes.
func (s *Service) ProposeFileOp(ctx context.Context, op casualfs.FileOp) (casualfs.ApplyResult, error) {
	cmd, err := state_machine.EncodeOp(op)
	if err != nil {
		return casualfs.ApplyResult{}, err
	}

	index, term, err := s.raft.Propose(cmd)
	if err != nil {
		return casualfs.ApplyResult{}, err
	}

	s.logger.Printf("proposed %s %q at index %d term %d, request %s", op.Kind, op.Filename, index, term, op.RequestID)

	if err = s.raft.WaitApplied(ctx, index, term); err != nil {
		return casualfs.ApplyResult{}, fmt.Errorf("entry %d: %w", index, err)
	}

	result, ok := s.results.Result(index)
	if !ok {
		return casualfs.ApplyResult{}, fmt.Errorf("result of entry %d is gone", index)
	}

	return result, nil
}

// ReadFile returns a live file. Unless stale is set the read is linearizable
// and only the leader serves it.
func (s *Service) ReadFile(ctx context.Context, filename string, stale bool) (casualfs.FileMetadata, error) {
	if err := s.barrier(ctx, stale); err != nil {
		return casualfs.FileMetadata{}, err
	}

	return s.meta.Get(filename)
}

// ListFiles returns every file the cluster knows about, deleted ones included.
func (s *Service) ListFiles(ctx context.Context, stale bool) ([]casualfs.FileMetadata, error) {
	if err := s.barrier(ctx, stale); err != nil {
		return nil, err
	}

	return s.meta.List()
}

// barrier gates a read: a stale one only needs the server to be up
func (s *Service) barrier(ctx context.Context, stale bool) error {
	if stale {
		return s.raft.Available()
	}
	return s.raft.ReadBarrier(ctx)
}

func (s *Service) PutBlock(id string, data []byte) error {
	if err := s.raft.Available(); err != nil {
		return err
	}
	return s.blocks.PutBlock(id, data)
}

func (s *Service) GetBlock(id string) ([]byte, error) {
	if err := s.raft.Available(); err != nil {
		return nil, err
	}
	return s.blocks.GetBlock(id)
}

func (s *Service) HasBlocks(ids []string) ([]string, error) {
	if err := s.raft.Available(); err != nil {
		return nil, err
	}
	return s.blocks.HasBlocks(ids)
}
