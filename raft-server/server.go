package server

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	casualfs "github.com/Konstantsiy/casual-fs"
	storage "github.com/Konstantsiy/casual-fs/raft-storage"
)

// StateMachine receives committed entries in log order, exactly once each.
type StateMachine interface {
	Apply(entry casualfs.LogEntry) (casualfs.ApplyResult, error)

	// LastApplied is the index of the last entry the state machine has durably applied
	LastApplied() uint32
}

type Options struct {
	ID uint32

	// Peers maps every server ID in the cluster, this one included, to its address
	Peers map[uint32]string

	Storage      storage.Storage
	StateMachine StateMachine
	Client       RaftClient

	ElectionTimeoutMin  time.Duration
	ElectionTimeoutMax  time.Duration
	HeartbeatInterval   time.Duration
	RPCTimeout          time.Duration
	MaxEntriesPerAppend int

	// Logger defaults to stderr with a "[node <id>] " prefix
	Logger *log.Logger
}

type Server struct {
	ID    uint32
	peers []uint32          // all server ID's in cluster
	addrs map[uint32]string // server ID -> address, used for leader hints

	mx sync.RWMutex

	persistentState persistentState // state written to storage
	volatileState   volatileState   // for each server
	leaderState     leaderState     // only used when state == Leader

	// current state
	state    State
	leaderID uint32 // last known leader, 0 == unknown

	// electionDeadline is when a follower or candidate starts a new election
	electionDeadline time.Time

	crashed bool
	halted  error

	storage storage.Storage
	sm      StateMachine
	client  RaftClient
	logger  *log.Logger

	electionTimeoutMin time.Duration
	electionTimeoutMax time.Duration
	heartbeatInterval  time.Duration
	rpcTimeout         time.Duration
	maxEntries         int

	// stopReplicators cancels the per-peer replicators of the current leadership
	stopReplicators context.CancelFunc
	replicateCh     map[uint32]chan struct{}

	// applyCh wakes up the applier when commitIndex moves
	applyCh chan struct{}

	// notifyCh is closed and replaced on every change waiters care about:
	// applied index, role, term, crash and halt
	notifyCh chan struct{}

	// signal to stop all goroutines
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

func NewServer(opts Options) (*Server, error) {
	if opts.Storage == nil || opts.StateMachine == nil || opts.Client == nil {
		return nil, fmt.Errorf("storage, state machine and client are required")
	}
	if _, ok := opts.Peers[opts.ID]; !ok {
		return nil, fmt.Errorf("server %d is not in the peer list", opts.ID)
	}

	var defaults = DefaultRaftConfig()
	if opts.ElectionTimeoutMin == 0 {
		opts.ElectionTimeoutMin = defaults.ElectionTimeoutMin
	}
	if opts.ElectionTimeoutMax == 0 {
		opts.ElectionTimeoutMax = defaults.ElectionTimeoutMax
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if opts.RPCTimeout == 0 {
		opts.RPCTimeout = defaults.RPCTimeout
	}
	if opts.MaxEntriesPerAppend == 0 {
		opts.MaxEntriesPerAppend = defaults.MaxEntriesPerAppend
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, fmt.Sprintf("[node %d] ", opts.ID), log.LstdFlags|log.Lmicroseconds)
	}

	var peers = make([]uint32, 0, len(opts.Peers))
	for id := range opts.Peers {
		peers = append(peers, id)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })

	persisted, err := opts.Storage.Load()
	if err != nil {
		return nil, fmt.Errorf("cannot restore persistent state: %w", err)
	}

	// everything the state machine applied was committed before
	var applied = opts.StateMachine.LastApplied()
	if applied > uint32(len(persisted.Entries)) {
		return nil, fmt.Errorf("state machine applied index %d is past the end of the log (%d entries)",
			applied, len(persisted.Entries))
	}

	server := &Server{
		ID:    opts.ID,
		peers: peers,
		addrs: opts.Peers,
		persistentState: persistentState{
			currentTerm: persisted.CurrentTerm,
			votedFor:    persisted.VotedFor,
			log:         persisted.Entries,
		},
		volatileState: volatileState{
			commitIndex: applied,
			lastApplied: applied,
		},
		leaderState: leaderState{
			nextIndex:  make(map[uint32]uint32),
			matchIndex: make(map[uint32]uint32),
		},
		state:              Follower,
		storage:            opts.Storage,
		sm:                 opts.StateMachine,
		client:             opts.Client,
		logger:             opts.Logger,
		electionTimeoutMin: opts.ElectionTimeoutMin,
		electionTimeoutMax: opts.ElectionTimeoutMax,
		heartbeatInterval:  opts.HeartbeatInterval,
		rpcTimeout:         opts.RPCTimeout,
		maxEntries:         opts.MaxEntriesPerAppend,
		applyCh:            make(chan struct{}, 1),
		notifyCh:           make(chan struct{}),
		shutdownCh:         make(chan struct{}),
	}

	server.resetElectionDeadline()

	return server, nil
}

func (s *Server) Start() {
	s.mx.Lock()
	s.resetElectionDeadline()
	s.mx.Unlock()

	s.logger.Printf("started, term=%d log=%d applied=%d", s.currentTerm(), s.logLength(), s.appliedIndex())

	s.wg.Add(2)
	go s.run()
	go s.applier()
}

// run is the main cycle for each server, it watches the election deadline
func (s *Server) run() {
	defer s.wg.Done()

	var ticker = time.NewTicker(s.electionTimeoutMin / 10)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdownCh:
			return

		case now := <-ticker.C:
			s.mx.RLock()
			var expired = s.state != Leader && !s.crashed && s.halted == nil &&
				now.After(s.electionDeadline)
			s.mx.RUnlock()

			if expired {
				// no heartbeat from leader
				s.startElection()
			}
		}
	}
}

// Shutdown stops every goroutine of the server and closes its storage.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdownCh)

		s.mx.Lock()
		s.stopLeading()
		s.mx.Unlock()

		s.wg.Wait()

		if err := s.storage.Close(); err != nil {
			s.logger.Printf("cannot close storage: %v", err)
		}
	})
}

// State returns the current term and whether this server believes it is the leader
func (s *Server) State() (uint32, bool) {
	s.mx.RLock()
	defer s.mx.RUnlock()

	return s.persistentState.currentTerm, s.state == Leader
}

type Status struct {
	ID          uint32
	Term        uint32
	Role        State
	LeaderID    uint32
	CommitIndex uint32
	LastApplied uint32
	LogLength   int
	Crashed     bool
	Halted      bool
}

func (s *Server) Status() Status {
	s.mx.RLock()
	defer s.mx.RUnlock()

	return Status{
		ID:          s.ID,
		Term:        s.persistentState.currentTerm,
		Role:        s.state,
		LeaderID:    s.leaderID,
		CommitIndex: s.volatileState.commitIndex,
		LastApplied: s.volatileState.lastApplied,
		LogLength:   len(s.persistentState.log),
		Crashed:     s.crashed,
		Halted:      s.halted != nil,
	}
}

// Crash makes the server behave as if its process died: it answers every RPC
// with ErrNodeCrashed, sends nothing and holds no elections. Persistent state is kept.
func (s *Server) Crash() {
	s.mx.Lock()
	defer s.mx.Unlock()

	if s.crashed {
		return
	}

	s.logger.Printf("crashed in term %d as %s", s.persistentState.currentTerm, s.state)

	s.crashed = true
	s.stopLeading()
	s.state = Follower
	s.leaderID = 0
	s.broadcast()
}

// Restore brings a crashed server back as a follower.
func (s *Server) Restore() {
	s.mx.Lock()
	defer s.mx.Unlock()

	if !s.crashed {
		return
	}

	s.logger.Printf("restored in term %d", s.persistentState.currentTerm)

	s.crashed = false
	s.resetElectionDeadline()
	s.broadcast()
}

func (s *Server) IsCrashed() bool {
	s.mx.RLock()
	defer s.mx.RUnlock()

	return s.crashed
}

// Available returns ErrNodeCrashed or the halt cause when the server is down, nil otherwise.
func (s *Server) Available() error {
	s.mx.RLock()
	defer s.mx.RUnlock()

	return s.available()
}

// applier applies committed entries to the state machine one by one, in log order
func (s *Server) applier() {
	defer s.wg.Done()

	for {
		select {
		case <-s.shutdownCh:
			return
		case <-s.applyCh:
		}

		for {
			s.mx.Lock()
			if s.halted != nil || s.volatileState.lastApplied >= s.volatileState.commitIndex {
				s.mx.Unlock()
				break
			}

			// committed entries are never truncated, safe to use outside the lock
			var entry = s.persistentState.log[s.volatileState.lastApplied]
			s.mx.Unlock()

			result, err := s.sm.Apply(entry)

			s.mx.Lock()
			if err != nil {
				_ = s.halt(fmt.Errorf("cannot apply entry %d: %w", entry.Index, err))
				s.mx.Unlock()
				return
			}

			if !result.Success && result.Err != nil {
				s.logger.Printf("entry %d rejected by state machine: %v", entry.Index, result.Err)
			}

			s.volatileState.lastApplied = entry.Index
			s.broadcast()
			s.mx.Unlock()
		}
	}
}

// notifyApplier must be called after commitIndex moved forward
func (s *Server) notifyApplier() {
	select {
	case s.applyCh <- struct{}{}:
	default:
	}
}

// broadcast wakes every waiter. Must be called with s.mx held.
func (s *Server) broadcast() {
	close(s.notifyCh)
	s.notifyCh = make(chan struct{})
}

// waitFor blocks until cond reports done or an error. cond is called with s.mx read-locked.
func (s *Server) waitFor(ctx context.Context, cond func() (bool, error)) error {
	for {
		s.mx.RLock()
		done, err := cond()
		var ch = s.notifyCh
		s.mx.RUnlock()

		if err != nil || done {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.shutdownCh:
			return ErrShutdown
		case <-ch:
		}
	}
}

// available reports why the server cannot take part in the protocol. Must be called with s.mx held.
func (s *Server) available() error {
	if s.halted != nil {
		return s.halted
	}
	if s.crashed {
		return ErrNodeCrashed
	}
	return nil
}

func (s *Server) majority() int {
	return len(s.peers)/2 + 1
}

func (s *Server) notLeader() error {
	var leaderID = s.leaderID
	if leaderID == s.ID {
		leaderID = 0
	}

	return &casualfs.NotLeaderError{LeaderID: leaderID, LeaderAddr: s.addrs[leaderID]}
}

func (s *Server) currentTerm() uint32 {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return s.persistentState.currentTerm
}

func (s *Server) logLength() int {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return len(s.persistentState.log)
}

func (s *Server) appliedIndex() uint32 {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return s.volatileState.lastApplied
}
