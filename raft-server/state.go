package server

import (
	"fmt"

	casualfs "github.com/Konstantsiy/casual-fs"
)

type State int

const (
	// Follower - normal state, receives commands from leader
	// If no heartbeats received, becomes candidate
	Follower State = iota

	// Candidate - trying to become leader, requests votes from other servers
	Candidate

	// Leader - receives client requests and replicates to followers
	// Only 1 leader at a time in the cluster
	Leader
)

func (s State) String() string {
	switch s {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// persistentState is the state that MUST BE persisted on all servers and survive crashes.
// Every change goes through the storage before the in-memory copy is used.
type persistentState struct {
	// currentTerm is the latest term server has seen
	// (initialized to 0 on first boot, increases monotonically)
	currentTerm uint32

	// votedFor marks which candidate did we vote for in the current term
	// 0 == haven't voted yet
	votedFor uint32

	// log is a sequence of commands for state machine, log[i].Index == i+1
	log []casualfs.LogEntry
}

// volatileState represents data that can be rebuilt after a crash, kept im memory
type volatileState struct {
	// commitIndex is the highest log entry known to be committed
	commitIndex uint32

	// lastApplied is the highest log entry applied to state machine
	lastApplied uint32
}

// leaderState is the data that server tracks about what each follower has replicated
type leaderState struct {
	// nextIndex: for each server, index of the next log entry to send
	// Initialized to (last log index + 1)
	// If append fails, moved back using the follower's conflict hint
	nextIndex map[uint32]uint32

	// matchIndex: for each server: highest log entry known to be replicated,
	// Used to determine when entries are committed (majority rule)
	matchIndex map[uint32]uint32
}

// persistState writes term and vote. Must be called with s.mx held.
func (s *Server) persistState() error {
	if err := s.storage.SaveState(s.persistentState.currentTerm, s.persistentState.votedFor); err != nil {
		return s.halt(err)
	}
	return nil
}

// appendLog persists entries and adds them to the in-memory log. Must be called with s.mx held.
func (s *Server) appendLog(entries ...casualfs.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	if err := s.storage.Append(entries); err != nil {
		return s.halt(err)
	}

	s.persistentState.log = append(s.persistentState.log, entries...)
	return nil
}

// truncateLog drops the entry at index and everything after it. Must be called with s.mx held.
func (s *Server) truncateLog(index uint32) error {
	if err := s.storage.TruncateFrom(index); err != nil {
		return s.halt(err)
	}

	s.persistentState.log = s.persistentState.log[:index-1]
	return nil
}

// halt stops the node for good after a persistence failure, the in-memory
// state can no longer be trusted to match the disk. Must be called with s.mx held.
func (s *Server) halt(cause error) error {
	if s.halted == nil {
		s.halted = fmt.Errorf("%w: %v", ErrNodeHalted, cause)
		s.logger.Printf("halting: %v", cause)

		s.stopLeading()
		s.state = Follower
		s.broadcast()
	}

	return s.halted
}
