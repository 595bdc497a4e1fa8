package server

import (
	"context"

	casualfs "github.com/Konstantsiy/casual-fs"
)

// Propose appends cmd to the leader's log and starts replicating it.
// It returns as soon as the entry is persisted locally, use WaitApplied to wait for the commit.
func (s *Server) Propose(cmd []byte) (uint32, uint32, error) {
	s.mx.Lock()
	defer s.mx.Unlock()

	if err := s.available(); err != nil {
		return 0, 0, err
	}

	if s.state != Leader {
		return 0, 0, s.notLeader()
	}

	var entry = casualfs.LogEntry{
		Index:   s.lastLogIndex() + 1,
		Term:    s.persistentState.currentTerm,
		Command: cmd,
	}

	if err := s.appendLog(entry); err != nil {
		return 0, 0, err
	}

	// single server cluster commits right away
	s.advanceCommitIndex()
	s.wakeReplicators()

	return entry.Index, entry.Term, nil
}

// WaitApplied blocks until the entry proposed at index in term is applied to the state machine.
func (s *Server) WaitApplied(ctx context.Context, index, term uint32) error {
	return s.waitFor(ctx, func() (bool, error) {
		if s.halted != nil {
			return false, s.halted
		}

		if s.termAt(index) != term {
			return false, ErrEntryOverwritten
		}

		if s.volatileState.lastApplied >= index {
			return true, nil
		}

		// not committed yet and this leadership is over, the outcome is unknown
		if s.volatileState.commitIndex < index &&
			(s.state != Leader || s.persistentState.currentTerm != term) {
			return false, ErrLeadershipLost
		}

		return false, nil
	})
}

// ReadBarrier returns once the state machine reflects every write committed
// before the call, so a read that follows is linearizable.
// Only the leader can serve it: it waits for an entry of its own term to commit,
// confirms leadership with a majority and waits for the applier to catch up.
func (s *Server) ReadBarrier(ctx context.Context) error {
	var readIndex, term uint32

	var err = s.waitFor(ctx, func() (bool, error) {
		if err := s.available(); err != nil {
			return false, err
		}
		if s.state != Leader {
			return false, s.notLeader()
		}

		// the no-op of this term is not committed yet,
		// commitIndex could still be behind the previous leader's
		if s.termAt(s.volatileState.commitIndex) != s.persistentState.currentTerm {
			return false, nil
		}

		readIndex = s.volatileState.commitIndex
		term = s.persistentState.currentTerm
		return true, nil
	})
	if err != nil {
		return err
	}

	if err = s.confirmLeadership(ctx, term); err != nil {
		return err
	}

	return s.waitFor(ctx, func() (bool, error) {
		if s.halted != nil {
			return false, s.halted
		}
		return s.volatileState.lastApplied >= readIndex, nil
	})
}

// confirmLeadership sends a round of heartbeats and waits for a majority to accept them.
func (s *Server) confirmLeadership(ctx context.Context, term uint32) error {
	var acks = 1 // count self
	if acks >= s.majority() {
		return nil
	}

	var results = make(chan bool, len(s.peers))
	var sent = 0

	for _, peerID := range s.peers {
		if peerID == s.ID {
			continue
		}

		sent++
		go func(peer uint32) {
			results <- s.replicateTo(ctx, peer, term)
		}(peerID)
	}

	for i := 0; i < sent; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ok := <-results:
			if ok {
				acks++
			}
			if acks >= s.majority() {
				return nil
			}
		}
	}

	return ErrLeadershipLost
}

func (s *Server) HandleAppendEntries(req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	s.mx.Lock()
	defer s.mx.Unlock()

	if err := s.available(); err != nil {
		return nil, err
	}

	var resp = &AppendEntriesResponse{
		Term:    s.persistentState.currentTerm,
		Success: false,
	}

	// check the relevance of the requested term
	if req.Term < s.persistentState.currentTerm {
		return resp, nil
	}

	// a valid leader exists for this term, update state if term is higher
	// and give up candidacy otherwise
	if req.Term > s.persistentState.currentTerm || s.state != Follower {
		s.stepDown(req.Term)
		if s.halted != nil {
			return nil, s.halted
		}
	}

	resp.Term = s.persistentState.currentTerm
	s.leaderID = req.LeaderID
	s.resetElectionDeadline()

	// Check if logs contain entry at prevLogIndex with matching term,
	// this is needed to ensure logs are consistent
	// e.g. if leader has entries [1,2,3] and follower has [1,2,4],
	// when leader tries to append entry 5 after 3, follower must reject,
	// because its log is inconsistent (it doesn't have entry 3).
	// The rejection carries a hint, so the leader can jump back over the whole
	// conflicting term instead of one entry per round trip.
	// If prevLogIndex is 0 this check is skipped.
	var lastLogIndex = s.lastLogIndex()

	if req.PrevLogIndex > lastLogIndex {
		resp.ConflictIndex = lastLogIndex + 1
		return resp, nil
	}

	if req.PrevLogIndex > 0 && s.termAt(req.PrevLogIndex) != req.PrevLogTerm {
		resp.ConflictTerm = s.termAt(req.PrevLogIndex)
		resp.ConflictIndex = s.firstIndexOfTerm(req.PrevLogIndex)
		return resp, nil
	}

	// Append any new entries not already in the log,
	// entries we already have are skipped, so retried or reordered requests are harmless
	for i, entry := range req.Entries {
		if entry.Index <= s.lastLogIndex() {
			if s.termAt(entry.Index) == entry.Term {
				continue
			}

			if entry.Index <= s.volatileState.commitIndex {
				s.logger.Printf("refusing to overwrite committed entry %d from leader %d", entry.Index, req.LeaderID)
				return resp, nil
			}

			// delete all entries from this index onwards, because they are conflicted
			if err := s.truncateLog(entry.Index); err != nil {
				return nil, err
			}
		}

		if err := s.appendLog(req.Entries[i:]...); err != nil {
			return nil, err
		}
		break
	}

	// update commit index, never past what this request proved we share with the leader
	if req.LeaderCommit > s.volatileState.commitIndex {
		var lastNewEntryIndex = req.PrevLogIndex + uint32(len(req.Entries))

		var commitIndex = req.LeaderCommit
		if lastNewEntryIndex < commitIndex {
			commitIndex = lastNewEntryIndex
		}

		if commitIndex > s.volatileState.commitIndex {
			s.volatileState.commitIndex = commitIndex
			s.notifyApplier()
		}
	}

	resp.Success = true
	return resp, nil
}

func (s *Server) HandleRequestVote(req *RequestVoteRequest) (*RequestVoteResponse, error) {
	s.mx.Lock()
	defer s.mx.Unlock()

	if err := s.available(); err != nil {
		return nil, err
	}

	var resp = &RequestVoteResponse{
		Term:        s.persistentState.currentTerm,
		VoteGranted: false,
	}

	// check the relevance of the requested term, reject if it's lower
	if req.Term < s.persistentState.currentTerm {
		return resp, nil
	}

	// update state if term is higher
	if req.Term > s.persistentState.currentTerm {
		s.stepDown(req.Term)
		if s.halted != nil {
			return nil, s.halted
		}
	}

	resp.Term = s.persistentState.currentTerm

	// check if we've already voted in this term
	if s.persistentState.votedFor != 0 &&
		s.persistentState.votedFor != req.CandidateID {
		return resp, nil
	}

	// determine our last log index and term,
	// needed for candidate log up-to-date check
	var lastLogIndex, lastLogTerm = s.lastLogIndexAndTerm()

	// check if candidate's log is at least as up to date as receiver's log
	// (section 5.4.1 of Raft thesis: https://raft.github.io/raft.pdf)
	//
	// if candidate's log is more up-to-date, grant vote, otherwise, deny vote
	var logUpToDate = req.LastLogTerm > lastLogTerm ||
		(req.LastLogTerm == lastLogTerm && req.LastLogIndex >= lastLogIndex)

	if !logUpToDate {
		return resp, nil
	}

	// grant vote, don't grant it if server can't persist
	s.persistentState.votedFor = req.CandidateID
	if err := s.persistState(); err != nil {
		return nil, err
	}

	s.resetElectionDeadline()

	resp.VoteGranted = true
	return resp, nil
}
