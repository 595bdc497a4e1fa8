package server

import (
	"context"
	"math/rand"
	"time"

	casualfs "github.com/Konstantsiy/casual-fs"
)

// resetElectionDeadline picks a random timeout in [min, max].
// If all the servers timeout at the same time, they all become candidates, causing failed elections.
// Random timeout means one server usually becomes a candidate first.
// Must be called with s.mx held.
func (s *Server) resetElectionDeadline() {
	var spread = int64(s.electionTimeoutMax - s.electionTimeoutMin)

	var timeout = s.electionTimeoutMin
	if spread > 0 {
		timeout += time.Duration(rand.Int63n(spread + 1))
	}

	s.electionDeadline = time.Now().Add(timeout)
}

func (s *Server) startElection() {
	s.mx.Lock()

	if s.state == Leader || s.available() != nil {
		s.mx.Unlock()
		return
	}

	// become a candidate
	s.state = Candidate
	s.leaderID = 0

	// increment term (new election round) and vote for yourself
	s.persistentState.currentTerm++
	s.persistentState.votedFor = s.ID

	if err := s.persistState(); err != nil {
		s.mx.Unlock()
		return
	}

	// reset the deadline for the next election if this one fails
	s.resetElectionDeadline()
	s.broadcast()

	var term = s.persistentState.currentTerm
	var lastLogIndex, lastLogTerm = s.lastLogIndexAndTerm()

	s.logger.Printf("became candidate for term %d", term)

	// collect votes from all peers, start with 1 vote (yourself),
	// votes is only touched with s.mx held
	var votes = 1
	if votes >= s.majority() {
		s.becomeLeader()
		s.mx.Unlock()
		return
	}

	s.mx.Unlock()

	var req = &RequestVoteRequest{
		Term:         term,
		CandidateID:  s.ID,
		LastLogIndex: lastLogIndex,
		LastLogTerm:  lastLogTerm,
	}

	for _, peerID := range s.peers {
		if peerID == s.ID {
			continue
		}

		// request votes from other peers
		go func(peer uint32) {
			ctx, cancel := context.WithTimeout(context.Background(), s.rpcTimeout)
			defer cancel()

			// might fail if peer is down/slow, it will be asked again next election
			var resp, err = s.client.SendRequestVote(ctx, peer, req)
			if err != nil {
				return
			}

			s.mx.Lock()
			defer s.mx.Unlock()

			// check if peer has higher term
			if resp.Term > s.persistentState.currentTerm {
				s.logger.Printf("server %d has higher term %d, stepping down", peer, resp.Term)
				s.stepDown(resp.Term)
				return
			}

			// the reply belongs to an election we are no longer running
			if s.state != Candidate || s.persistentState.currentTerm != term {
				return
			}

			if resp.VoteGranted {
				votes++

				// check if we've taken the majority of votes
				if votes >= s.majority() {
					s.becomeLeader()
				}
			}
		}(peerID)
	}
}

// becomeLeader must be called with s.mx held by a candidate that won the election
func (s *Server) becomeLeader() {
	s.state = Leader
	s.leaderID = s.ID

	var term = s.persistentState.currentTerm
	s.logger.Printf("became leader for term %d", term)

	// init leader state
	// for each peer: track what they have replicated
	var lastLogIndex = s.lastLogIndex()
	for _, peerID := range s.peers {
		if peerID != s.ID {
			s.leaderState.nextIndex[peerID] = lastLogIndex + 1
			s.leaderState.matchIndex[peerID] = 0
		}
	}

	// an entry of the new term lets older entries commit, and gives
	// linearizable reads a committed entry of this term to wait for.
	// An empty command is a no-op for the state machine.
	var noop = casualfs.LogEntry{Index: lastLogIndex + 1, Term: term}
	if err := s.appendLog(noop); err != nil {
		return
	}

	// replicators send heartbeats and entries,
	// heartbeats are just empty AppendEntries RPC's, they prevent followers from starting elections
	ctx, cancel := context.WithCancel(context.Background())
	s.stopReplicators = cancel
	s.replicateCh = make(map[uint32]chan struct{}, len(s.peers))

	for _, peerID := range s.peers {
		if peerID == s.ID {
			continue
		}

		var wake = make(chan struct{}, 1)
		s.replicateCh[peerID] = wake
		go s.replicator(ctx, peerID, term, wake)
	}

	s.advanceCommitIndex()
	s.broadcast()
}

// stepDown turns the server into a follower, adopting term if it is newer.
// Must be called with s.mx held.
func (s *Server) stepDown(term uint32) {
	if term > s.persistentState.currentTerm {
		s.persistentState.currentTerm = term
		s.persistentState.votedFor = 0
		s.leaderID = 0

		if err := s.persistState(); err != nil {
			return
		}
	}

	if s.state != Follower {
		s.logger.Printf("stepping down from %s in term %d", s.state, s.persistentState.currentTerm)

		if s.state == Leader {
			s.leaderID = 0
		}

		s.stopLeading()
		s.state = Follower
		s.resetElectionDeadline()
	}

	s.broadcast()
}

// stopLeading cancels the replicators of the current leadership, if any.
// Must be called with s.mx held.
func (s *Server) stopLeading() {
	if s.stopReplicators != nil {
		s.stopReplicators()
		s.stopReplicators = nil
	}
	s.replicateCh = nil
}
