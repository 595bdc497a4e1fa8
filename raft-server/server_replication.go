package server

import (
	"context"
	"time"
)

// replicator keeps one follower up to date for a single leadership term.
// It sends on every heartbeat tick and whenever it is woken up by new entries.
func (s *Server) replicator(ctx context.Context, peerID, term uint32, wake <-chan struct{}) {
	var ticker = time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	for {
		s.replicateTo(ctx, peerID, term)

		select {
		case <-ctx.Done():
			return
		case <-s.shutdownCh:
			return
		case <-ticker.C:
		case <-wake:
		}
	}
}

// wakeReplicators must be called with s.mx held
func (s *Server) wakeReplicators() {
	for peerID := range s.replicateCh {
		s.wakeReplicator(peerID)
	}
}

func (s *Server) wakeReplicator(peerID uint32) {
	select {
	case s.replicateCh[peerID] <- struct{}{}:
	default:
	}
}

// replicateTo sends one AppendEntries to peerID on behalf of the leader of term.
// It reports whether the peer acknowledged that leadership.
func (s *Server) replicateTo(ctx context.Context, peerID, term uint32) bool {
	s.mx.RLock()

	if s.state != Leader || s.persistentState.currentTerm != term || s.available() != nil {
		s.mx.RUnlock()
		return false
	}

	// determine what to send to peer,
	// nextIndex[peer] - where to start from
	var nextIndex = s.leaderState.nextIndex[peerID]

	// build the "consistency check" params
	// prevLogIndex - log entry before new one
	// prevLogTerm - term of that log entry
	// Follower checks if it has matching entry and previous log index,
	// If not, logs are inconsistent and follower rejects
	var prevLogIndex = nextIndex - 1

	var req = &AppendEntriesRequest{
		Term:         term,
		LeaderID:     s.ID,
		PrevLogIndex: prevLogIndex,
		PrevLogTerm:  s.termAt(prevLogIndex),
		Entries:      s.entriesFrom(nextIndex, s.maxEntries),
		LeaderCommit: s.volatileState.commitIndex, // tell follower what's committed
	}

	s.mx.RUnlock()

	rpcCtx, cancel := context.WithTimeout(ctx, s.rpcTimeout)
	var resp, err = s.client.SendAppendEntries(rpcCtx, peerID, req)
	cancel()
	if err != nil {
		// unreachable peer, retried on the next tick
		return false
	}

	s.mx.Lock()
	defer s.mx.Unlock()

	// check if peer has higher term
	if resp.Term > s.persistentState.currentTerm {
		s.logger.Printf("server %d has higher term %d, stepping down", peerID, resp.Term)
		s.stepDown(resp.Term)
		return false
	}

	// the reply is stale, we're not the leader of that term anymore
	if s.state != Leader || s.persistentState.currentTerm != term || resp.Term != term {
		return false
	}

	if resp.Success {
		// computed from the request, the state could have changed during the call
		var match = req.PrevLogIndex + uint32(len(req.Entries))
		if match > s.leaderState.matchIndex[peerID] {
			s.leaderState.matchIndex[peerID] = match
		}
		if match+1 > s.leaderState.nextIndex[peerID] {
			s.leaderState.nextIndex[peerID] = match + 1
		}

		s.advanceCommitIndex()

		if s.leaderState.nextIndex[peerID] <= s.lastLogIndex() {
			s.wakeReplicator(peerID)
		}

		return true
	}

	// another reply already moved nextIndex
	if s.leaderState.nextIndex[peerID] != nextIndex {
		return true
	}

	// log inconsistent, move next index back and retry right away
	s.leaderState.nextIndex[peerID] = s.backoff(peerID, nextIndex, resp)
	s.wakeReplicator(peerID)

	return true
}

// backoff picks the next index to try after a rejected AppendEntries.
// Must be called with s.mx held.
func (s *Server) backoff(peerID, nextIndex uint32, resp *AppendEntriesResponse) uint32 {
	var next uint32

	switch {
	case resp.ConflictTerm != 0:
		// skip the whole conflicting term, unless we have entries of it too
		if last := s.lastIndexOfTerm(resp.ConflictTerm, nextIndex-1); last > 0 {
			next = last + 1
		} else {
			next = resp.ConflictIndex
		}
	case resp.ConflictIndex != 0:
		// follower's log is shorter
		next = resp.ConflictIndex
	default:
		next = nextIndex - 1
	}

	if next >= nextIndex {
		next = nextIndex - 1
	}
	if floor := s.leaderState.matchIndex[peerID] + 1; next < floor {
		next = floor
	}

	return next
}

// advanceCommitIndex commits the highest index of the current term stored on a majority.
// Must be called with s.mx held by the leader.
func (s *Server) advanceCommitIndex() {
	// only leader can commit index
	if s.state != Leader {
		return
	}

	for n := s.lastLogIndex(); n > s.volatileState.commitIndex; n-- {
		// only commit if from current term, older entries are committed with it
		if s.termAt(n) != s.persistentState.currentTerm {
			break
		}

		// count how many servers have this index
		var count = 1 // count self
		for _, peerID := range s.peers {
			if peerID != s.ID && s.leaderState.matchIndex[peerID] >= n {
				count++
			}
		}

		// do we have a majority?
		if count >= s.majority() {
			s.volatileState.commitIndex = n
			s.notifyApplier()
			return
		}
	}
}
