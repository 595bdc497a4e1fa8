package server

import casualfs "github.com/Konstantsiy/casual-fs"

// Log helpers, all of them must be called with s.mx held.

func (s *Server) lastLogIndex() uint32 {
	return uint32(len(s.persistentState.log))
}

func (s *Server) lastLogIndexAndTerm() (uint32, uint32) {
	var n = len(s.persistentState.log)
	if n == 0 {
		return 0, 0
	}

	var last = s.persistentState.log[n-1]
	return last.Index, last.Term
}

// termAt returns the term of the entry at index, 0 for index 0 or past the end.
func (s *Server) termAt(index uint32) uint32 {
	if index == 0 || index > s.lastLogIndex() {
		return 0
	}
	return s.persistentState.log[index-1].Term
}

// firstIndexOfTerm returns the first index of the run of entries with the
// same term as the entry at index.
func (s *Server) firstIndexOfTerm(index uint32) uint32 {
	var term = s.termAt(index)
	for index > 1 && s.termAt(index-1) == term {
		index--
	}
	return index
}

// lastIndexOfTerm returns the last index at or before from holding term, 0 if none.
func (s *Server) lastIndexOfTerm(term, from uint32) uint32 {
	for i := from; i > 0; i-- {
		var t = s.termAt(i)
		if t == term {
			return i
		}
		if t < term {
			break
		}
	}
	return 0
}

// entriesFrom copies at most max entries starting at index.
func (s *Server) entriesFrom(index uint32, max int) []casualfs.LogEntry {
	var last = s.lastLogIndex()
	if index == 0 || index > last {
		return nil
	}

	var end = last
	if max > 0 && end-index+1 > uint32(max) {
		end = index + uint32(max) - 1
	}

	var res = make([]casualfs.LogEntry, end-index+1)
	copy(res, s.persistentState.log[index-1:end])
	return res
}
