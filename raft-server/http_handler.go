package server

import (
	"encoding/json"
	"net/http"

	casualfs "github.com/Konstantsiy/casual-fs"
)

type AppendEntriesRequest struct {
	Term         uint32              // leader's term
	LeaderID     uint32              // leader's ID
	PrevLogIndex uint32              // index of log entry immediately preceding new ones
	PrevLogTerm  uint32              // term of prevLogIndex entry
	Entries      []casualfs.LogEntry // log entries to store (empty for heartbeat; may send more than one for efficiency)
	LeaderCommit uint32              // leader's commitIndex
}

type AppendEntriesResponse struct {
	Term    uint32 // currentTerm, for leader to update itself
	Success bool   // true if follower contained entry matching prevLogIndex and prevLogTerm

	// set on rejection: ConflictTerm is the term of the follower's entry at
	// prevLogIndex and ConflictIndex its first index, or ConflictTerm is 0 and
	// ConflictIndex is one past the follower's last entry
	ConflictIndex uint32
	ConflictTerm  uint32
}

type RequestVoteRequest struct {
	Term         uint32 // candidate's term
	CandidateID  uint32 // candidate requesting votes
	LastLogIndex uint32 // index of candidate's last log entry
	LastLogTerm  uint32 // term of candidate's last log entry
}

type RequestVoteResponse struct {
	Term        uint32 // currentTerm, for a candidate to update itself
	VoteGranted bool   // true means a candidate received a vote
}

// HTTPHandler serves the peer RPCs and the admin endpoints of one server
type HTTPHandler struct {
	server *Server
}

func NewHTTPHandler(server *Server) *HTTPHandler {
	return &HTTPHandler{server: server}
}

func (h *HTTPHandler) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("POST /append_entries", h.handleAppendEntries)
	mux.HandleFunc("POST /request_vote", h.handleRequestVote)
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("POST /crash", h.handleCrash)
	mux.HandleFunc("POST /restore", h.handleRestore)
}

func (h *HTTPHandler) handleAppendEntries(w http.ResponseWriter, r *http.Request) {
	var req AppendEntriesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := h.server.HandleAppendEntries(&req)
	if err != nil {
		// crashed or halted servers look unreachable to the leader
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandler) handleRequestVote(w http.ResponseWriter, r *http.Request) {
	var req RequestVoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := h.server.HandleRequestVote(&req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	var status = h.server.Status()

	var code = http.StatusOK
	if status.Halted {
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, casualfs.HealthResponse{
		ID:          status.ID,
		Term:        status.Term,
		IsLeader:    status.Role == Leader,
		Role:        status.Role.String(),
		LeaderID:    status.LeaderID,
		CommitIndex: status.CommitIndex,
		LastApplied: status.LastApplied,
		LogLength:   status.LogLength,
		Crashed:     status.Crashed,
	})
}

func (h *HTTPHandler) handleCrash(w http.ResponseWriter, _ *http.Request) {
	h.server.Crash()
	w.WriteHeader(http.StatusOK)
}

func (h *HTTPHandler) handleRestore(w http.ResponseWriter, _ *http.Request) {
	h.server.Restore()
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
