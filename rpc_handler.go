package casualfs

// Client-facing request and response bodies shared by the file service HTTP
// handler and the client package.

type ProposeRequest struct {
	Op       string   `json:"op"` // create, modify or delete
	Filename string   `json:"filename"`
	BlockIDs []string `json:"blockIDs,omitempty"`
	Version  uint32   `json:"version,omitempty"` // expected version after the op, 0 = next
}

type ProposeResponse struct {
	Success bool   `json:"success"`
	Version uint32 `json:"version"`
	Index   uint32 `json:"index"` // log index the op was committed at
	Error   string `json:"error,omitempty"`
}

// NotLeaderResponse is sent with status 421 by servers that are not leader.
type NotLeaderResponse struct {
	LeaderID   uint32 `json:"leaderID"`
	LeaderAddr string `json:"leaderAddr"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type HasBlocksRequest struct {
	BlockIDs []string `json:"blockIDs"`
}

type HasBlocksResponse struct {
	BlockIDs []string `json:"blockIDs"`
}

type PutBlockResponse struct {
	BlockID string `json:"blockID"`
}

// HealthResponse mirrors the node status exposed on /health.
type HealthResponse struct {
	ID          uint32 `json:"id"`
	Term        uint32 `json:"term"`
	IsLeader    bool   `json:"isLeader"`
	Role        string `json:"role"`
	LeaderID    uint32 `json:"leaderID"`
	CommitIndex uint32 `json:"commitIndex"`
	LastApplied uint32 `json:"lastApplied"`
	LogLength   int    `json:"logLength"`
	Crashed     bool   `json:"crashed"`
}
