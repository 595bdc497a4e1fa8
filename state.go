package casualfs

import (
	"crypto/sha256"
	"encoding/hex"
)

// FileMetadata is the replicated view of one file.
type FileMetadata struct {
	Filename string   `json:"filename"`
	BlockIDs []string `json:"blockIDs"`
	Version  uint32   `json:"version"`

	// Deleted marks a tombstone, kept so versions keep growing after re-create
	Deleted bool `json:"deleted,omitempty"`
}

// ApplyResult is what applying one log entry produced for the client.
type ApplyResult struct {
	Index   uint32
	Success bool
	Version uint32
	Err     error // rejection reason when Success is false
}

// BlockID returns the content identifier of a block: hex encoded SHA-256.
func BlockID(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
