package casualfs

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrFileExists        = errors.New("file already exists")
	ErrVersionConflict   = errors.New("version conflict")
	ErrInvalidOp         = errors.New("invalid file operation")
	ErrEmptyBlock        = errors.New("block must be at least one byte")
	ErrBlockTooLarge     = errors.New("block too large")
	ErrBlockHashMismatch = errors.New("block id does not match content")
)

// NotLeaderError is returned by a server that cannot accept writes or
// linearizable reads. LeaderID is 0 when no leader is known.
type NotLeaderError struct {
	LeaderID   uint32
	LeaderAddr string
}

func (e *NotLeaderError) Error() string {
	if e.LeaderID == 0 {
		return "not leader, leader unknown"
	}
	return fmt.Sprintf("not leader, try server %d at %s", e.LeaderID, e.LeaderAddr)
}

// IsNotLeader reports whether err is a NotLeaderError and returns it.
func IsNotLeader(err error) (*NotLeaderError, bool) {
	var nle *NotLeaderError
	if errors.As(err, &nle) {
		return nle, true
	}
	return nil, false
}
