package server

import "errors"

var (
	// ErrNodeCrashed is returned by a node switched off with Crash
	ErrNodeCrashed = errors.New("server is crashed")

	// ErrNodeHalted is returned after a persistence failure, the node needs a restart
	ErrNodeHalted = errors.New("server is halted")

	// ErrLeadershipLost means the proposing leader stepped down before its entry committed.
	// The entry may still commit under the next leader.
	ErrLeadershipLost = errors.New("leadership lost")

	// ErrEntryOverwritten means the proposed entry was replaced by another leader's entry
	ErrEntryOverwritten = errors.New("log entry overwritten")

	ErrShutdown = errors.New("server is shut down")
)
