package casualfs

// LogEntry is a single replicated log record.
type LogEntry struct {
	Index   uint32 // log index starting from 1
	Term    uint32 // term when entry was received by leader
	Command []byte // encoded file operation for the state machine
}
