package casualfs

import "fmt"

type OpKind uint8

const (
	// OpNoop is appended by a new leader to commit entries of older terms
	OpNoop OpKind = iota

	// OpCreate creates a file, or revives a deleted one
	OpCreate

	// OpModify replaces the block list of a live file
	OpModify

	// OpDelete leaves a tombstone and bumps the version
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpNoop:
		return "noop"
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("op(%d)", uint8(k))
	}
}

// ParseOpKind is the inverse of OpKind.String for client-facing values.
func ParseOpKind(s string) (OpKind, error) {
	switch s {
	case "create":
		return OpCreate, nil
	case "modify":
		return OpModify, nil
	case "delete":
		return OpDelete, nil
	default:
		return 0, fmt.Errorf("unknown file operation: %q", s)
	}
}

// FileOp is the command carried by a log entry.
type FileOp struct {
	Kind     OpKind
	Filename string
	BlockIDs []string

	// Version, when non-zero, is the version the file must have after the op.
	// Zero lets the state machine pick the next version.
	Version uint32

	// RequestID ties a log entry back to the client request, for logging only
	RequestID string
}

func (op FileOp) Validate() error {
	switch op.Kind {
	case OpNoop:
		return nil
	case OpCreate, OpModify:
	case OpDelete:
		if len(op.BlockIDs) > 0 {
			return fmt.Errorf("%w: delete must not carry blocks", ErrInvalidOp)
		}
	default:
		return fmt.Errorf("%w: %s", ErrInvalidOp, op.Kind)
	}

	if op.Filename == "" {
		return fmt.Errorf("%w: filename is required", ErrInvalidOp)
	}
	if op.Filename == "." || op.Filename == ".." {
		return fmt.Errorf("%w: filename %q is reserved", ErrInvalidOp, op.Filename)
	}

	return nil
}
