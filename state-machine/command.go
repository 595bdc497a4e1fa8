package state_machine

import (
	"fmt"

	casualfs "github.com/Konstantsiy/casual-fs"
	"google.golang.org/protobuf/encoding/protowire"
)

/*
	a file operation is encoded in the protobuf wire format:
	1 - kind,       varint
	2 - filename,   string
	3 - block ids,  repeated string
	4 - version,    varint
	5 - request id, string

	an empty command is a no-op, this is what a new leader appends
*/
const (
	fieldKind      protowire.Number = 1
	fieldFilename  protowire.Number = 2
	fieldBlockIDs  protowire.Number = 3
	fieldVersion   protowire.Number = 4
	fieldRequestID protowire.Number = 5
)

// EncodeOp validates op and encodes it into a log entry command
func EncodeOp(op casualfs.FileOp) ([]byte, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}
	if op.Kind == casualfs.OpNoop {
		return nil, nil
	}

	var b []byte

	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(op.Kind))

	b = protowire.AppendTag(b, fieldFilename, protowire.BytesType)
	b = protowire.AppendString(b, op.Filename)

	for _, id := range op.BlockIDs {
		b = protowire.AppendTag(b, fieldBlockIDs, protowire.BytesType)
		b = protowire.AppendString(b, id)
	}

	if op.Version != 0 {
		b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(op.Version))
	}

	if op.RequestID != "" {
		b = protowire.AppendTag(b, fieldRequestID, protowire.BytesType)
		b = protowire.AppendString(b, op.RequestID)
	}

	return b, nil
}

// DecodeOp decodes a log entry command. Unknown fields are skipped.
func DecodeOp(cmd []byte) (casualfs.FileOp, error) {
	var op casualfs.FileOp

	for b := cmd; len(b) > 0; {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return op, fmt.Errorf("%w: %v", casualfs.ErrInvalidOp, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldKind && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			if n >= 0 && v > 0xff {
				return op, fmt.Errorf("%w: op kind %d", casualfs.ErrInvalidOp, v)
			}
			op.Kind = casualfs.OpKind(v)

		case num == fieldFilename && typ == protowire.BytesType:
			op.Filename, n = protowire.ConsumeString(b)

		case num == fieldBlockIDs && typ == protowire.BytesType:
			var id string
			id, n = protowire.ConsumeString(b)
			op.BlockIDs = append(op.BlockIDs, id)

		case num == fieldVersion && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			op.Version = uint32(v)

		case num == fieldRequestID && typ == protowire.BytesType:
			op.RequestID, n = protowire.ConsumeString(b)

		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}

		if n < 0 {
			return op, fmt.Errorf("%w: field %d: %v", casualfs.ErrInvalidOp, num, protowire.ParseError(n))
		}
		b = b[n:]
	}

	if err := op.Validate(); err != nil {
		return op, err
	}

	return op, nil
}
