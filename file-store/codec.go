package store

import (
	"fmt"

	casualfs "github.com/Konstantsiy/casual-fs"
	"google.golang.org/protobuf/encoding/protowire"
)

// metadata record fields, protobuf wire format:
//
//	1 filename  string
//	2 block ids repeated string
//	3 version   uint32
//	4 deleted   bool
const (
	metaFilename protowire.Number = 1
	metaBlockIDs protowire.Number = 2
	metaVersion  protowire.Number = 3
	metaDeleted  protowire.Number = 4
)

func encodeMeta(meta casualfs.FileMetadata) []byte {
	var b []byte

	b = protowire.AppendTag(b, metaFilename, protowire.BytesType)
	b = protowire.AppendString(b, meta.Filename)

	for _, id := range meta.BlockIDs {
		b = protowire.AppendTag(b, metaBlockIDs, protowire.BytesType)
		b = protowire.AppendString(b, id)
	}

	if meta.Version != 0 {
		b = protowire.AppendTag(b, metaVersion, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(meta.Version))
	}

	if meta.Deleted {
		b = protowire.AppendTag(b, metaDeleted, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}

	return b
}

func decodeMeta(b []byte) (casualfs.FileMetadata, error) {
	var meta casualfs.FileMetadata

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return meta, fmt.Errorf("cannot decode metadata: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == metaFilename && typ == protowire.BytesType:
			var s string
			s, n = protowire.ConsumeString(b)
			meta.Filename = s

		case num == metaBlockIDs && typ == protowire.BytesType:
			var s string
			s, n = protowire.ConsumeString(b)
			meta.BlockIDs = append(meta.BlockIDs, s)

		case num == metaVersion && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			meta.Version = uint32(v)

		case num == metaDeleted && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			meta.Deleted = protowire.DecodeBool(v)

		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}

		if n < 0 {
			return meta, fmt.Errorf("cannot decode metadata field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
	}

	if meta.Filename == "" {
		return meta, fmt.Errorf("cannot decode metadata: missing filename")
	}

	return meta, nil
}
