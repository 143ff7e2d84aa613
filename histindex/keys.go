package histindex

import (
	"encoding/binary"
	"fmt"

	"github.com/chatmesh/go-chatmesh/codec"
	"github.com/chatmesh/go-chatmesh/common/types"
)

// Keyspace prefix owned by the history index table. Collaborator tables
// claim their own prefixes (globalid: 0x02/0x03, tagoverlay: 0x04,
// engine seed markers: 0x05) so all tables can share one database.
const tablePrefix = byte(0x01)

const (
	scopePrefixLen = 1 + 8 + 4
	entryKeyLen    = scopePrefixLen + 4
)

// scopePrefix is the shared key prefix of every entry in a scope.
// Ascending byte order of full keys matches ascending (scope, lower
// bound) order, which is what the load scan relies on.
func scopePrefix(scope types.Scope) []byte {
	buf := make([]byte, scopePrefixLen)
	buf[0] = tablePrefix
	binary.BigEndian.PutUint64(buf[1:], uint64(scope.Peer))
	binary.BigEndian.PutUint32(buf[9:], uint32(scope.Namespace))
	return buf
}

// entryKey keys an entry by its scope and lower bound. Lower bounds are
// always positive, so the unsigned big-endian encoding preserves their
// numeric order.
func entryKey(scope types.Scope, lower types.LocalID) []byte {
	buf := make([]byte, entryKeyLen)
	copy(buf, scopePrefix(scope))
	binary.BigEndian.PutUint32(buf[scopePrefixLen:], uint32(lower))
	return buf
}

// scopeFromKey recovers the scope from a full entry key.
func scopeFromKey(key []byte) (types.Scope, error) {
	if len(key) != entryKeyLen || key[0] != tablePrefix {
		return types.Scope{}, fmt.Errorf("malformed entry key of length %d", len(key))
	}
	return types.Scope{
		Peer:      types.PeerID(binary.BigEndian.Uint64(key[1:])),
		Namespace: types.Namespace(binary.BigEndian.Uint32(key[9:])),
	}, nil
}

// Entry payloads are a one byte variant tag followed by the encoded
// record of the variant.
const (
	tagMessage = byte(0x00)
	tagHole    = byte(0x01)
)

type messageRecord struct {
	ID        int32
	Timestamp int32
}

type holeRecord struct {
	Min          int32
	Max          int32
	MaxTimestamp int32
}

func encodeEntry(e Entry) ([]byte, error) {
	switch e := e.(type) {
	case MessageEntry:
		body, err := codec.Encode(&messageRecord{ID: int32(e.ID), Timestamp: int32(e.Timestamp)})
		if err != nil {
			return nil, fmt.Errorf("encode message record: %w", err)
		}
		return append([]byte{tagMessage}, body...), nil
	case HoleEntry:
		body, err := codec.Encode(&holeRecord{
			Min:          int32(e.Min),
			Max:          int32(e.Max),
			MaxTimestamp: int32(e.MaxTimestamp),
		})
		if err != nil {
			return nil, fmt.Errorf("encode hole record: %w", err)
		}
		return append([]byte{tagHole}, body...), nil
	default:
		return nil, fmt.Errorf("unknown entry variant %T", e)
	}
}

func decodeEntry(value []byte) (Entry, error) {
	if len(value) < 1 {
		return nil, fmt.Errorf("empty entry payload")
	}
	switch value[0] {
	case tagMessage:
		var rec messageRecord
		if err := codec.Decode(value[1:], &rec); err != nil {
			return nil, fmt.Errorf("decode message record: %w", err)
		}
		return MessageEntry{ID: types.LocalID(rec.ID), Timestamp: types.Timestamp(rec.Timestamp)}, nil
	case tagHole:
		var rec holeRecord
		if err := codec.Decode(value[1:], &rec); err != nil {
			return nil, fmt.Errorf("decode hole record: %w", err)
		}
		return HoleEntry{
			Min:          types.LocalID(rec.Min),
			Max:          types.LocalID(rec.Max),
			MaxTimestamp: types.Timestamp(rec.MaxTimestamp),
		}, nil
	default:
		return nil, fmt.Errorf("unknown entry tag 0x%02x", value[0])
	}
}
