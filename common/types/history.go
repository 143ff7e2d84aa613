// Package types defines the primitive identifier types shared by the
// history index and its collaborators.
package types

import (
	"fmt"
	"math"

	"github.com/chatmesh/go-chatmesh/log"
)

// PeerID identifies the remote conversation peer a scope belongs to.
type PeerID uint64

// Namespace partitions a peer's history into independent id spaces
// (e.g. cloud messages vs. scheduled messages).
type Namespace uint32

// Scope is the unit of independent indexing. Entries in different
// scopes never interact.
type Scope struct {
	Peer      PeerID
	Namespace Namespace
}

func (s Scope) String() string {
	return fmt.Sprintf("%d/%d", s.Peer, s.Namespace)
}

// Field satisfies the loggable field interface.
func (s Scope) Field() log.Field { return log.String("scope", s.String()) }

// LocalID is a message identifier unique within a scope. Identifiers
// reflect arrival order, not necessarily time order. The valid domain
// is [MinLocalID, MaxLocalID].
type LocalID int32

const (
	// MinLocalID is the lowest assignable message identifier.
	MinLocalID = LocalID(1)
	// MaxLocalID is the highest assignable message identifier.
	MaxLocalID = LocalID(math.MaxInt32)
)

// Field satisfies the loggable field interface.
func (id LocalID) Field() log.Field { return log.Int32("local_id", int32(id)) }

// Timestamp is the server time associated with a message.
type Timestamp int32

// TimestampUnbounded marks an unknown or unbounded upper time limit.
const TimestampUnbounded = Timestamp(math.MaxInt32)

// Message pairs a local identifier with its server timestamp. Payloads
// live in the payload store, never in the index.
type Message struct {
	ID        LocalID
	Timestamp Timestamp
}

// TagMask is an opaque per-message tag set (one bit per tag) threaded
// through index mutations to the tag overlay. The index never inspects
// it.
type TagMask uint32

// NumTags is the number of assignable tag bits.
const NumTags = 32

// Has reports whether tag bit i is set.
func (m TagMask) Has(i int) bool { return m&(1<<uint(i)) != 0 }
