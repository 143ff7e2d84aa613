// Package histindex maintains, per conversation scope, the partition of
// the message identifier space into known messages, unresolved holes and
// confirmed-empty ranges. It is the ledger a sync engine consults to
// decide what still needs fetching, and updates with every fetch result.
package histindex

import (
	"fmt"

	"github.com/chatmesh/go-chatmesh/common/types"
)

// Entry is one element of a scope's ordered partition. It is either a
// MessageEntry covering a single identifier or a HoleEntry covering an
// inclusive identifier range. Every switch over Entry must list both
// concrete types so that adding a variant fails loudly.
type Entry interface {
	// LowerBound is the first identifier covered by the entry.
	LowerBound() types.LocalID
	// UpperBound is the last identifier covered by the entry.
	UpperBound() types.LocalID

	sealed()
}

// MessageEntry marks a single identifier as known, with its payload
// already fetched and stored elsewhere.
type MessageEntry struct {
	ID        types.LocalID
	Timestamp types.Timestamp
}

func (m MessageEntry) LowerBound() types.LocalID { return m.ID }
func (m MessageEntry) UpperBound() types.LocalID { return m.ID }
func (m MessageEntry) sealed()                   {}

func (m MessageEntry) String() string {
	return fmt.Sprintf("msg(%d@%d)", m.ID, m.Timestamp)
}

// HoleEntry marks the inclusive range [Min, Max] as unresolved, pending
// a backfill fetch. MaxTimestamp is an upper-bound estimate of the time
// boundary, copied from the neighboring known message when the hole was
// created. It is metadata only and may diverge from any real message
// timestamp after splits and merges.
type HoleEntry struct {
	Min          types.LocalID
	Max          types.LocalID
	MaxTimestamp types.Timestamp
}

func (h HoleEntry) LowerBound() types.LocalID { return h.Min }
func (h HoleEntry) UpperBound() types.LocalID { return h.Max }
func (h HoleEntry) sealed()                   {}

func (h HoleEntry) String() string {
	return fmt.Sprintf("hole(%d..%d@%d)", h.Min, h.Max, h.MaxTimestamp)
}

// validateEntries checks the structural invariants of a scope's entry
// sequence: ascending non-overlapping ranges, well-formed hole bounds
// and no two adjacent holes. A violation reaching persistence is a
// logic defect, never an input error.
func validateEntries(entries []Entry) error {
	for i, e := range entries {
		switch e := e.(type) {
		case MessageEntry:
			if e.ID < types.MinLocalID {
				return fmt.Errorf("entry %d: message id %d below minimum", i, e.ID)
			}
		case HoleEntry:
			if e.Min < types.MinLocalID || e.Min > e.Max {
				return fmt.Errorf("entry %d: malformed hole bounds [%d, %d]", i, e.Min, e.Max)
			}
		default:
			return fmt.Errorf("entry %d: unknown entry variant %T", i, e)
		}
		if i == 0 {
			continue
		}
		prev := entries[i-1]
		if e.LowerBound() <= prev.UpperBound() {
			return fmt.Errorf("entry %d: range [%d, %d] overlaps or is unordered after [%d, %d]",
				i, e.LowerBound(), e.UpperBound(), prev.LowerBound(), prev.UpperBound())
		}
		_, prevHole := prev.(HoleEntry)
		_, curHole := e.(HoleEntry)
		if prevHole && curHole && e.LowerBound() == prev.UpperBound()+1 {
			return fmt.Errorf("entry %d: adjacent holes [%d, %d] and [%d, %d] must be merged",
				i, prev.LowerBound(), prev.UpperBound(), e.LowerBound(), e.UpperBound())
		}
	}
	return nil
}
