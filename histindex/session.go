package histindex

import (
	"fmt"
	"sort"

	"github.com/chatmesh/go-chatmesh/common/types"
	"github.com/chatmesh/go-chatmesh/database"
)

// session is the scratch state of one mutator invocation. Entry edits
// update the in-memory slice and stage the mirroring put/delete into
// the transaction batch in the same step, so both views never diverge.
type session struct {
	t     *Table
	scope types.Scope
	st    *scopeState
	batch database.Batch
	op    string
	cl    ChangeLog

	holesOpened int
	holesClosed int
}

func (t *Table) begin(batch database.Batch, scope types.Scope, op string) (*session, error) {
	st, err := t.state(scope)
	if err != nil {
		return nil, err
	}
	return &session{t: t, scope: scope, st: st, batch: batch, op: op}, nil
}

// abort drops the scope from the cache: the in-memory state may have
// diverged from the store, and the batch will never be committed.
func (s *session) abort(err error) error {
	s.t.Invalidate(s.scope)
	return fmt.Errorf("scope %s: %s: %w", s.scope, s.op, err)
}

func (s *session) finish() (ChangeLog, error) {
	if s.t.strict {
		if err := validateEntries(s.st.entries); err != nil {
			return nil, s.abort(fmt.Errorf("consistency check: %w", err))
		}
	}
	var added, removed int
	for _, ev := range s.cl {
		switch ev.Kind {
		case MessageAdded:
			added++
		case MessageRemoved:
			removed++
		}
	}
	if added > 0 {
		messagesAdded.WithLabelValues(s.op).Add(float64(added))
	}
	if removed > 0 {
		messagesRemoved.WithLabelValues(s.op).Add(float64(removed))
	}
	if s.holesOpened > 0 {
		holesOpened.WithLabelValues(s.op).Add(float64(s.holesOpened))
	}
	if s.holesClosed > 0 {
		holesClosed.WithLabelValues(s.op).Add(float64(s.holesClosed))
	}
	return s.cl, nil
}

// insert places a new entry by its lower bound.
func (s *session) insert(e Entry) error {
	value, err := encodeEntry(e)
	if err != nil {
		return err
	}
	if err := s.batch.Put(entryKey(s.scope, e.LowerBound()), value); err != nil {
		return err
	}
	i := sort.Search(len(s.st.entries), func(i int) bool {
		return s.st.entries[i].LowerBound() >= e.LowerBound()
	})
	s.st.entries = append(s.st.entries, nil)
	copy(s.st.entries[i+1:], s.st.entries[i:])
	s.st.entries[i] = e
	if _, ok := e.(HoleEntry); ok {
		s.holesOpened++
	}
	return nil
}

func (s *session) removeAt(i int) error {
	e := s.st.entries[i]
	if err := s.batch.Delete(entryKey(s.scope, e.LowerBound())); err != nil {
		return err
	}
	s.st.entries = append(s.st.entries[:i], s.st.entries[i+1:]...)
	if _, ok := e.(HoleEntry); ok {
		s.holesClosed++
	}
	return nil
}

// replaceAt swaps the entry at i for one covering an adjusted range.
// The persisted key moves when the lower bound does.
func (s *session) replaceAt(i int, e Entry) error {
	old := s.st.entries[i]
	if old.LowerBound() != e.LowerBound() {
		if err := s.batch.Delete(entryKey(s.scope, old.LowerBound())); err != nil {
			return err
		}
	}
	value, err := encodeEntry(e)
	if err != nil {
		return err
	}
	if err := s.batch.Put(entryKey(s.scope, e.LowerBound()), value); err != nil {
		return err
	}
	s.st.entries[i] = e
	return nil
}

// insertMessage applies the generic per-message insert rule: skip if
// already known, insert directly into a confirmed-empty zone, or split
// the containing hole.
func (s *session) insertMessage(m InsertMessage) error {
	pos := s.st.locate(m.ID)
	if pos.at >= 0 {
		switch e := s.st.entries[pos.at].(type) {
		case MessageEntry:
			// first write wins
			return nil
		case HoleEntry:
			return s.splitHole(pos.at, e, m)
		default:
			return fmt.Errorf("unknown entry variant %T", e)
		}
	}
	if err := s.insert(MessageEntry{ID: m.ID, Timestamp: m.Timestamp}); err != nil {
		return err
	}
	s.cl.added(s.scope, m.Message, m.Tags)
	return nil
}

// splitHole carves the message out of the hole at i, keeping whichever
// remainders still have positive width.
func (s *session) splitHole(i int, h HoleEntry, m InsertMessage) error {
	if err := s.removeAt(i); err != nil {
		return err
	}
	if m.ID > h.Min {
		if err := s.insert(HoleEntry{Min: h.Min, Max: m.ID - 1, MaxTimestamp: m.Timestamp}); err != nil {
			return err
		}
	}
	if err := s.insert(MessageEntry{ID: m.ID, Timestamp: m.Timestamp}); err != nil {
		return err
	}
	if m.ID < h.Max {
		if err := s.insert(HoleEntry{Min: m.ID + 1, Max: h.Max, MaxTimestamp: h.MaxTimestamp}); err != nil {
			return err
		}
	}
	s.cl.added(s.scope, m.Message, m.Tags)
	return nil
}
