package histindex

import (
	"fmt"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/chatmesh/go-chatmesh/common/types"
	"github.com/chatmesh/go-chatmesh/database"
	"github.com/chatmesh/go-chatmesh/log"
)

// InsertMode qualifies what an AddMessages batch represents.
type InsertMode uint8

const (
	// ModeRandom is a batch with no positional guarantee.
	ModeRandom InsertMode = iota
	// ModeUpperBlock asserts the batch is the newest contiguous fetched
	// block, certifying everything above it as confirmed-empty.
	ModeUpperBlock
)

// FillDirection selects which remainder of a partially filled hole
// survives. The fetch pipeline's pivot for around-style fetches does
// not influence the index: with DirectionAround both remainders are
// kept regardless of where the pivot was.
type FillDirection uint8

const (
	// DirectionUpperToLower keeps only the lower remainder.
	DirectionUpperToLower FillDirection = iota + 1
	// DirectionLowerToUpper keeps only the upper remainder.
	DirectionLowerToUpper
	// DirectionAround keeps both remainders.
	DirectionAround
)

// InsertMessage is a message to insert plus its forwarded tag set.
type InsertMessage struct {
	types.Message
	Tags types.TagMask
}

// number of scopes whose entry list is kept decoded in memory.
const defaultCacheSize = 256

// Table is the history index: per scope, the ordered non-overlapping
// partition of the identifier space into messages, holes and
// confirmed-empty ranges.
//
// Mutators stage all writes into the supplied batch and update the
// in-memory state immediately; the caller owns the transaction and
// must commit the batch together with any collaborator updates driven
// by the returned change log. Access must be serialized per scope.
type Table struct {
	db     database.Database
	cache  *lru.Cache[types.Scope, *scopeState]
	logger log.Log
	strict bool
}

type scopeState struct {
	entries []Entry
}

// Opt configures a Table.
type Opt func(*Table)

// WithConsistencyChecks validates the scope's invariants after every
// mutation. A failed check poisons nothing on disk (the batch is never
// committed by the table) but surfaces a logic defect early.
func WithConsistencyChecks() Opt {
	return func(t *Table) { t.strict = true }
}

// New creates a Table over the given store.
func New(db database.Database, logger log.Log, opts ...Opt) *Table {
	cache, err := lru.New[types.Scope, *scopeState](defaultCacheSize)
	if err != nil {
		panic(err) // only fails on non-positive size
	}
	t := &Table{
		db:     db,
		cache:  cache,
		logger: logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// state returns the decoded entry list of a scope, loading it with one
// ordered range scan on first touch.
func (t *Table) state(scope types.Scope) (*scopeState, error) {
	if st, ok := t.cache.Get(scope); ok {
		return st, nil
	}
	st := &scopeState{}
	it := t.db.Find(scopePrefix(scope))
	defer it.Release()
	for it.Next() {
		e, err := decodeEntry(it.Value())
		if err != nil {
			return nil, fmt.Errorf("scope %s: %w", scope, err)
		}
		st.entries = append(st.entries, e)
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("scope %s: load: %w", scope, err)
	}
	t.logger.With().Debug("loaded scope", scope.Field(), log.Int("entries", len(st.entries)))
	t.cache.Add(scope, st)
	cachedScopes.WithLabelValues().Set(float64(t.cache.Len()))
	return st, nil
}

// Invalidate drops the scope's cached state so the next access reloads
// it from the store. Transaction owners call it after abandoning an
// uncommitted batch: the in-memory state may hold edits that were
// never persisted.
func (t *Table) Invalidate(scope types.Scope) {
	t.cache.Remove(scope)
	cachedScopes.WithLabelValues().Set(float64(t.cache.Len()))
}

// Entries returns a copy of the scope's ordered entry list.
func (t *Table) Entries(scope types.Scope) ([]Entry, error) {
	st, err := t.state(scope)
	if err != nil {
		return nil, err
	}
	return append([]Entry(nil), st.entries...), nil
}

// Scopes lists every scope that has at least one entry.
func (t *Table) Scopes() ([]types.Scope, error) {
	it := t.db.Find([]byte{tablePrefix})
	defer it.Release()
	var (
		out  []types.Scope
		last types.Scope
		have bool
	)
	for it.Next() {
		sc, err := scopeFromKey(it.Key())
		if err != nil {
			return nil, err
		}
		if !have || sc != last {
			out = append(out, sc)
			last, have = sc, true
		}
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("scan scopes: %w", err)
	}
	return out, nil
}

// position of an identifier relative to a scope's entry list.
type position struct {
	at    int // containing entry, or -1 for a confirmed-empty zone
	below int // nearest entry strictly below, or -1
	above int // nearest entry strictly above, or -1
}

func (st *scopeState) locate(id types.LocalID) position {
	n := len(st.entries)
	i := sort.Search(n, func(i int) bool { return st.entries[i].UpperBound() >= id })
	pos := position{at: -1, below: -1, above: -1}
	if i < n && st.entries[i].LowerBound() <= id {
		pos.at = i
		if i > 0 {
			pos.below = i - 1
		}
		if i+1 < n {
			pos.above = i + 1
		}
		return pos
	}
	if i > 0 {
		pos.below = i - 1
	}
	if i < n {
		pos.above = i
	}
	return pos
}

// AddHole marks the confirmed-empty zone containing id as unknown. The
// new hole always spans the whole enclosing zone. On an empty scope the
// entire space collapses to one unbounded hole; over a known message or
// an existing hole the call is a no-op.
func (t *Table) AddHole(batch database.Batch, scope types.Scope, id types.LocalID) (ChangeLog, error) {
	s, err := t.begin(batch, scope, "add_hole")
	if err != nil {
		return nil, err
	}
	if id < types.MinLocalID {
		return s.finish()
	}
	if len(s.st.entries) == 0 {
		if err := s.insert(HoleEntry{Min: types.MinLocalID, Max: types.MaxLocalID, MaxTimestamp: types.TimestampUnbounded}); err != nil {
			return nil, s.abort(err)
		}
		return s.finish()
	}
	pos := s.st.locate(id)
	if pos.at >= 0 {
		// already known or already unknown
		return s.finish()
	}
	hole := HoleEntry{Min: types.MinLocalID, Max: types.MaxLocalID, MaxTimestamp: types.TimestampUnbounded}
	if pos.below >= 0 {
		hole.Min = s.st.entries[pos.below].UpperBound() + 1
	}
	if pos.above >= 0 {
		upper := s.st.entries[pos.above]
		hole.Max = upper.LowerBound() - 1
		if m, ok := upper.(MessageEntry); ok {
			hole.MaxTimestamp = m.Timestamp
		}
	}
	// a hole bordering the zone is absorbed to keep holes non-adjacent
	if pos.above >= 0 {
		if h, ok := s.st.entries[pos.above].(HoleEntry); ok {
			hole.Max = h.Max
			hole.MaxTimestamp = h.MaxTimestamp
			if err := s.removeAt(pos.above); err != nil {
				return nil, s.abort(err)
			}
		}
	}
	if pos.below >= 0 {
		if h, ok := s.st.entries[pos.below].(HoleEntry); ok {
			hole.Min = h.Min
			if err := s.removeAt(pos.below); err != nil {
				return nil, s.abort(err)
			}
		}
	}
	if err := s.insert(hole); err != nil {
		return nil, s.abort(err)
	}
	return s.finish()
}

// AddMessages inserts fetched messages, splitting any hole an id lands
// in. Duplicate ids are skipped: the first successful insert wins and
// the original timestamp is preserved. With ModeUpperBlock the topmost
// entry of the scope is removed afterwards if it is a hole, since a
// confirmed top-of-history fetch certifies everything above the batch
// as empty.
func (t *Table) AddMessages(batch database.Batch, scope types.Scope, msgs []InsertMessage, mode InsertMode) (ChangeLog, error) {
	s, err := t.begin(batch, scope, "add_messages")
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		if m.ID < types.MinLocalID {
			continue
		}
		if err := s.insertMessage(m); err != nil {
			return nil, s.abort(err)
		}
	}
	if mode == ModeUpperBlock {
		if n := len(s.st.entries); n > 0 {
			if h, ok := s.st.entries[n-1].(HoleEntry); ok {
				if err := s.removeAt(n - 1); err != nil {
					return nil, s.abort(err)
				}
				t.logger.With().Debug("stripped top hole after upper block insert",
					scope.Field(), log.Int32("hole_min", int32(h.Min)), log.Int32("hole_max", int32(h.Max)))
			}
		}
	}
	return s.finish()
}

// FillHole applies the result of fetching the hole containing anchor.
// All messages, in-range and overflow alike, are inserted via the
// generic split rule; the hole itself is then either dissolved
// (complete) or trimmed to the remainder(s) the direction keeps. With
// no hole at the anchor only the inserts happen: no hole is fabricated.
func (t *Table) FillHole(batch database.Batch, scope types.Scope, anchor types.LocalID, complete bool, dir FillDirection, msgs []InsertMessage) (ChangeLog, error) {
	s, err := t.begin(batch, scope, "fill_hole")
	if err != nil {
		return nil, err
	}
	pos := s.st.locate(anchor)
	var hole HoleEntry
	found := false
	if pos.at >= 0 {
		hole, found = s.st.entries[pos.at].(HoleEntry)
	}
	if !found {
		for _, m := range msgs {
			if m.ID < types.MinLocalID {
				continue
			}
			if err := s.insertMessage(m); err != nil {
				return nil, s.abort(err)
			}
		}
		return s.finish()
	}
	if err := s.removeAt(pos.at); err != nil {
		return nil, s.abort(err)
	}
	var (
		haveInRange bool
		lo, hi      types.LocalID
		loTS        types.Timestamp
	)
	for _, m := range msgs {
		if m.ID < hole.Min || m.ID > hole.Max {
			continue
		}
		if !haveInRange || m.ID < lo {
			lo, loTS = m.ID, m.Timestamp
		}
		if !haveInRange || m.ID > hi {
			hi = m.ID
		}
		haveInRange = true
	}
	for _, m := range msgs {
		if m.ID < types.MinLocalID {
			continue
		}
		if err := s.insertMessage(m); err != nil {
			return nil, s.abort(err)
		}
	}
	switch {
	case !haveInRange:
		if !complete {
			// nothing landed inside the hole, keep it as it was
			if err := s.insert(hole); err != nil {
				return nil, s.abort(err)
			}
		}
	case !complete:
		keepLower := dir == DirectionUpperToLower || dir == DirectionAround
		keepUpper := dir == DirectionLowerToUpper || dir == DirectionAround
		if keepLower && lo > hole.Min {
			if err := s.insert(HoleEntry{Min: hole.Min, Max: lo - 1, MaxTimestamp: loTS}); err != nil {
				return nil, s.abort(err)
			}
		}
		if keepUpper && hi < hole.Max {
			if err := s.insert(HoleEntry{Min: hi + 1, Max: hole.Max, MaxTimestamp: hole.MaxTimestamp}); err != nil {
				return nil, s.abort(err)
			}
		}
	}
	return s.finish()
}

// RemoveMessage deletes the message at id if present and repairs the
// neighborhood: bordering holes absorb the freed identifier (merging
// when the message separated two holes), while a delete inside a fully
// known region leaves the region fully known.
func (t *Table) RemoveMessage(batch database.Batch, scope types.Scope, id types.LocalID) (ChangeLog, error) {
	s, err := t.begin(batch, scope, "remove_message")
	if err != nil {
		return nil, err
	}
	pos := s.st.locate(id)
	if pos.at < 0 {
		return s.finish()
	}
	msg, ok := s.st.entries[pos.at].(MessageEntry)
	if !ok {
		return s.finish()
	}
	var lower, upper Entry
	if pos.at > 0 {
		lower = s.st.entries[pos.at-1]
	}
	if pos.at+1 < len(s.st.entries) {
		upper = s.st.entries[pos.at+1]
	}
	if err := s.removeAt(pos.at); err != nil {
		return nil, s.abort(err)
	}
	lh, lok := lower.(HoleEntry)
	uh, uok := upper.(HoleEntry)
	switch {
	case lok && uok:
		// the message separated two holes, merge them
		if err := s.removeAt(pos.at); err != nil { // upper hole, shifted down
			return nil, s.abort(err)
		}
		if err := s.replaceAt(pos.at-1, HoleEntry{Min: lh.Min, Max: uh.Max, MaxTimestamp: uh.MaxTimestamp}); err != nil {
			return nil, s.abort(err)
		}
	case lok:
		ext := HoleEntry{Min: lh.Min, Max: types.MaxLocalID, MaxTimestamp: types.TimestampUnbounded}
		if upper != nil {
			um := upper.(MessageEntry)
			ext.Max = um.ID - 1
			ext.MaxTimestamp = um.Timestamp
		}
		if err := s.replaceAt(pos.at-1, ext); err != nil {
			return nil, s.abort(err)
		}
	case uok:
		ext := HoleEntry{Min: types.MinLocalID, Max: uh.Max, MaxTimestamp: uh.MaxTimestamp}
		if lower != nil {
			lm := lower.(MessageEntry)
			ext.Min = lm.ID + 1
		}
		if err := s.replaceAt(pos.at, ext); err != nil {
			return nil, s.abort(err)
		}
	}
	s.cl.removed(scope, types.Message{ID: msg.ID, Timestamp: msg.Timestamp})
	return s.finish()
}
