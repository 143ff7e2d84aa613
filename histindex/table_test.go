package histindex

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chatmesh/go-chatmesh/common/types"
	"github.com/chatmesh/go-chatmesh/database"
	"github.com/chatmesh/go-chatmesh/log"
)

var testScope = types.Scope{Peer: 7, Namespace: 0}

type testIndex struct {
	t  *testing.T
	db database.Database
	tb *Table
}

func newTestIndex(t *testing.T) *testIndex {
	db := database.NewMemDatabase()
	t.Cleanup(db.Close)
	return &testIndex{t: t, db: db, tb: New(db, log.NewNop(), WithConsistencyChecks())}
}

func (ti *testIndex) addHole(scope types.Scope, id types.LocalID) ChangeLog {
	ti.t.Helper()
	batch := ti.db.NewBatch()
	cl, err := ti.tb.AddHole(batch, scope, id)
	require.NoError(ti.t, err)
	require.NoError(ti.t, batch.Write())
	return cl
}

func (ti *testIndex) addMessages(scope types.Scope, mode InsertMode, msgs ...InsertMessage) ChangeLog {
	ti.t.Helper()
	batch := ti.db.NewBatch()
	cl, err := ti.tb.AddMessages(batch, scope, msgs, mode)
	require.NoError(ti.t, err)
	require.NoError(ti.t, batch.Write())
	return cl
}

func (ti *testIndex) fillHole(scope types.Scope, anchor types.LocalID, complete bool, dir FillDirection, msgs ...InsertMessage) ChangeLog {
	ti.t.Helper()
	batch := ti.db.NewBatch()
	cl, err := ti.tb.FillHole(batch, scope, anchor, complete, dir, msgs)
	require.NoError(ti.t, err)
	require.NoError(ti.t, batch.Write())
	return cl
}

func (ti *testIndex) removeMessage(scope types.Scope, id types.LocalID) ChangeLog {
	ti.t.Helper()
	batch := ti.db.NewBatch()
	cl, err := ti.tb.RemoveMessage(batch, scope, id)
	require.NoError(ti.t, err)
	require.NoError(ti.t, batch.Write())
	return cl
}

func (ti *testIndex) entries(scope types.Scope) []Entry {
	ti.t.Helper()
	entries, err := ti.tb.Entries(scope)
	require.NoError(ti.t, err)
	return entries
}

// reload reads the scope back through a fresh table, bypassing the
// cache, to check the persisted state matches the in-memory one.
func (ti *testIndex) reload(scope types.Scope) []Entry {
	ti.t.Helper()
	entries, err := New(ti.db, log.NewNop()).Entries(scope)
	require.NoError(ti.t, err)
	return entries
}

func msg(id types.LocalID, ts types.Timestamp) InsertMessage {
	return InsertMessage{Message: types.Message{ID: id, Timestamp: ts}}
}

func message(id types.LocalID, ts types.Timestamp) Entry {
	return MessageEntry{ID: id, Timestamp: ts}
}

func hole(min, max types.LocalID, ts types.Timestamp) Entry {
	return HoleEntry{Min: min, Max: max, MaxTimestamp: ts}
}

func TestAddHoleEmptyScope(t *testing.T) {
	ti := newTestIndex(t)
	ti.addHole(testScope, 100)
	require.Equal(t,
		[]Entry{hole(1, types.MaxLocalID, types.TimestampUnbounded)},
		ti.entries(testScope))
}

func TestAddHoleIdempotent(t *testing.T) {
	ti := newTestIndex(t)
	ti.addHole(testScope, 100)
	once := ti.entries(testScope)
	ti.addHole(testScope, 100)
	require.Equal(t, once, ti.entries(testScope))
	// an id inside the previously created unbounded hole is a no-op too
	ti.addHole(testScope, 2000)
	require.Equal(t, once, ti.entries(testScope))
}

func TestAddHoleOverKnownMessage(t *testing.T) {
	ti := newTestIndex(t)
	ti.addMessages(testScope, ModeRandom, msg(100, 100))
	ti.addHole(testScope, 100)
	require.Equal(t, []Entry{message(100, 100)}, ti.entries(testScope))
}

func TestAddHoleSpansWholeEmptyZone(t *testing.T) {
	ti := newTestIndex(t)
	ti.addMessages(testScope, ModeRandom, msg(100, 100))
	ti.addMessages(testScope, ModeRandom, msg(200, 200))
	ti.addHole(testScope, 150)
	require.Equal(t, []Entry{
		message(100, 100),
		hole(101, 199, 200),
		message(200, 200),
	}, ti.entries(testScope))
}

func TestAddHoleBelowAndAboveSingleMessage(t *testing.T) {
	ti := newTestIndex(t)
	ti.addMessages(testScope, ModeRandom, msg(100, 100))
	ti.addHole(testScope, 1)
	ti.addHole(testScope, 200)
	require.Equal(t, []Entry{
		hole(1, 99, 100),
		message(100, 100),
		hole(101, types.MaxLocalID, types.TimestampUnbounded),
	}, ti.entries(testScope))

	ti.removeMessage(testScope, 100)
	require.Equal(t,
		[]Entry{hole(1, types.MaxLocalID, types.TimestampUnbounded)},
		ti.entries(testScope))
}

func TestAddHoleAboveFilledRegion(t *testing.T) {
	ti := newTestIndex(t)
	ti.addMessages(testScope, ModeRandom, msg(100, 100))
	ti.addHole(testScope, 50)
	ti.removeMessage(testScope, 100)
	require.Equal(t,
		[]Entry{hole(1, types.MaxLocalID, types.TimestampUnbounded)},
		ti.entries(testScope))
	ti.fillHole(testScope, 1, false, DirectionUpperToLower, msg(500, 500))
	require.Equal(t, []Entry{
		hole(1, 499, 500),
		message(500, 500),
	}, ti.entries(testScope))

	// 501.. is confirmed-empty with a hole two entries below; a new
	// hole above the message must not reach across it
	ti.addHole(testScope, 600)
	require.Equal(t, []Entry{
		hole(1, 499, 500),
		message(500, 500),
		hole(501, types.MaxLocalID, types.TimestampUnbounded),
	}, ti.entries(testScope))
}

func TestAddMessagesSplitsHole(t *testing.T) {
	ti := newTestIndex(t)
	ti.addHole(testScope, 100)
	cl := ti.addMessages(testScope, ModeRandom, msg(90, 90))
	require.Equal(t, ChangeLog{
		{Kind: MessageAdded, Scope: testScope, Message: types.Message{ID: 90, Timestamp: 90}},
	}, cl)
	require.Equal(t, []Entry{
		hole(1, 89, 90),
		message(90, 90),
		hole(91, types.MaxLocalID, types.TimestampUnbounded),
	}, ti.entries(testScope))
}

func TestAddMessagesSplitAtHoleBounds(t *testing.T) {
	ti := newTestIndex(t)
	ti.addMessages(testScope, ModeRandom, msg(10, 10), msg(20, 20))
	ti.addHole(testScope, 15)
	// id equal to the hole's min leaves no lower remainder
	ti.addMessages(testScope, ModeRandom, msg(11, 11))
	require.Equal(t, []Entry{
		message(10, 10),
		message(11, 11),
		hole(12, 19, 20),
		message(20, 20),
	}, ti.entries(testScope))
	// id equal to the hole's max leaves no upper remainder
	ti.addMessages(testScope, ModeRandom, msg(19, 19))
	require.Equal(t, []Entry{
		message(10, 10),
		message(11, 11),
		hole(12, 18, 19),
		message(19, 19),
		message(20, 20),
	}, ti.entries(testScope))
}

func TestAddMessagesFirstWriteWins(t *testing.T) {
	ti := newTestIndex(t)
	cl := ti.addMessages(testScope, ModeRandom, msg(100, 100), msg(100, 999))
	require.Len(t, cl, 1)
	require.Equal(t, []Entry{message(100, 100)}, ti.entries(testScope))

	cl = ti.addMessages(testScope, ModeRandom, msg(100, 777))
	require.Empty(t, cl)
	require.Equal(t, []Entry{message(100, 100)}, ti.entries(testScope))
}

func TestAddMessagesUpperBlockStripsTopHole(t *testing.T) {
	ti := newTestIndex(t)
	ti.addHole(testScope, 100)
	ti.addMessages(testScope, ModeUpperBlock, msg(90, 90))
	require.Equal(t, []Entry{
		hole(1, 89, 90),
		message(90, 90),
	}, ti.entries(testScope))
}

func TestAddMessagesUpperBlockStripsUnrelatedTopHole(t *testing.T) {
	ti := newTestIndex(t)
	ti.addMessages(testScope, ModeRandom, msg(500, 500))
	ti.addHole(testScope, 600) // unrelated pre-existing top hole
	ti.addMessages(testScope, ModeUpperBlock, msg(100, 100))
	require.Equal(t, []Entry{
		message(100, 100),
		message(500, 500),
	}, ti.entries(testScope))
}

func TestAddMessagesUpperBlockStripsAfterDuplicateNoop(t *testing.T) {
	ti := newTestIndex(t)
	ti.addMessages(testScope, ModeRandom, msg(100, 100))
	ti.addHole(testScope, 600)
	// effective no-op insert still certifies the top of history
	cl := ti.addMessages(testScope, ModeUpperBlock, msg(100, 100))
	require.Empty(t, cl)
	require.Equal(t, []Entry{message(100, 100)}, ti.entries(testScope))
}

func TestAddMessagesRandomKeepsTopHole(t *testing.T) {
	ti := newTestIndex(t)
	ti.addMessages(testScope, ModeRandom, msg(500, 500))
	ti.addHole(testScope, 600)
	ti.addMessages(testScope, ModeRandom, msg(100, 100))
	require.Equal(t, []Entry{
		message(100, 100),
		message(500, 500),
		hole(501, types.MaxLocalID, types.TimestampUnbounded),
	}, ti.entries(testScope))
}

func TestFillHoleUpperToLower(t *testing.T) {
	ti := newTestIndex(t)
	ti.addHole(testScope, 100)
	ti.fillHole(testScope, 1, false, DirectionUpperToLower, msg(100, 100), msg(200, 200))
	require.Equal(t, []Entry{
		hole(1, 99, 100),
		message(100, 100),
		message(200, 200),
	}, ti.entries(testScope))
}

func TestFillHoleLowerToUpper(t *testing.T) {
	ti := newTestIndex(t)
	ti.addHole(testScope, 100)
	ti.fillHole(testScope, 1, false, DirectionLowerToUpper, msg(100, 100), msg(200, 200))
	require.Equal(t, []Entry{
		message(100, 100),
		message(200, 200),
		hole(201, types.MaxLocalID, types.TimestampUnbounded),
	}, ti.entries(testScope))
}

func TestFillHoleAround(t *testing.T) {
	ti := newTestIndex(t)
	ti.addMessages(testScope, ModeRandom, msg(10, 10), msg(1000, 1000))
	ti.addHole(testScope, 500)
	ti.fillHole(testScope, 500, false, DirectionAround, msg(400, 400), msg(600, 600))
	require.Equal(t, []Entry{
		message(10, 10),
		hole(11, 399, 400),
		message(400, 400),
		message(600, 600),
		hole(601, 999, 1000),
		message(1000, 1000),
	}, ti.entries(testScope))
}

func TestFillHoleComplete(t *testing.T) {
	ti := newTestIndex(t)
	ti.addHole(testScope, 100)
	ti.fillHole(testScope, 50, true, DirectionAround, msg(100, 100), msg(200, 200))
	require.Equal(t, []Entry{
		message(100, 100),
		message(200, 200),
	}, ti.entries(testScope))
}

func TestFillHoleCompleteNoMessages(t *testing.T) {
	ti := newTestIndex(t)
	ti.addMessages(testScope, ModeRandom, msg(10, 10), msg(20, 20))
	ti.addHole(testScope, 15)
	ti.fillHole(testScope, 15, true, DirectionAround)
	require.Equal(t, []Entry{
		message(10, 10),
		message(20, 20),
	}, ti.entries(testScope))
}

func TestFillHoleIncompleteNoInRangeMessages(t *testing.T) {
	ti := newTestIndex(t)
	ti.addMessages(testScope, ModeRandom, msg(10, 10), msg(20, 20))
	ti.addHole(testScope, 15)
	ti.fillHole(testScope, 15, false, DirectionUpperToLower, msg(1000, 1000))
	require.Equal(t, []Entry{
		message(10, 10),
		hole(11, 19, 20),
		message(20, 20),
		message(1000, 1000),
	}, ti.entries(testScope))
}

func TestFillHoleWithoutAnchorHole(t *testing.T) {
	ti := newTestIndex(t)
	ti.addMessages(testScope, ModeRandom, msg(10, 10))
	// anchor sits in a confirmed-empty zone: inserts only, no hole is
	// fabricated
	ti.fillHole(testScope, 5000, true, DirectionAround, msg(100, 100))
	require.Equal(t, []Entry{
		message(10, 10),
		message(100, 100),
	}, ti.entries(testScope))
}

func TestFillHoleOverflowSplitsOtherHole(t *testing.T) {
	ti := newTestIndex(t)
	ti.addMessages(testScope, ModeRandom, msg(100, 100), msg(200, 200), msg(300, 300))
	ti.addHole(testScope, 150)
	ti.addHole(testScope, 250)
	// fill the lower hole completely; the overflow message lands inside
	// the upper hole and splits it via the generic rule
	ti.fillHole(testScope, 150, true, DirectionAround, msg(150, 150), msg(250, 250))
	require.Equal(t, []Entry{
		message(100, 100),
		message(150, 150),
		message(200, 200),
		hole(201, 249, 250),
		message(250, 250),
		hole(251, 299, 300),
		message(300, 300),
	}, ti.entries(testScope))
}

func TestRemoveMessageMissingIsNoop(t *testing.T) {
	ti := newTestIndex(t)
	ti.addMessages(testScope, ModeRandom, msg(100, 100))
	cl := ti.removeMessage(testScope, 55)
	require.Empty(t, cl)
	require.Equal(t, []Entry{message(100, 100)}, ti.entries(testScope))
}

func TestRemoveMessageInsideKnownRegion(t *testing.T) {
	ti := newTestIndex(t)
	ti.addMessages(testScope, ModeRandom, msg(10, 10), msg(11, 11), msg(12, 12))
	cl := ti.removeMessage(testScope, 11)
	require.Equal(t, ChangeLog{
		{Kind: MessageRemoved, Scope: testScope, Message: types.Message{ID: 11, Timestamp: 11}},
	}, cl)
	require.Equal(t, []Entry{
		message(10, 10),
		message(12, 12),
	}, ti.entries(testScope))
}

func TestRemoveMessageExtendsLowerHole(t *testing.T) {
	ti := newTestIndex(t)
	ti.addMessages(testScope, ModeRandom, msg(100, 100), msg(200, 200))
	ti.addHole(testScope, 150)
	ti.removeMessage(testScope, 200)
	require.Equal(t, []Entry{
		message(100, 100),
		hole(101, types.MaxLocalID, types.TimestampUnbounded),
	}, ti.entries(testScope))
}

func TestRemoveMessageExtendsLowerHoleToNextMessage(t *testing.T) {
	ti := newTestIndex(t)
	ti.addMessages(testScope, ModeRandom, msg(100, 100), msg(200, 200), msg(300, 300))
	ti.addHole(testScope, 150)
	ti.removeMessage(testScope, 200)
	require.Equal(t, []Entry{
		message(100, 100),
		hole(101, 299, 300),
		message(300, 300),
	}, ti.entries(testScope))
}

func TestRemoveMessageExtendsUpperHole(t *testing.T) {
	ti := newTestIndex(t)
	ti.addMessages(testScope, ModeRandom, msg(100, 100), msg(200, 200))
	ti.addHole(testScope, 150)
	ti.removeMessage(testScope, 100)
	require.Equal(t, []Entry{
		hole(1, 199, 200),
		message(200, 200),
	}, ti.entries(testScope))
}

func TestRoundTripMatchesDirectInsert(t *testing.T) {
	direct := newTestIndex(t)
	direct.addMessages(testScope, ModeRandom, msg(100, 100), msg(200, 200), msg(300, 300))

	resolved := newTestIndex(t)
	resolved.addHole(testScope, 200)
	resolved.fillHole(testScope, 200, true, DirectionAround, msg(100, 100), msg(200, 200), msg(300, 300))

	require.Equal(t, direct.entries(testScope), resolved.entries(testScope))
}

func TestScopesAreIsolated(t *testing.T) {
	ti := newTestIndex(t)
	other := types.Scope{Peer: 7, Namespace: 1}
	ti.addHole(testScope, 100)
	ti.addMessages(other, ModeRandom, msg(100, 100))
	require.Equal(t,
		[]Entry{hole(1, types.MaxLocalID, types.TimestampUnbounded)},
		ti.entries(testScope))
	require.Equal(t, []Entry{message(100, 100)}, ti.entries(other))

	scopes, err := ti.tb.Scopes()
	require.NoError(t, err)
	require.Equal(t, []types.Scope{testScope, other}, scopes)
}

func TestPersistedStateMatchesCache(t *testing.T) {
	ti := newTestIndex(t)
	ti.addHole(testScope, 100)
	ti.addMessages(testScope, ModeRandom, msg(90, 90), msg(300, 300))
	ti.fillHole(testScope, 1, false, DirectionUpperToLower, msg(50, 50))
	ti.removeMessage(testScope, 90)
	require.Equal(t, ti.entries(testScope), ti.reload(testScope))
}

func TestRandomOperationsKeepInvariants(t *testing.T) {
	ti := newTestIndex(t)
	rng := rand.New(rand.NewSource(1776))
	scopes := []types.Scope{{Peer: 1}, {Peer: 2}, {Peer: 2, Namespace: 4}}
	randID := func() types.LocalID { return types.LocalID(rng.Intn(1000) + 1) }
	randMsgs := func() []InsertMessage {
		msgs := make([]InsertMessage, rng.Intn(4)+1)
		for i := range msgs {
			id := randID()
			msgs[i] = msg(id, types.Timestamp(id))
		}
		return msgs
	}
	for i := 0; i < 2000; i++ {
		scope := scopes[rng.Intn(len(scopes))]
		batch := ti.db.NewBatch()
		var err error
		switch rng.Intn(4) {
		case 0:
			_, err = ti.tb.AddHole(batch, scope, randID())
		case 1:
			_, err = ti.tb.AddMessages(batch, scope, randMsgs(), InsertMode(rng.Intn(2)))
		case 2:
			dir := FillDirection(rng.Intn(3) + 1)
			_, err = ti.tb.FillHole(batch, scope, randID(), rng.Intn(2) == 0, dir, randMsgs())
		case 3:
			_, err = ti.tb.RemoveMessage(batch, scope, randID())
		}
		// the table runs its consistency checks after every mutation
		require.NoError(ti.t, err)
		require.NoError(ti.t, batch.Write())
	}
	for _, scope := range scopes {
		require.Equal(t, ti.entries(scope), ti.reload(scope), "scope %s diverged from persistence", scope)
	}
}
