package database

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chatmesh/go-chatmesh/log"
)

func TestPutGetDelete(t *testing.T) {
	db := NewMemDatabase()
	defer db.Close()

	key := []byte("some key")
	require.NoError(t, db.Put(key, []byte("wonderful")))

	value, err := db.Get(key)
	require.NoError(t, err)
	require.Equal(t, []byte("wonderful"), value)

	has, err := db.Has(key)
	require.NoError(t, err)
	require.True(t, has)

	require.NoError(t, db.Delete(key))
	_, err = db.Get(key)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFindIteratesPrefixInOrder(t *testing.T) {
	db := NewMemDatabase()
	defer db.Close()

	require.NoError(t, db.Put([]byte{0x01, 0x03}, []byte("c")))
	require.NoError(t, db.Put([]byte{0x01, 0x01}, []byte("a")))
	require.NoError(t, db.Put([]byte{0x01, 0x02}, []byte("b")))
	require.NoError(t, db.Put([]byte{0x02, 0x00}, []byte("other prefix")))

	it := db.Find([]byte{0x01})
	defer it.Release()
	var got []string
	for it.Next() {
		got = append(got, string(it.Value()))
	}
	require.NoError(t, it.Error())
	require.Equal(t, []string{"a", "b", "c"}, got)
}

func TestIteratorSeekAndPrev(t *testing.T) {
	db := NewMemDatabase()
	defer db.Close()

	for _, b := range []byte{0x10, 0x20, 0x30} {
		require.NoError(t, db.Put([]byte{b}, []byte{b}))
	}

	it := db.Find(nil)
	defer it.Release()
	// Seek positions at the first key >= target; Prev gives the
	// predecessor
	require.True(t, it.Seek([]byte{0x25}))
	require.Equal(t, []byte{0x30}, it.Key())
	require.True(t, it.Prev())
	require.Equal(t, []byte{0x20}, it.Key())
	require.True(t, it.Prev())
	require.Equal(t, []byte{0x10}, it.Key())
	require.False(t, it.Prev())
}

func TestBatchIsAtomicOnWrite(t *testing.T) {
	db := NewMemDatabase()
	defer db.Close()

	require.NoError(t, db.Put([]byte("gone"), []byte("x")))

	batch := db.NewBatch()
	require.NoError(t, batch.Put([]byte("one"), []byte("1")))
	require.NoError(t, batch.Put([]byte("two"), []byte("2")))
	require.NoError(t, batch.Delete([]byte("gone")))

	// nothing visible before the write
	_, err := db.Get([]byte("one"))
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, batch.Write())

	value, err := db.Get([]byte("two"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), value)
	_, err = db.Get([]byte("gone"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBatchReset(t *testing.T) {
	db := NewMemDatabase()
	defer db.Close()

	batch := db.NewBatch()
	require.NoError(t, batch.Put([]byte("a"), []byte("1")))
	require.Positive(t, batch.ValueSize())
	batch.Reset()
	require.Zero(t, batch.ValueSize())
	require.NoError(t, batch.Write())

	_, err := db.Get([]byte("a"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReopenPersists(t *testing.T) {
	dir := t.TempDir()
	logger := log.NewNop()

	db, err := NewLDBDatabase(dir, 16, 16, logger)
	require.NoError(t, err)
	require.NoError(t, db.Put([]byte("k"), []byte("v")))
	db.Close()

	db2, err := NewLDBDatabase(dir, 16, 16, logger)
	require.NoError(t, err)
	defer db2.Close()
	value, err := db2.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), value)
}
