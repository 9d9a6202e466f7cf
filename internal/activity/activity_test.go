package activity

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realtime-sync/internal/crdt"
)

var alice = Actor{ID: "u1", Name: "Alice", Role: "editor"}

func entryN(n int) Entry {
	e := NewEntry(alice, TypePageEdit, fmt.Sprintf("page %d", n))
	e.ID = fmt.Sprintf("%d", n)
	return e
}

func TestNewEntry(t *testing.T) {
	e := NewEntry(alice, TypeCardMove, "Card A")
	assert.NotEmpty(t, e.ID)
	assert.NotEmpty(t, e.Timestamp)
	assert.Equal(t, "u1", e.UserID)
	assert.Equal(t, "Alice", e.UserName)
	assert.Equal(t, "editor", e.UserRole)
	assert.Equal(t, TypeCardMove, e.Type)
	assert.Equal(t, "Card A", e.Resource)
}

func TestAppendKeepsNewestFifty(t *testing.T) {
	doc := crdt.New("a")

	maxSeen := 0
	cancel := doc.Observe(func(crdt.Event) {
		if n := doc.Len(ListName); n > maxSeen {
			maxSeen = n
		}
	})
	defer cancel()

	for i := 1; i <= 55; i++ {
		require.NoError(t, doc.Transact(func(tx *crdt.Txn) error {
			return Append(tx, entryN(i))
		}))
	}

	entries, err := Entries(doc)
	require.NoError(t, err)
	require.Len(t, entries, MaxEntries)
	assert.Equal(t, "6", entries[0].ID)
	assert.Equal(t, "55", entries[len(entries)-1].ID)
	assert.Equal(t, MaxEntries, maxSeen)
}

func TestEntriesSurviveReplication(t *testing.T) {
	a := crdt.New("a")
	require.NoError(t, a.Transact(func(tx *crdt.Txn) error { return Append(tx, entryN(1)) }))

	block, err := a.EncodeFull()
	require.NoError(t, err)

	b := crdt.New("b")
	_, err = b.ApplyUpdate(block)
	require.NoError(t, err)

	entries, err := Entries(b)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "page 1", entries[0].Resource)
	assert.Equal(t, "Alice", entries[0].UserName)
}

func TestConcurrentAppendsClampOnRead(t *testing.T) {
	a := crdt.New("a")
	b := crdt.New("b")
	for i := 1; i <= MaxEntries; i++ {
		require.NoError(t, a.Transact(func(tx *crdt.Txn) error { return Append(tx, entryN(i)) }))
	}
	require.NoError(t, b.Transact(func(tx *crdt.Txn) error { return Append(tx, entryN(1000)) }))

	blockB, err := b.EncodeFull()
	require.NoError(t, err)
	_, err = a.ApplyUpdate(blockB)
	require.NoError(t, err)

	entries, err := Entries(a)
	require.NoError(t, err)
	assert.Len(t, entries, MaxEntries)
}

func TestAppendRejectsEntryWithoutID(t *testing.T) {
	doc := crdt.New("a")
	err := doc.Transact(func(tx *crdt.Txn) error { return Append(tx, Entry{Type: TypeComment}) })
	require.Error(t, err)
	assert.Zero(t, doc.Len(ListName))
}
