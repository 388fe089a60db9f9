package substatestore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/dan-consensus/types"
)

type memCommitted struct {
	byID map[types.SubstateID]map[uint32]Substate
}

func newMemCommitted() *memCommitted {
	return &memCommitted{byID: make(map[types.SubstateID]map[uint32]Substate)}
}

func (m *memCommitted) LatestVersion(id types.SubstateID) (uint32, bool, bool, error) {
	versions, ok := m.byID[id]
	if !ok || len(versions) == 0 {
		return 0, false, false, nil
	}
	var best uint32
	var bestUp bool
	found := false
	for v, s := range versions {
		if !found || v > best {
			best, bestUp, found = v, s.IsUp(), true
		}
	}
	return best, bestUp, true, nil
}

func (m *memCommitted) Get(id types.SubstateID, version uint32) (Substate, bool, error) {
	versions, ok := m.byID[id]
	if !ok {
		return Substate{}, false, nil
	}
	s, ok := versions[version]
	return s, ok, nil
}

func testID(b byte) types.SubstateID {
	var s types.SubstateID
	s[0] = b
	return s
}

func TestPutUpRequiresV0OrPriorDown(t *testing.T) {
	store := New(newMemCommitted())
	id := testID(1)

	require.NoError(t, store.Put(Change{VersionedID: types.VersionedSubstateId{ID: id, Version: 0}, Up: true, Value: []byte("a")}))

	// Cannot create v1 while v0 is still up.
	err := store.Put(Change{VersionedID: types.VersionedSubstateId{ID: id, Version: 1}, Up: true, Value: []byte("b")})
	require.ErrorIs(t, err, ErrExpectedSubstateDown)

	require.NoError(t, store.Put(Change{VersionedID: types.VersionedSubstateId{ID: id, Version: 0}, Up: false}))
	require.NoError(t, store.Put(Change{VersionedID: types.VersionedSubstateId{ID: id, Version: 1}, Up: true, Value: []byte("b")}))

	latest, ok, err := store.LatestUp(id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(1), latest.Version)
}

func TestLockReadShareWriteExclusive(t *testing.T) {
	store := New(newMemCommitted())
	vid := types.VersionedSubstateId{ID: testID(2), Version: 0}
	var tx1, tx2 types.TransactionID
	tx1[0] = 1
	tx2[0] = 2

	require.NoError(t, store.TryLock(tx1, vid, LockRead, false))
	require.NoError(t, store.TryLock(tx2, vid, LockRead, false))

	err := store.TryLock(tx2, vid, LockWrite, false)
	require.Error(t, err)
	var conflict *LockConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestLockSameTxUpgradeAllowed(t *testing.T) {
	store := New(newMemCommitted())
	vid := types.VersionedSubstateId{ID: testID(3), Version: 0}
	var tx1 types.TransactionID
	tx1[0] = 1

	require.NoError(t, store.TryLock(tx1, vid, LockRead, false))
	require.NoError(t, store.TryLock(tx1, vid, LockWrite, false))
}

func TestUnlockReleasesAll(t *testing.T) {
	store := New(newMemCommitted())
	vid := types.VersionedSubstateId{ID: testID(4), Version: 0}
	var tx1, tx2 types.TransactionID
	tx1[0] = 1
	tx2[0] = 2

	require.NoError(t, store.TryLock(tx1, vid, LockWrite, false))
	store.Unlock(tx1)
	require.NoError(t, store.TryLock(tx2, vid, LockWrite, false))
}
