package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"makerd/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "makerd.db")
	s, err := Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreGetMissingReturnsNil(t *testing.T) {
	s := openTestStore(t)

	rec, err := s.Get("m1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestStorePutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)

	rec := &model.StateRecord{
		Resource:  "m1",
		State:     model.StateInUse("alice"),
		Seq:       1,
		Timestamp: time.Now(),
	}
	require.NoError(t, s.Put("m1", rec))

	got, err := s.Get("m1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, uint64(1), got.Seq)
	assert.Equal(t, model.InUse, got.State.Kind)
	assert.Equal(t, "alice", got.State.User)
}

func TestStorePutOverwritesAtomically(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Put("m1", &model.StateRecord{Resource: "m1", State: model.StateFree(), Seq: 1}))
	require.NoError(t, s.Put("m1", &model.StateRecord{Resource: "m1", State: model.StateBlocked("admin"), Seq: 2}))

	got, err := s.Get("m1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Seq)
	assert.Equal(t, model.Blocked, got.State.Kind)
}

func TestStoreSnapshotExcludesSchemaKey(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Put("m1", &model.StateRecord{Resource: "m1", State: model.StateFree(), Seq: 0}))
	require.NoError(t, s.Put("m2", &model.StateRecord{Resource: "m2", State: model.StateFree(), Seq: 0}))

	snap, err := s.Snapshot()
	require.NoError(t, err)
	assert.Len(t, snap, 2)
	assert.Contains(t, snap, "m1")
	assert.Contains(t, snap, "m2")
}

func TestStoreReopenPreservesSchemaVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "makerd.db")
	s, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Put("m1", &model.StateRecord{Resource: "m1", State: model.StateFree(), Seq: 0}))
	require.NoError(t, s.Close())

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	defer reopened.Close()

	rec, err := reopened.Get("m1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, uint64(0), rec.Seq)
}

func TestStoreUsersAndRoles(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.PutUser("alice", []string{"operator"}))
	require.NoError(t, s.PutRole("operator", []byte(`{"permissions":["machine.*"]}`)))

	users, err := s.Users()
	require.NoError(t, err)
	assert.Equal(t, []string{"operator"}, users["alice"])

	roles, err := s.Roles()
	require.NoError(t, err)
	assert.Contains(t, string(roles["operator"]), "machine.*")
}
