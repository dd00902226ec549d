package test

import (
	"context"
	"testing"
	"time"

	"github.com/inbucket/listgate/pkg/config"
	"github.com/inbucket/listgate/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// StoreFactory returns a new store for the test suite.
type StoreFactory func(config.Storage) (store storage.Store, destroy func(), err error)

// StoreSuite runs a set of general tests on the provided Store.
func StoreSuite(t *testing.T, factory StoreFactory) {
	t.Helper()
	testCases := []struct {
		name string
		test func(*testing.T, storage.Store)
	}{
		{"put get", testPutGet},
		{"replace", testReplace},
		{"list", testList},
		{"missing", testMissing},
		{"ledger dedup", testLedgerDedup},
		{"ledger requires invite", testLedgerRequiresInvite},
		{"ledger all", testLedgerAll},
		{"clear isolation", testClearIsolation},
		{"delete cascade", testDeleteCascade},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			store, destroy, err := factory(config.Storage{})
			require.NoError(t, err)
			defer destroy()
			tc.test(t, store)
		})
	}
}

// MakeInvite returns a populated invite for uid.
func MakeInvite(uid string) *storage.Invite {
	return &storage.Invite{
		UID:       uid,
		Title:     "Meeting " + uid,
		Organizer: "ann@x.org",
		Message:   []byte("Subject: Meeting\r\n\r\nbody\r\n"),
		Recurring: true,
		Expiry:    time.Date(2030, 1, 21, 11, 0, 0, 0, time.UTC),
		Groups:    []string{"eng", "ops"},
		Payload:   []byte("BEGIN:VCALENDAR\r\nUID:" + uid + "\r\nEND:VCALENDAR\r\n"),
	}
}

func testPutGet(t *testing.T, store storage.Store) {
	ctx := context.Background()
	want := MakeInvite("a1")
	require.NoError(t, store.PutInvite(ctx, want))

	got, err := store.GetInvite(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, want.UID, got.UID)
	assert.Equal(t, want.Title, got.Title)
	assert.Equal(t, want.Organizer, got.Organizer)
	assert.Equal(t, want.Message, got.Message)
	assert.Equal(t, want.Recurring, got.Recurring)
	assert.True(t, want.Expiry.Equal(got.Expiry), "expiry %v, want %v", got.Expiry, want.Expiry)
	assert.Equal(t, want.Groups, got.Groups)
	assert.Equal(t, want.Payload, got.Payload)
	assert.False(t, got.Created.IsZero())
	assert.False(t, got.Updated.IsZero())
}

func testReplace(t *testing.T, store storage.Store) {
	ctx := context.Background()
	require.NoError(t, store.PutInvite(ctx, MakeInvite("a1")))
	first, err := store.GetInvite(ctx, "a1")
	require.NoError(t, err)

	changed := MakeInvite("a1")
	changed.Title = "Moved"
	changed.Groups = []string{"eng"}
	changed.Recurring = false
	require.NoError(t, store.PutInvite(ctx, changed))

	got, err := store.GetInvite(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "Moved", got.Title)
	assert.Equal(t, []string{"eng"}, got.Groups)
	assert.False(t, got.Recurring)
	assert.True(t, first.Created.Equal(got.Created), "created is kept on replace")
}

func testList(t *testing.T, store storage.Store) {
	ctx := context.Background()
	for _, uid := range []string{"c", "a", "b"} {
		require.NoError(t, store.PutInvite(ctx, MakeInvite(uid)))
	}
	invites, err := store.ListInvites(ctx)
	require.NoError(t, err)
	uids := make([]string, 0, len(invites))
	for _, inv := range invites {
		uids = append(uids, inv.UID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, uids)
}

func testMissing(t *testing.T, store storage.Store) {
	ctx := context.Background()
	_, err := store.GetInvite(ctx, "nope")
	assert.ErrorIs(t, err, storage.ErrNotExist)
	assert.ErrorIs(t, store.DeleteInvite(ctx, "nope"), storage.ErrNotExist)

	invites, err := store.ListInvites(ctx)
	require.NoError(t, err)
	assert.Empty(t, invites)
}

func testLedgerDedup(t *testing.T, store storage.Store) {
	ctx := context.Background()
	require.NoError(t, store.PutInvite(ctx, MakeInvite("a1")))
	require.NoError(t, store.RecordDelivered(ctx, "a1", []string{"b@x.org", "a@x.org"}))
	require.NoError(t, store.RecordDelivered(ctx, "a1", []string{"a@x.org", "c@x.org"}))
	require.NoError(t, store.RecordDelivered(ctx, "a1", nil))

	got, err := store.Ledger(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a@x.org", "b@x.org", "c@x.org"}, got)

	// Replacing the invite does not touch the ledger.
	require.NoError(t, store.PutInvite(ctx, MakeInvite("a1")))
	got, err = store.Ledger(ctx, "a1")
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func testLedgerRequiresInvite(t *testing.T, store storage.Store) {
	ctx := context.Background()
	err := store.RecordDelivered(ctx, "ghost", []string{"a@x.org"})
	assert.Error(t, err)

	got, err := store.Ledger(ctx, "ghost")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testLedgerAll(t *testing.T, store storage.Store) {
	ctx := context.Background()
	require.NoError(t, store.PutInvite(ctx, MakeInvite("a1")))
	require.NoError(t, store.PutInvite(ctx, MakeInvite("a2")))
	require.NoError(t, store.PutInvite(ctx, MakeInvite("a3")))
	require.NoError(t, store.RecordDelivered(ctx, "a1", []string{"a@x.org"}))
	require.NoError(t, store.RecordDelivered(ctx, "a2", []string{"b@x.org", "c@x.org"}))

	got, err := store.LedgerAll(ctx, []string{"a1", "a2", "a3"})
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{
		"a1": {"a@x.org"},
		"a2": {"b@x.org", "c@x.org"},
	}, got)

	got, err = store.LedgerAll(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testClearIsolation(t *testing.T, store storage.Store) {
	ctx := context.Background()
	require.NoError(t, store.PutInvite(ctx, MakeInvite("a1")))
	require.NoError(t, store.PutInvite(ctx, MakeInvite("a2")))
	require.NoError(t, store.RecordDelivered(ctx, "a1", []string{"a@x.org"}))
	require.NoError(t, store.RecordDelivered(ctx, "a2", []string{"a@x.org"}))

	require.NoError(t, store.ClearLedger(ctx, "a1"))

	got, err := store.Ledger(ctx, "a1")
	require.NoError(t, err)
	assert.Empty(t, got)
	got, err = store.Ledger(ctx, "a2")
	require.NoError(t, err)
	assert.Equal(t, []string{"a@x.org"}, got)

	_, err = store.GetInvite(ctx, "a1")
	assert.NoError(t, err, "clearing the ledger keeps the invite")
}

func testDeleteCascade(t *testing.T, store storage.Store) {
	ctx := context.Background()
	require.NoError(t, store.PutInvite(ctx, MakeInvite("a1")))
	require.NoError(t, store.RecordDelivered(ctx, "a1", []string{"a@x.org", "b@x.org"}))

	require.NoError(t, store.DeleteInvite(ctx, "a1"))
	_, err := store.GetInvite(ctx, "a1")
	assert.ErrorIs(t, err, storage.ErrNotExist)
	got, err := store.Ledger(ctx, "a1")
	require.NoError(t, err)
	assert.Empty(t, got)

	// A recreated invite starts with an empty ledger.
	require.NoError(t, store.PutInvite(ctx, MakeInvite("a1")))
	got, err = store.Ledger(ctx, "a1")
	require.NoError(t, err)
	assert.Empty(t, got)
}
