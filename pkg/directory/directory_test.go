package directory_test

import (
	"context"
	"testing"
	"time"

	"github.com/inbucket/listgate/pkg/directory"
	"github.com/inbucket/listgate/pkg/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hierarchy builds eng -> eng/platform -> eng/platform/db, plus ops.
func hierarchy() *test.DirectoryStub {
	d := test.NewDirectory()
	d.AddGroup(1, 0, "eng")
	d.AddGroup(2, 1, "eng/platform")
	d.AddGroup(3, 2, "eng/platform/db")
	d.AddGroup(4, 0, "ops")
	d.AddUser(10, "lead@example.com")
	d.AddUser(11, "dev@example.com")
	d.AddUser(12, "Dba@Example.com")
	d.AddUserWith(directory.User{ID: 13, Email: "gone@example.com", Active: false})
	d.AddMember(1, 10)
	d.AddMember(2, 11)
	d.AddMember(3, 12)
	d.AddMember(3, 13)
	return d
}

func TestSnapshotLookup(t *testing.T) {
	snap, err := directory.NewSnapshot(context.Background(), hierarchy())
	require.NoError(t, err)

	g, ok := snap.GroupByLocalPart("eng.platform")
	require.True(t, ok)
	assert.Equal(t, 2, g.ID)

	_, ok = snap.GroupByLocalPart("nope")
	assert.False(t, ok)

	paths := []string{}
	for _, g := range snap.Groups() {
		paths = append(paths, g.FullPath)
	}
	assert.Equal(t, []string{"eng", "eng/platform", "eng/platform/db", "ops"}, paths)
}

func TestSnapshotExpandEmails(t *testing.T) {
	ctx := context.Background()
	snap, err := directory.NewSnapshot(ctx, hierarchy())
	require.NoError(t, err)

	emails, err := snap.ExpandEmails(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"dba@example.com", "dev@example.com", "lead@example.com"}, emails.Sorted())

	emails, err = snap.ExpandEmails(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"dba@example.com"}, emails.Sorted(), "inactive users are excluded")
}

func TestSnapshotInLineage(t *testing.T) {
	ctx := context.Background()
	snap, err := directory.NewSnapshot(ctx, hierarchy())
	require.NoError(t, err)

	ok, err := snap.InLineage(ctx, 3, "lead@example.com")
	require.NoError(t, err)
	assert.True(t, ok, "ancestor member may send to descendant")

	ok, err = snap.InLineage(ctx, 1, "dba@example.com")
	require.NoError(t, err)
	assert.False(t, ok, "descendant member may not send to ancestor")
}

func TestSnapshotCycleTerminates(t *testing.T) {
	ctx := context.Background()
	d := hierarchy()
	d.SetParent(1, 3)
	snap, err := directory.NewSnapshot(ctx, d)
	require.NoError(t, err)

	assert.Len(t, snap.Lineage(1), 3)
	assert.Len(t, snap.Subtree(1), 3)
	emails, err := snap.ExpandEmails(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, len(emails))
}

func TestSnapshotActiveUsers(t *testing.T) {
	snap, err := directory.NewSnapshot(context.Background(), hierarchy())
	require.NoError(t, err)

	_, ok := snap.User("DBA@example.com")
	assert.True(t, ok)
	_, ok = snap.User("gone@example.com")
	assert.False(t, ok)
	assert.Len(t, snap.ActiveEmails(), 3)
}

func TestCachedFlush(t *testing.T) {
	ctx := context.Background()
	d := hierarchy()
	c := directory.NewCached(d, time.Hour)

	_, err := c.Groups(ctx)
	require.NoError(t, err)
	_, _ = c.Groups(ctx)
	_, _ = c.Members(ctx, 1)
	_, _ = c.Members(ctx, 1)
	assert.Equal(t, 1, d.Calls("Groups"))
	assert.Equal(t, 1, d.Calls("Members"))

	c.Flush()
	_, _ = c.Groups(ctx)
	_, _ = c.Members(ctx, 1)
	assert.Equal(t, 2, d.Calls("Groups"))
	assert.Equal(t, 2, d.Calls("Members"))
}

func TestCachedServesLastKnownGood(t *testing.T) {
	ctx := context.Background()
	d := hierarchy()
	c := directory.NewCached(d, time.Hour)
	groups, err := c.Groups(ctx)
	require.NoError(t, err)

	d.SetFail(true)
	c.Flush()
	again, err := c.Groups(ctx)
	require.NoError(t, err)
	assert.Equal(t, groups, again)

	_, err = c.Users(ctx)
	assert.ErrorIs(t, err, test.ErrDirectoryDown, "no previous value to fall back on")
}
