package pipeline_test

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/inbucket/listgate/pkg/config"
	"github.com/inbucket/listgate/pkg/digest"
	"github.com/inbucket/listgate/pkg/dispatch"
	"github.com/inbucket/listgate/pkg/pipeline"
	"github.com/inbucket/listgate/pkg/policy"
	"github.com/inbucket/listgate/pkg/resolve"
	"github.com/inbucket/listgate/pkg/storage"
	"github.com/inbucket/listgate/pkg/storage/mem"
	"github.com/inbucket/listgate/pkg/test"
	"github.com/inbucket/listgate/pkg/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const domain = "lists.example.com"

var start = time.Date(2099, 6, 1, 14, 0, 0, 0, time.UTC)

type fixture struct {
	p        *pipeline.Pipeline
	dir      *test.DirectoryStub
	store    storage.Store
	mailer   *test.MailerStub
	wiki     *test.WikiStub
	followed []dispatch.Kind
}

func setup(t *testing.T) *fixture {
	t.Helper()
	d := test.NewDirectory()
	d.AddGroup(1, 0, "eng")
	d.AddGroup(2, 0, "ops")
	d.AddUser(10, "ann@x.org")
	d.AddUser(11, "bob@x.org")
	d.AddUser(12, "dan@x.org")
	d.AddMember(1, 10)
	d.AddMember(1, 11)
	d.AddMember(2, 12)

	conf := &config.Root{Gateway: config.Gateway{
		Domain:      domain,
		DefaultFrom: "noreply@" + domain,
		Branding:    "Acme",
	}}
	store, err := mem.New(config.Storage{})
	require.NoError(t, err)
	f := &fixture{
		dir:    d,
		store:  store,
		mailer: test.NewMailer(),
		wiki:   test.NewWiki(),
	}
	resolver := resolve.New(&policy.Addressing{Config: conf}, d)
	f.p = pipeline.New(conf, d, nil, resolver, tracker.New(store), f.mailer, digest.New(f.wiki, "Acme"))
	f.p.SetFollowup(func(k dispatch.Kind, _ dispatch.Payload) {
		f.followed = append(f.followed, k)
	})
	return f
}

func (f *fixture) run(t *testing.T, kind dispatch.Kind, p dispatch.Payload) error {
	t.Helper()
	h, ok := f.p.Handlers()[kind]
	require.True(t, ok, "no handler for %v", kind)
	return h(context.Background(), &dispatch.Task{ID: "task-1", Kind: kind, Payload: p})
}

func envelope(sender string, data []byte, rcpts ...string) dispatch.Payload {
	return dispatch.Payload{Envelope: &dispatch.Envelope{
		Sender:     sender,
		Recipients: rcpts,
		Data:       data,
	}}
}

func invite(uid string) []byte {
	payload := test.ICS("REQUEST", uid, "Planning", start, start.Add(time.Hour))
	return test.CalendarMessage("ann@x.org", []string{"eng@" + domain}, "Planning", payload)
}

func TestEveryKindHasHandler(t *testing.T) {
	f := setup(t)
	handlers := f.p.Handlers()
	for _, k := range []dispatch.Kind{
		dispatch.Receive,
		dispatch.RefreshWiki,
		dispatch.FlushDirectoryCache,
		dispatch.RefreshInvites,
		dispatch.RefreshCalendarsPublished,
		dispatch.ForceResendInvite,
		dispatch.PurgeInvite,
		dispatch.Test,
	} {
		assert.Contains(t, handlers, k)
	}
}

func TestReceivePlainMessage(t *testing.T) {
	f := setup(t)
	msg := test.TextMessage("ann@x.org", []string{"eng@" + domain}, "Hello", "Hi all.")
	require.NoError(t, f.run(t, dispatch.Receive, envelope("ann@x.org", msg, "eng@"+domain)))

	sent := f.mailer.Sent()
	require.Len(t, sent, 1)
	assert.ElementsMatch(t, []string{"ann@x.org", "bob@x.org"}, sent[0].Recipients)
	assert.Equal(t, "ann@x.org", sent[0].Sender)
	assert.Contains(t, string(sent[0].Message), "From: noreply@"+domain)
	assert.Empty(t, f.followed)
}

func TestReceiveUnknownSenderDropped(t *testing.T) {
	f := setup(t)
	msg := test.TextMessage("eve@evil.net", []string{"eng@" + domain}, "Spam", "Buy now.")
	require.NoError(t, f.run(t, dispatch.Receive, envelope("eve@evil.net", msg, "eng@"+domain)))
	assert.Empty(t, f.mailer.Sent())
}

func TestReceiveWithoutEnvelope(t *testing.T) {
	f := setup(t)
	assert.Error(t, f.run(t, dispatch.Receive, dispatch.Payload{}))
}

func TestReceiveUnauthorizedGroupBounces(t *testing.T) {
	f := setup(t)
	msg := test.TextMessage("ann@x.org", []string{"eng@" + domain, "ops@" + domain}, "Hello", "Hi.")
	require.NoError(t, f.run(t, dispatch.Receive,
		envelope("ann@x.org", msg, "eng@"+domain, "ops@"+domain)))

	sent := f.mailer.Sent()
	require.Len(t, sent, 2)
	assert.ElementsMatch(t, []string{"ann@x.org", "bob@x.org"}, sent[0].Recipients)
	assert.NotContains(t, sent[0].Recipients, "dan@x.org")

	bounce := sent[1]
	assert.Equal(t, []string{"ann@x.org"}, bounce.Recipients)
	assert.Contains(t, string(bounce.Message), "Subject: Re: Hello - Authorization")
	assert.Contains(t, string(bounce.Message), "ops@"+domain)
}

func TestReceiveDeliveryFailure(t *testing.T) {
	f := setup(t)
	f.mailer.SetError(test.ErrRelayDown)
	msg := test.TextMessage("ann@x.org", []string{"eng@" + domain}, "Hello", "Hi.")
	err := f.run(t, dispatch.Receive, envelope("ann@x.org", msg, "eng@"+domain))
	assert.ErrorIs(t, err, test.ErrRelayDown)
}

func TestReceiveDirectoryFailure(t *testing.T) {
	f := setup(t)
	f.dir.SetFail(true)
	msg := test.TextMessage("ann@x.org", []string{"eng@" + domain}, "Hello", "Hi.")
	err := f.run(t, dispatch.Receive, envelope("ann@x.org", msg, "eng@"+domain))
	assert.ErrorIs(t, err, test.ErrDirectoryDown)
	assert.Empty(t, f.mailer.Sent())
}

func TestReceiveInviteTracksDeliveries(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	msg := invite("planning-1")

	require.NoError(t, f.run(t, dispatch.Receive, envelope("ann@x.org", msg, "eng@"+domain)))
	require.Len(t, f.mailer.Sent(), 1)
	assert.Equal(t, []dispatch.Kind{dispatch.RefreshCalendarsPublished}, f.followed)

	inv, err := f.store.GetInvite(ctx, "planning-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"eng"}, inv.Groups)
	assert.Equal(t, "ann@x.org", inv.Organizer)
	ledger, err := f.store.Ledger(ctx, "planning-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"ann@x.org", "bob@x.org"}, ledger)

	// The same invite again reaches nobody new.
	require.NoError(t, f.run(t, dispatch.Receive, envelope("ann@x.org", msg, "eng@"+domain)))
	assert.Len(t, f.mailer.Sent(), 1)
}

func TestReceiveCancelDeletesInvite(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.run(t, dispatch.Receive, envelope("ann@x.org", invite("c1"), "eng@"+domain)))

	payload := test.ICS("CANCEL", "c1", "Planning", start, start.Add(time.Hour))
	cancel := test.CalendarMessage("ann@x.org", []string{"eng@" + domain}, "Cancelled", payload)
	require.NoError(t, f.run(t, dispatch.Receive, envelope("ann@x.org", cancel, "eng@"+domain)))

	sent := f.mailer.Sent()
	require.Len(t, sent, 2)
	assert.ElementsMatch(t, []string{"ann@x.org", "bob@x.org"}, sent[1].Recipients)
	_, err := f.store.GetInvite(context.Background(), "c1")
	assert.ErrorIs(t, err, storage.ErrNotExist)
}

func TestReceiveCancelFromContentTypeMethod(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.run(t, dispatch.Receive, envelope("ann@x.org", invite("c9"), "eng@"+domain)))

	payload := strings.Replace(test.ICS("CANCEL", "c9", "Planning", start, start.Add(time.Hour)),
		"METHOD:CANCEL\r\n", "", 1)
	require.NotContains(t, payload, "METHOD:")
	cancel := test.CalendarMessage("ann@x.org", []string{"eng@" + domain}, "Cancelled", payload)
	cancel = bytes.Replace(cancel, []byte("method=REQUEST"), []byte("method=CANCEL"), 1)
	require.NoError(t, f.run(t, dispatch.Receive, envelope("ann@x.org", cancel, "eng@"+domain)))

	sent := f.mailer.Sent()
	require.Len(t, sent, 2)
	assert.ElementsMatch(t, []string{"ann@x.org", "bob@x.org"}, sent[1].Recipients)
	_, err := f.store.GetInvite(context.Background(), "c9")
	assert.ErrorIs(t, err, storage.ErrNotExist)
}

func TestReceiveMalformedCalendarDeliveredAsPlain(t *testing.T) {
	f := setup(t)
	msg := test.CalendarMessage("ann@x.org", []string{"eng@" + domain}, "Broken",
		"BEGIN:VCALENDAR\r\nMETHOD:REQUEST\r\nEND:VCALENDAR\r\n")
	require.NoError(t, f.run(t, dispatch.Receive, envelope("ann@x.org", msg, "eng@"+domain)))

	sent := f.mailer.Sent()
	require.Len(t, sent, 1)
	assert.ElementsMatch(t, []string{"ann@x.org", "bob@x.org"}, sent[0].Recipients)
	invites, err := f.store.ListInvites(context.Background())
	require.NoError(t, err)
	assert.Empty(t, invites)
}

func TestRefreshInvitesSendsToNewMembers(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.run(t, dispatch.Receive, envelope("ann@x.org", invite("p1"), "eng@"+domain)))
	f.mailer.Reset()

	f.dir.AddUser(13, "cat@x.org")
	f.dir.AddMember(1, 13)
	require.NoError(t, f.run(t, dispatch.RefreshInvites, dispatch.Payload{}))

	sent := f.mailer.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, []string{"cat@x.org"}, sent[0].Recipients)
	assert.Equal(t, "ann@x.org", sent[0].Sender)

	ledger, err := f.store.Ledger(context.Background(), "p1")
	require.NoError(t, err)
	assert.Contains(t, ledger, "cat@x.org")

	f.mailer.Reset()
	require.NoError(t, f.run(t, dispatch.RefreshInvites, dispatch.Payload{}))
	assert.Empty(t, f.mailer.Sent())
}

func TestRefreshInvitesGroupFilter(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.run(t, dispatch.Receive, envelope("ann@x.org", invite("p1"), "eng@"+domain)))
	require.NoError(t, f.store.ClearLedger(context.Background(), "p1"))
	f.mailer.Reset()

	require.NoError(t, f.run(t, dispatch.RefreshInvites, dispatch.Payload{Group: "ops@" + domain}))
	assert.Empty(t, f.mailer.Sent())

	require.NoError(t, f.run(t, dispatch.RefreshInvites, dispatch.Payload{Group: "eng@" + domain}))
	sent := f.mailer.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, []string{"bob@x.org"}, sent[0].Recipients)
}

func TestRefreshInvitesSkipsPastInvites(t *testing.T) {
	f := setup(t)
	past := time.Date(2001, 1, 1, 9, 0, 0, 0, time.UTC)
	payload := test.ICS("REQUEST", "old", "Retro", past, past.Add(time.Hour))
	require.NoError(t, f.store.PutInvite(context.Background(), &storage.Invite{
		UID:       "old",
		Organizer: "ann@x.org",
		Groups:    []string{"eng"},
		Payload:   []byte(payload),
		Message:   test.CalendarMessage("ann@x.org", []string{"eng@" + domain}, "Retro", payload),
	}))
	require.NoError(t, f.run(t, dispatch.RefreshInvites, dispatch.Payload{}))
	assert.Empty(t, f.mailer.Sent())
}

func TestForceResend(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.run(t, dispatch.Receive, envelope("ann@x.org", invite("p1"), "eng@"+domain)))
	f.mailer.Reset()

	require.NoError(t, f.run(t, dispatch.ForceResendInvite, dispatch.Payload{UID: "p1"}))
	sent := f.mailer.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, []string{"bob@x.org"}, sent[0].Recipients)

	err := f.run(t, dispatch.ForceResendInvite, dispatch.Payload{UID: "missing"})
	assert.ErrorIs(t, err, storage.ErrNotExist)
}

func TestPurge(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.run(t, dispatch.Receive, envelope("ann@x.org", invite("p1"), "eng@"+domain)))

	require.NoError(t, f.run(t, dispatch.PurgeInvite, dispatch.Payload{UID: "p1"}))
	_, err := f.store.GetInvite(context.Background(), "p1")
	assert.ErrorIs(t, err, storage.ErrNotExist)

	require.NoError(t, f.run(t, dispatch.PurgeInvite, dispatch.Payload{UID: "p1"}))
	assert.Error(t, f.run(t, dispatch.PurgeInvite, dispatch.Payload{}))
}

func TestRefreshWikiPublishes(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.run(t, dispatch.Receive, envelope("ann@x.org", invite("p1"), "eng@"+domain)))
	require.NoError(t, f.run(t, dispatch.RefreshWiki, dispatch.Payload{}))

	assert.ElementsMatch(t, []string{
		"Distribution-Lists",
		"home",
		"meetings/p1",
		"groups/eng@" + domain,
		"groups/ops@" + domain,
	}, f.wiki.Slugs())
	assert.Contains(t, f.wiki.Content("Distribution-Lists"), "mailto:eng@"+domain)
	assert.Contains(t, f.wiki.Content("groups/eng@"+domain), "<p>bob@x.org</p>")
	assert.Contains(t, f.wiki.Content("meetings/p1"), " - bob@x.org")
	assert.Contains(t, f.wiki.Content("home"), "Planning")
}

func TestRefreshCalendarsPublished(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.run(t, dispatch.RefreshCalendarsPublished, dispatch.Payload{}))
	assert.NotContains(t, f.wiki.Slugs(), "Distribution-Lists")
	assert.Contains(t, f.wiki.Content("home"), "No scheduled meetings")
}

func TestWikiDisabled(t *testing.T) {
	f := setup(t)
	f.p.Publisher = nil
	require.NoError(t, f.run(t, dispatch.RefreshWiki, dispatch.Payload{}))
	require.NoError(t, f.run(t, dispatch.RefreshCalendarsPublished, dispatch.Payload{}))
	assert.Empty(t, f.wiki.Slugs())
}

func TestFlushAndTest(t *testing.T) {
	f := setup(t)
	assert.NoError(t, f.run(t, dispatch.FlushDirectoryCache, dispatch.Payload{}))
	assert.NoError(t, f.run(t, dispatch.Test, dispatch.Payload{}))
}
