package digest_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/inbucket/listgate/pkg/digest"
	"github.com/inbucket/listgate/pkg/storage"
	"github.com/inbucket/listgate/pkg/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	future = time.Date(2099, 3, 2, 15, 0, 0, 0, time.UTC)
	past   = time.Date(2001, 3, 2, 15, 0, 0, 0, time.UTC)
)

func makeInvite(uid, title string, start time.Time, groups []string, extra ...string) digest.Invite {
	payload := test.ICS("REQUEST", uid, title, start, start.Add(time.Hour), extra...)
	return digest.Invite{
		Invite: &storage.Invite{
			UID:       uid,
			Title:     title,
			Organizer: "ann@x.org",
			Message:   test.CalendarMessage("ann@x.org", []string{"eng@lists.example.com"}, title, payload),
			Groups:    groups,
			Payload:   []byte(payload),
		},
		Sent: []string{"bob@x.org", "cat@x.org"},
	}
}

func groups() []digest.Group {
	return []digest.Group{
		{
			Name:              "eng",
			FullName:          "Engineering",
			WebURL:            "https://git.example.com/eng",
			LocalPart:         "eng",
			Address:           "eng@lists.example.com",
			Members:           []string{"bob@x.org", "cat@x.org"},
			AuthorizedSenders: []string{"ann@x.org"},
		},
		{
			Name:      "ops",
			FullName:  "Operations",
			LocalPart: "ops",
			Address:   "ops@lists.example.com",
			Members:   []string{"dan@x.org"},
		},
	}
}

func TestPublishWritesPages(t *testing.T) {
	wiki := test.NewWiki()
	p := digest.New(wiki, "Acme")
	invites := []digest.Invite{
		makeInvite("weekly", "Standup", future, []string{"eng"}, "RRULE:FREQ=WEEKLY;BYDAY=MO"),
		makeInvite("old", "Retro", past, []string{"eng", "ops"}),
	}
	require.NoError(t, p.Publish(context.Background(), invites, groups()))

	assert.ElementsMatch(t, []string{
		"home",
		"meetings/weekly",
		"groups/eng@lists.example.com",
		"groups/ops@lists.example.com",
	}, wiki.Slugs())

	home := wiki.Content("home")
	assert.Contains(t, home, "<!-- WARNING: Do not edit this page. Acme will overwrite")
	assert.Contains(t, home, "[Standup](./meetings/weekly)")
	assert.Contains(t, home, `<a href="groups/eng@lists.example.com">Engineering</a>`)
	assert.Contains(t, home, "Frequency: WEEKLY")
	assert.Contains(t, home, "From Monday, Mar 02 03:00PM UTC To 04:00PM UTC")
	assert.NotContains(t, home, "Retro")

	meeting := wiki.Content("meetings/weekly")
	assert.Contains(t, meeting, "Please join.")
	assert.Contains(t, meeting, " - bob@x.org")
	assert.Contains(t, meeting, " - cat@x.org")

	assert.Contains(t, wiki.Content("groups/eng@lists.example.com"), "Standup")
	assert.NotContains(t, wiki.Content("groups/ops@lists.example.com"), "Standup")
	assert.Contains(t, wiki.Content("groups/eng@lists.example.com"), "<p>ann@x.org</p>")
}

func TestPublishUnchangedIsNoop(t *testing.T) {
	wiki := test.NewWiki()
	p := digest.New(wiki, "Acme")
	invites := []digest.Invite{makeInvite("a", "Planning", future, []string{"eng"})}
	ctx := context.Background()

	require.NoError(t, p.Publish(ctx, invites, groups()))
	creates, updates := wiki.Writes()
	assert.Equal(t, 4, creates)
	assert.Zero(t, updates)

	require.NoError(t, p.Publish(ctx, invites, groups()))
	creates, updates = wiki.Writes()
	assert.Equal(t, 4, creates)
	assert.Zero(t, updates)

	invites[0].Sent = append(invites[0].Sent, "dan@x.org")
	require.NoError(t, p.Publish(ctx, invites, groups()))
	creates, updates = wiki.Writes()
	assert.Equal(t, 4, creates)
	assert.Equal(t, 1, updates)
	assert.Contains(t, wiki.Content("meetings/a"), " - dan@x.org")
}

func TestPublishEmpty(t *testing.T) {
	wiki := test.NewWiki()
	require.NoError(t, digest.New(wiki, "Acme").Publish(context.Background(), nil, nil))
	assert.Contains(t, wiki.Content("home"), "No scheduled meetings")
}

func TestPublishPageErrorsAreIndependent(t *testing.T) {
	wiki := test.NewWiki()
	wiki.FailFor("meetings/a")
	p := digest.New(wiki, "Acme")
	invites := []digest.Invite{
		makeInvite("a", "Planning", future, []string{"eng"}),
		makeInvite("b", "Review", future, []string{"ops"}),
	}
	err := p.Publish(context.Background(), invites, groups())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 wiki pages")
	assert.Contains(t, wiki.Content("home"), "Planning")
	assert.Contains(t, wiki.Content("meetings/b"), "Review")
}

func TestPublishDistributionLists(t *testing.T) {
	wiki := test.NewWiki()
	p := digest.New(wiki, "Acme")
	require.NoError(t, p.PublishDistributionLists(context.Background(), groups()))

	page := wiki.Content("Distribution-Lists")
	assert.Contains(t, page, `<a href="https://git.example.com/eng">Engineering</a>`)
	assert.Contains(t, page, `<a href="mailto:eng@lists.example.com">eng@lists.example.com</a>`)
	assert.Contains(t, page, "<p>dan@x.org</p>")

	require.NoError(t, p.PublishDistributionLists(context.Background(), groups()))
	creates, updates := wiki.Writes()
	assert.Equal(t, 1, creates)
	assert.Zero(t, updates)
}

func TestMeetingHTMLSanitized(t *testing.T) {
	payload := test.ICS("REQUEST", "h", "Styled", future, future.Add(time.Hour))
	msg := strings.ReplaceAll("From: ann@x.org\n"+
		"Subject: Styled\n"+
		"Content-Type: text/html; charset=utf-8\n"+
		"\n"+
		`<p style="color: red; position: fixed">Agenda</p><script>alert(1)</script>`+"\n",
		"\n", "\r\n")
	inv := digest.Invite{Invite: &storage.Invite{
		UID:     "h",
		Title:   "Styled",
		Message: []byte(msg),
		Payload: []byte(payload),
	}}
	wiki := test.NewWiki()
	require.NoError(t, digest.New(wiki, "Acme").Publish(context.Background(), []digest.Invite{inv}, nil))

	page := wiki.Content("meetings/h")
	assert.Contains(t, page, "Agenda")
	assert.Contains(t, page, "color: red")
	assert.NotContains(t, page, "position")
	assert.NotContains(t, page, "<script>")
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "Distribution-Lists", digest.Slug("Distribution Lists"))
	assert.Equal(t, "meetings/abc", digest.Slug("meetings/abc"))
}
