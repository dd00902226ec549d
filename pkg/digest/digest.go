// Package digest renders the state of groups and tracked invites into wiki pages.
package digest

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"sort"
	"strings"
	"time"

	"github.com/inbucket/listgate/pkg/calendar"
	"github.com/inbucket/listgate/pkg/storage"
	"github.com/jhillyerd/enmime/v2"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog/log"
)

// Page titles.
const (
	HomePage              = "home"
	DistributionListsPage = "Distribution Lists"
	meetingPrefix         = "meetings/"
	groupPrefix           = "groups/"
	timeLayout            = "Monday, Jan 02 03:04PM MST"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.New("").ParseFS(templateFS, "templates/*.tmpl"))

// Wiki stores pages.
type Wiki interface {
	// Page returns the content of slug; ok is false when it does not exist.
	Page(ctx context.Context, slug string) (content string, ok bool, err error)
	CreatePage(ctx context.Context, title, content string) error
	UpdatePage(ctx context.Context, slug, title, content string) error
}

// Group describes a distribution group for publishing.
type Group struct {
	Name     string
	FullName string
	WebURL   string
	// LocalPart matches the group names stored on invites.
	LocalPart         string
	Address           string
	Members           []string
	AuthorizedSenders []string
}

// Invite is a tracked invite with the addresses it was sent to.
type Invite struct {
	*storage.Invite
	Sent []string
}

type groupLink struct {
	Name    string
	Address string
}

type meetingRow struct {
	UID       string
	Title     string
	Organizer string
	Groups    []groupLink
	When      string
	Frequency string
	start     time.Time
	groups    []string
}

// Publisher writes pages, skipping any whose content is unchanged.
type Publisher struct {
	wiki     Wiki
	branding string
	now      func() time.Time
	policy   *bluemonday.Policy
}

// New creates a Publisher writing to wiki.
func New(wiki Wiki, branding string) *Publisher {
	return &Publisher{
		wiki:     wiki,
		branding: branding,
		now:      time.Now,
		policy:   meetingPolicy(),
	}
}

// Slug returns the wiki slug GitLab derives from title.
func Slug(title string) string {
	return strings.ReplaceAll(title, " ", "-")
}

func (p *Publisher) warning() template.HTML {
	return template.HTML(fmt.Sprintf(
		"<!-- WARNING: Do not edit this page. %s will overwrite changes the next time it runs.-->",
		template.HTMLEscapeString(p.branding)))
}

// PublishDistributionLists writes the page listing every group address and its members.
func (p *Publisher) PublishDistributionLists(ctx context.Context, groups []Group) error {
	content, err := render("lists.tmpl", map[string]any{
		"Warning":  p.warning(),
		"Branding": p.branding,
		"Groups":   groups,
	})
	if err != nil {
		return err
	}
	_, err = p.write(ctx, DistributionListsPage, content)
	return err
}

// Publish writes the calendar home page, a page per current invite and a page per group. Invites
// that are over are left out. Failing pages are logged and counted in the returned error.
func (p *Publisher) Publish(ctx context.Context, invites []Invite, groups []Group) error {
	byLocal := make(map[string]Group, len(groups))
	for _, g := range groups {
		byLocal[g.LocalPart] = g
	}
	now := p.now()
	failed := 0

	rows := make([]meetingRow, 0, len(invites))
	for _, inv := range invites {
		row, current := p.meetingRow(inv, byLocal, now)
		if !current {
			continue
		}
		rows = append(rows, row)
		text, markup := p.body(inv.Message)
		content, err := render("meeting.tmpl", map[string]any{
			"Row":      row,
			"Body":     text,
			"BodyHTML": markup,
			"Sent":     inv.Sent,
		})
		if err == nil {
			_, err = p.write(ctx, meetingPrefix+inv.UID, content)
		}
		if err != nil {
			failed++
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].start.Before(rows[j].start)
	})

	for _, g := range groups {
		var grows []meetingRow
		for _, r := range rows {
			for _, name := range r.groups {
				if name == g.LocalPart {
					grows = append(grows, r)
					break
				}
			}
		}
		content, err := render("group.tmpl", map[string]any{"Group": g, "Rows": grows})
		if err == nil {
			_, err = p.write(ctx, groupPrefix+g.Address, content)
		}
		if err != nil {
			failed++
		}
	}

	content, err := render("home.tmpl", map[string]any{
		"Warning":  p.warning(),
		"Branding": p.branding,
		"Rows":     rows,
	})
	if err == nil {
		_, err = p.write(ctx, HomePage, content)
	}
	if err != nil {
		failed++
	}
	if failed > 0 {
		return fmt.Errorf("%d wiki pages failed to publish", failed)
	}
	return nil
}

// meetingRow summarizes an invite; current is false once the invite is over.
func (p *Publisher) meetingRow(inv Invite, groups map[string]Group, now time.Time) (meetingRow, bool) {
	row := meetingRow{
		UID:       inv.UID,
		Title:     inv.Title,
		Organizer: inv.Organizer,
		groups:    inv.Groups,
	}
	for _, name := range inv.Groups {
		if g, ok := groups[name]; ok {
			row.Groups = append(row.Groups, groupLink{Name: g.FullName, Address: g.Address})
		} else {
			row.Groups = append(row.Groups, groupLink{Name: name})
		}
	}
	ev, err := calendar.Parse(inv.Payload, now)
	if err != nil {
		log.Warn().Str("module", "digest").Str("uid", inv.UID).Err(err).Msg("Invalid calendar data")
		row.When = "Invalid Calendar Data"
		return row, true
	}
	if ev.IsOverAt(now) {
		return row, false
	}
	if ev.Title != "" {
		row.Title = ev.Title
	}
	if ev.Organizer != "" && row.Organizer == "" {
		row.Organizer = ev.Organizer
	}
	row.start = ev.Start
	if !ev.Start.IsZero() {
		row.When = "From " + ev.Start.Format(timeLayout)
	}
	if !ev.End.IsZero() {
		row.When += " To " + ev.End.Format("03:04PM MST")
	}
	row.When = strings.TrimSpace(row.When)
	row.Frequency = calendar.Describe(ev.RRule)
	return row, true
}

// body extracts the description of a stored message, preferring sanitized HTML over text.
func (p *Publisher) body(raw []byte) (string, template.HTML) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return fmt.Sprintf("Invalid message %v", err), ""
	}
	if env.HTML == "" {
		return strings.TrimSpace(env.Text), ""
	}
	clean, err := sanitizeHTML(p.policy, env.HTML)
	if err != nil {
		log.Warn().Str("module", "digest").Err(err).Msg("Unable to filter styles")
		clean = p.policy.Sanitize(env.HTML)
	}
	return "", template.HTML(clean)
}

// write stores content under title unless the page already holds exactly that content. It
// reports whether the wiki was modified.
func (p *Publisher) write(ctx context.Context, title, content string) (bool, error) {
	slog := log.With().Str("module", "digest").Str("page", title).Logger()
	slug := Slug(title)
	existing, ok, err := p.wiki.Page(ctx, slug)
	if err != nil {
		slog.Error().Err(err).Msg("Failed to read wiki page")
		return false, err
	}
	switch {
	case ok && existing == content:
		slog.Debug().Msg("Wiki page unchanged")
		return false, nil
	case ok:
		err = p.wiki.UpdatePage(ctx, slug, title, content)
	default:
		err = p.wiki.CreatePage(ctx, title, content)
	}
	if err != nil {
		slog.Error().Err(err).Msg("Failed to write wiki page")
		return false, err
	}
	slog.Info().Bool("created", !ok).Msg("Wiki page published")
	return true, nil
}

func render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}
