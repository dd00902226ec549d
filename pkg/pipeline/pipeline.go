// Package pipeline implements the task handlers run by the dispatcher.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/inbucket/listgate/pkg/calendar"
	"github.com/inbucket/listgate/pkg/config"
	"github.com/inbucket/listgate/pkg/delivery"
	"github.com/inbucket/listgate/pkg/digest"
	"github.com/inbucket/listgate/pkg/directory"
	"github.com/inbucket/listgate/pkg/dispatch"
	"github.com/inbucket/listgate/pkg/resolve"
	"github.com/inbucket/listgate/pkg/storage"
	"github.com/inbucket/listgate/pkg/stringutil"
	"github.com/inbucket/listgate/pkg/tracker"
	"github.com/inbucket/listgate/pkg/transform"
	"github.com/rs/zerolog/log"
)

// Flusher drops cached directory data.
type Flusher interface {
	Flush()
}

// FollowupFunc queues a task from inside a running handler.
type FollowupFunc func(kind dispatch.Kind, p dispatch.Payload)

// Pipeline holds the collaborators of every handler.
type Pipeline struct {
	Config      *config.Root
	Directory   directory.Directory
	Cache       Flusher
	Resolver    *resolve.Resolver
	Transformer *transform.Transformer
	Tracker     *tracker.Tracker
	Mailer      delivery.Mailer
	Composer    *delivery.Composer
	// Publisher is nil when no wiki is configured.
	Publisher *digest.Publisher

	followup FollowupFunc
	now      func() time.Time
}

// New creates a Pipeline. cache may be nil when dir is not cached.
func New(
	conf *config.Root,
	dir directory.Directory,
	cache Flusher,
	resolver *resolve.Resolver,
	tr *tracker.Tracker,
	mailer delivery.Mailer,
	publisher *digest.Publisher,
) *Pipeline {
	return &Pipeline{
		Config:      conf,
		Directory:   dir,
		Cache:       cache,
		Resolver:    resolver,
		Transformer: transform.New(conf, resolver),
		Tracker:     tr,
		Mailer:      mailer,
		Composer:    delivery.NewComposer(conf),
		Publisher:   publisher,
		followup:    func(dispatch.Kind, dispatch.Payload) {},
		now:         time.Now,
	}
}

// SetFollowup sets how handlers queue further tasks, normally Dispatcher.Followup.
func (p *Pipeline) SetFollowup(f FollowupFunc) {
	p.followup = f
}

// Handlers returns the handler table for the dispatcher.
func (p *Pipeline) Handlers() dispatch.Handlers {
	return dispatch.Handlers{
		dispatch.Receive:                   p.receive,
		dispatch.RefreshWiki:               p.refreshWiki,
		dispatch.FlushDirectoryCache:       p.flushCache,
		dispatch.RefreshInvites:            p.refreshInvites,
		dispatch.RefreshCalendarsPublished: p.refreshCalendars,
		dispatch.ForceResendInvite:         p.forceResend,
		dispatch.PurgeInvite:               p.purge,
		dispatch.Test:                      p.test,
	}
}

func (p *Pipeline) flush() {
	if p.Cache != nil {
		p.Cache.Flush()
	}
}

func (p *Pipeline) flushCache(ctx context.Context, t *dispatch.Task) error {
	p.flush()
	log.Info().Str("module", "pipeline").Msg("Directory cache flushed")
	return nil
}

func (p *Pipeline) test(ctx context.Context, t *dispatch.Task) error {
	log.Info().Str("module", "pipeline").Str("task", t.ID).Msg("Test task ran")
	return nil
}

func (p *Pipeline) purge(ctx context.Context, t *dispatch.Task) error {
	if t.Payload.UID == "" {
		return errors.New("purge requires a uid")
	}
	return p.Tracker.Purge(ctx, t.Payload.UID)
}

func (p *Pipeline) forceResend(ctx context.Context, t *dispatch.Task) error {
	uid := t.Payload.UID
	if uid == "" {
		return errors.New("resend requires a uid")
	}
	if err := p.Tracker.ForceResend(ctx, uid); err != nil {
		return fmt.Errorf("resend %s: %w", uid, err)
	}
	inv, err := p.Tracker.Invite(ctx, uid)
	if err != nil {
		return err
	}
	return p.refreshInvite(ctx, inv)
}

// send delivers out, logging a partial failure. The error is returned only if nothing was
// delivered.
func (p *Pipeline) send(ctx context.Context, out *delivery.Outbound) ([]string, error) {
	delivered, err := p.Mailer.Send(ctx, out)
	if err != nil {
		log.Error().Str("module", "pipeline").Int("delivered", len(delivered)).
			Int("recipients", len(out.Recipients)).Err(err).Msg("Delivery incomplete")
		if len(delivered) == 0 {
			return nil, fmt.Errorf("deliver: %w", err)
		}
	}
	return delivered, nil
}

// reply sends a generated notice to addr.
func (p *Pipeline) reply(ctx context.Context, addr, subject, text, inReplyTo string) error {
	addr = stringutil.CanonicalAddress(addr)
	if addr == "" {
		return nil
	}
	msg, err := p.Composer.Reply(addr, subject, text, inReplyTo)
	if err != nil {
		return err
	}
	_, err = p.Mailer.Send(ctx, &delivery.Outbound{Sender: addr, Recipients: []string{addr}, Message: msg})
	return err
}

// digestGroups describes every group for publishing.
func (p *Pipeline) digestGroups(ctx context.Context) ([]digest.Group, error) {
	snap, err := directory.NewSnapshot(ctx, p.Directory)
	if err != nil {
		return nil, err
	}
	var result []digest.Group
	for _, g := range snap.Groups() {
		members, err := snap.ExpandEmails(ctx, g.ID)
		if err != nil {
			return nil, err
		}
		senders := make(stringutil.Set)
		for _, a := range snap.Lineage(g.ID) {
			emails, err := snap.MemberEmails(ctx, a.ID)
			if err != nil {
				return nil, err
			}
			senders.AddSet(emails)
		}
		result = append(result, digest.Group{
			Name:              g.Name,
			FullName:          g.FullName,
			WebURL:            g.WebURL,
			LocalPart:         g.LocalPart(),
			Address:           p.Resolver.Addressing.GroupAddress(g.FullPath),
			Members:           members.Sorted(),
			AuthorizedSenders: senders.Sorted(),
		})
	}
	return result, nil
}

func (p *Pipeline) publishCalendars(ctx context.Context, groups []digest.Group) error {
	invites, ledgers, err := p.Tracker.Invites(ctx)
	if err != nil {
		return err
	}
	items := make([]digest.Invite, 0, len(invites))
	for _, inv := range invites {
		items = append(items, digest.Invite{Invite: inv, Sent: ledgers[inv.UID]})
	}
	return p.Publisher.Publish(ctx, items, groups)
}

func (p *Pipeline) refreshWiki(ctx context.Context, t *dispatch.Task) error {
	p.flush()
	if p.Publisher == nil {
		log.Debug().Str("module", "pipeline").Msg("Wiki publishing disabled")
		return nil
	}
	groups, err := p.digestGroups(ctx)
	if err != nil {
		return err
	}
	listsErr := p.Publisher.PublishDistributionLists(ctx, groups)
	return errors.Join(listsErr, p.publishCalendars(ctx, groups))
}

func (p *Pipeline) refreshCalendars(ctx context.Context, t *dispatch.Task) error {
	p.flush()
	if p.Publisher == nil {
		log.Debug().Str("module", "pipeline").Msg("Wiki publishing disabled")
		return nil
	}
	groups, err := p.digestGroups(ctx)
	if err != nil {
		return err
	}
	return p.publishCalendars(ctx, groups)
}

// groupName reduces a group address or name to the local part stored on invites.
func groupName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if i := strings.IndexByte(s, '@'); i >= 0 {
		s = s[:i]
	}
	return s
}

// isOver reports whether a stored invite has no occurrence left. Unparseable payloads are
// treated as over.
func (p *Pipeline) isOver(inv *storage.Invite) bool {
	over, err := calendar.IsOver(inv.Payload, p.now())
	if err != nil {
		log.Warn().Str("module", "pipeline").Str("uid", inv.UID).Err(err).
			Msg("Unreadable stored calendar")
		return true
	}
	return over
}
