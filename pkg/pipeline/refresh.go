package pipeline

import (
	"context"
	"fmt"

	"github.com/inbucket/listgate/pkg/delivery"
	"github.com/inbucket/listgate/pkg/dispatch"
	"github.com/inbucket/listgate/pkg/storage"
	"github.com/rs/zerolog/log"
)

// refreshInvites sends stored invites to group members who have not had them yet.
func (p *Pipeline) refreshInvites(ctx context.Context, t *dispatch.Task) error {
	p.flush()
	invites, err := p.selectInvites(ctx, t.Payload)
	if err != nil {
		return err
	}
	failed := 0
	for _, inv := range invites {
		if err := p.refreshInvite(ctx, inv); err != nil {
			log.Error().Str("module", "pipeline").Str("uid", inv.UID).Err(err).
				Msg("Failed to refresh invite")
			failed++
		}
	}
	log.Info().Str("module", "pipeline").Int("invites", len(invites)).Int("failed", failed).
		Msg("Invites refreshed")
	if failed > 0 {
		return fmt.Errorf("%d of %d invites failed to refresh", failed, len(invites))
	}
	return nil
}

func (p *Pipeline) selectInvites(ctx context.Context, pl dispatch.Payload) ([]*storage.Invite, error) {
	if pl.UID != "" {
		inv, err := p.Tracker.Invite(ctx, pl.UID)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", pl.UID, err)
		}
		return []*storage.Invite{inv}, nil
	}
	all, _, err := p.Tracker.Invites(ctx)
	if err != nil {
		return nil, err
	}
	if pl.Group == "" {
		return all, nil
	}
	want := groupName(pl.Group)
	var result []*storage.Invite
	for _, inv := range all {
		for _, g := range inv.Groups {
			if g == want {
				result = append(result, inv)
				break
			}
		}
	}
	return result, nil
}

// refreshInvite re-resolves the groups of inv and delivers it to anyone pending.
func (p *Pipeline) refreshInvite(ctx context.Context, inv *storage.Invite) error {
	slog := log.With().Str("module", "pipeline").Str("uid", inv.UID).Logger()
	if p.isOver(inv) {
		slog.Debug().Msg("Invite is over, not refreshing")
		return nil
	}
	res, err := p.Resolver.ResolveGroups(ctx, inv.Groups, inv.Organizer)
	if err != nil {
		return err
	}
	prep, err := p.Transformer.Prepare(ctx, inv.Organizer, res.GroupAddresses, inv.Message)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	candidates := make([]string, 0, len(prep.Recipients.SendTo))
	for _, addr := range prep.Recipients.SendTo {
		if !isOrganizer(inv.Organizer, addr) {
			candidates = append(candidates, addr)
		}
	}
	pending, err := p.Tracker.PendingRecipients(ctx, inv.UID, candidates)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		slog.Debug().Msg("Invite up to date")
		return nil
	}
	delivered, err := p.send(ctx, &delivery.Outbound{
		Sender:     prep.Sender,
		Recipients: pending,
		Message:    prep.Message,
	})
	if err != nil {
		return err
	}
	slog.Info().Int("pending", len(pending)).Int("delivered", len(delivered)).Msg("Invite refreshed")
	return p.Tracker.RecordDelivered(ctx, inv.UID, delivered)
}
