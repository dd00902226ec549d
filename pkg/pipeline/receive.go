package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/inbucket/listgate/pkg/delivery"
	"github.com/inbucket/listgate/pkg/dispatch"
	"github.com/inbucket/listgate/pkg/resolve"
	"github.com/inbucket/listgate/pkg/stringutil"
	"github.com/inbucket/listgate/pkg/tracker"
	"github.com/inbucket/listgate/pkg/transform"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// receive distributes an accepted message.
func (p *Pipeline) receive(ctx context.Context, t *dispatch.Task) error {
	env := t.Payload.Envelope
	if env == nil {
		return errors.New("receive without envelope")
	}
	slog := log.With().Str("module", "pipeline").Str("task", t.ID).Str("sender", env.Sender).Logger()

	known, err := p.Resolver.IsKnownSender(ctx, env.Sender)
	if err != nil {
		return fmt.Errorf("check sender: %w", err)
	}
	if !known {
		slog.Warn().Strs("recipients", env.Recipients).Msg("Dropping mail from unknown sender")
		return nil
	}

	subject, err := p.distribute(ctx, slog, env)
	if err != nil {
		slog.Error().Err(err).Msg("Failed to process message")
		text := fmt.Sprintf("Error processing your request:\n\n%v\n", err)
		if rerr := p.reply(ctx, env.Sender, subject, text, ""); rerr != nil {
			slog.Error().Err(rerr).Msg("Failed to send error reply")
		}
		return err
	}
	return nil
}

// distribute runs a received message through prepare, tracking and delivery. The subject is
// returned for error replies.
func (p *Pipeline) distribute(ctx context.Context, slog zerolog.Logger, env *dispatch.Envelope) (string, error) {
	prep, err := p.Transformer.Prepare(ctx, env.Sender, env.Recipients, env.Data)
	if err != nil {
		return "", fmt.Errorf("prepare: %w", err)
	}
	res := prep.Recipients
	recipients := res.SendTo
	uid := ""
	if prep.Calendar != nil {
		uid, recipients, err = p.track(ctx, slog, env, prep)
		if err != nil {
			return prep.Subject, err
		}
	}

	delivered, sendErr := p.send(ctx, &delivery.Outbound{
		Sender:     prep.Sender,
		Recipients: recipients,
		Message:    prep.Message,
	})
	if uid != "" {
		if err := p.Tracker.RecordDelivered(ctx, uid, delivered); err != nil {
			slog.Error().Str("uid", uid).Err(err).Msg("Failed to record deliveries")
		}
	}
	slog.Info().Strs("groups", res.ResolvedGroups).Int("delivered", len(delivered)).
		Int("recipients", len(recipients)).Msg("Message distributed")

	if res.HasUnauthorized() {
		p.bounce(ctx, slog, prep.Sender, prep.Subject, res)
	}
	if prep.Calendar != nil {
		p.followup(dispatch.RefreshCalendarsPublished, dispatch.Payload{})
	}
	return prep.Subject, sendErr
}

// track records the calendar of prep and returns the invite uid and the recipients still due. A
// calendar that cannot be read is delivered like any other message.
func (p *Pipeline) track(
	ctx context.Context,
	slog zerolog.Logger,
	env *dispatch.Envelope,
	prep *transform.Prepared,
) (string, []string, error) {
	res := prep.Recipients
	inv, outcome, err := p.Tracker.Receive(ctx, &tracker.Received{
		Message:   env.Data,
		Payload:   prep.Calendar.Payload,
		Groups:    res.ResolvedGroups,
		Organizer: prep.Sender,
		Method:    prep.Calendar.Method,
	})
	if inv == nil {
		slog.Warn().Err(err).Msg("Unreadable calendar, delivering as plain mail")
		return "", res.SendTo, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("track %s: %w", inv.UID, err)
	}
	switch outcome {
	case tracker.Ignored, tracker.Cancelled:
		return "", res.SendTo, nil
	}
	pending, err := p.Tracker.PendingRecipients(ctx, inv.UID, res.SendTo)
	if err != nil {
		return "", nil, err
	}
	slog.Debug().Str("uid", inv.UID).Stringer("outcome", outcome).Int("pending", len(pending)).
		Msg("Invite tracked")
	return inv.UID, pending, nil
}

// bounce tells the sender which groups refused them and which they may use.
func (p *Pipeline) bounce(ctx context.Context, slog zerolog.Logger, sender, subject string, res *resolve.Result) {
	var b strings.Builder
	b.WriteString("You are not authorized to send to the following groups:\n\n")
	for _, g := range res.Unauthorized {
		b.WriteString("  " + g + "\n")
	}
	if len(res.GroupAddresses) > 0 {
		b.WriteString("\nYour message was delivered to:\n\n")
		for _, g := range res.GroupAddresses {
			b.WriteString("  " + g + "\n")
		}
	}
	b.WriteString("\nOnly members of a group or of its parent groups may send to it.\n")
	if err := p.reply(ctx, sender, "Re: "+subject+" - Authorization", b.String(), ""); err != nil {
		slog.Error().Err(err).Msg("Failed to send authorization bounce")
		return
	}
	slog.Info().Strs("unauthorized", res.Unauthorized).Msg("Authorization bounce sent")
}

// isOrganizer reports whether addr is the organizer of an invite.
func isOrganizer(organizer, addr string) bool {
	return organizer != "" && stringutil.CanonicalAddress(organizer) == addr
}
