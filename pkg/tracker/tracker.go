// Package tracker follows calendar invites across repeated deliveries, keeping a ledger of who has
// already been sent each invite.
package tracker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/inbucket/listgate/pkg/calendar"
	"github.com/inbucket/listgate/pkg/storage"
	"github.com/inbucket/listgate/pkg/stringutil"
	"github.com/rs/zerolog/log"
)

// Outcome describes what Receive did with an invite.
type Outcome int

const (
	// Ignored invites update a single instance of a series and are not persisted.
	Ignored Outcome = iota
	// Cancelled invites removed the stored series and its ledger.
	Cancelled
	// Created invites were stored for the first time.
	Created
	// Updated invites replaced a stored invite with different content; the ledger was reset.
	Updated
	// Unchanged invites matched the stored invite; the ledger was kept.
	Unchanged
)

func (o Outcome) String() string {
	switch o {
	case Cancelled:
		return "cancelled"
	case Created:
		return "created"
	case Updated:
		return "updated"
	case Unchanged:
		return "unchanged"
	}
	return "ignored"
}

// Received is a calendar invite found in an inbound message.
type Received struct {
	// Message is the raw message as received.
	Message []byte
	// Payload is the calendar part as received.
	Payload []byte
	// Groups holds the local parts of the groups the message was addressed to.
	Groups []string
	// Organizer is the sender of the message.
	Organizer string
	// Method is the method parameter of the calendar part's content type, if any.
	Method string
}

// Tracker applies invite lifecycle rules to a Store.
type Tracker struct {
	store storage.Store
	now   func() time.Time
}

// New creates a Tracker on store.
func New(store storage.Store) *Tracker {
	return &Tracker{store: store, now: time.Now}
}

// Receive records the arrival of an invite. Overrides of a single occurrence are ignored, a
// cancellation deletes the series with its ledger, anything else creates or replaces the stored
// invite. The ledger is reset only when the payload or groups differ from what was stored.
func (t *Tracker) Receive(ctx context.Context, r *Received) (*calendar.Invite, Outcome, error) {
	ev, err := calendar.Parse(r.Payload, t.now())
	if err != nil {
		return nil, Ignored, err
	}
	slog := log.With().Str("module", "tracker").Str("uid", ev.UID).Str("title", ev.Title).Logger()

	if ev.IsOverride() {
		slog.Info().Str("recurrenceID", ev.RecurrenceID).
			Msg("Invite updates a single occurrence, store unchanged")
		return ev, Ignored, nil
	}
	if strings.EqualFold(strings.TrimSpace(r.Method), calendar.MethodCancel) {
		ev.Method = calendar.MethodCancel
	}
	if ev.IsCancel() {
		if err := t.store.DeleteInvite(ctx, ev.UID); err != nil && !errors.Is(err, storage.ErrNotExist) {
			return ev, Cancelled, fmt.Errorf("cancel %s: %w", ev.UID, err)
		}
		slog.Info().Msg("Invite series cancelled")
		return ev, Cancelled, nil
	}

	groups := append([]string(nil), r.Groups...)
	sort.Strings(groups)
	outcome := Created
	prev, err := t.store.GetInvite(ctx, ev.UID)
	switch {
	case err == nil:
		outcome = Updated
		if bytes.Equal(prev.Payload, r.Payload) && sameGroups(prev.Groups, groups) {
			outcome = Unchanged
		}
	case !errors.Is(err, storage.ErrNotExist):
		return ev, Ignored, fmt.Errorf("load %s: %w", ev.UID, err)
	}

	inv := &storage.Invite{
		UID:       ev.UID,
		Title:     ev.Title,
		Organizer: stringutil.CanonicalAddress(r.Organizer),
		Message:   r.Message,
		Recurring: ev.Recurring,
		Expiry:    ev.Expiry,
		Groups:    groups,
		Payload:   r.Payload,
	}
	if err := t.store.PutInvite(ctx, inv); err != nil {
		return ev, outcome, err
	}
	if outcome != Unchanged {
		if err := t.store.ClearLedger(ctx, ev.UID); err != nil {
			return ev, outcome, err
		}
	}
	slog.Info().Stringer("outcome", outcome).Strs("groups", groups).Msg("Invite stored")
	return ev, outcome, nil
}

// PendingRecipients returns the candidates not yet sent uid, in candidate order.
func (t *Tracker) PendingRecipients(ctx context.Context, uid string, candidates []string) ([]string, error) {
	ledger, err := t.store.Ledger(ctx, uid)
	if err != nil {
		return nil, err
	}
	sent := stringutil.NewSet(ledger...)
	pending := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if !sent.Has(c) {
			pending = append(pending, c)
		}
	}
	return pending, nil
}

// RecordDelivered notes that addrs were sent uid.
func (t *Tracker) RecordDelivered(ctx context.Context, uid string, addrs []string) error {
	if len(addrs) == 0 {
		return nil
	}
	return t.store.RecordDelivered(ctx, uid, addrs)
}

// ForceResend forgets every delivery of uid so the next refresh sends it to all recipients again.
// Other invites are unaffected.
func (t *Tracker) ForceResend(ctx context.Context, uid string) error {
	if _, err := t.store.GetInvite(ctx, uid); err != nil {
		return err
	}
	log.Info().Str("module", "tracker").Str("uid", uid).Msg("Clearing ledger for resend")
	return t.store.ClearLedger(ctx, uid)
}

// Purge deletes uid and its ledger. Purging an unknown uid is not an error.
func (t *Tracker) Purge(ctx context.Context, uid string) error {
	err := t.store.DeleteInvite(ctx, uid)
	if errors.Is(err, storage.ErrNotExist) {
		log.Debug().Str("module", "tracker").Str("uid", uid).Msg("Purge of unknown invite")
		return nil
	}
	if err == nil {
		log.Info().Str("module", "tracker").Str("uid", uid).Msg("Invite purged")
	}
	return err
}

// Invite returns the stored invite uid.
func (t *Tracker) Invite(ctx context.Context, uid string) (*storage.Invite, error) {
	return t.store.GetInvite(ctx, uid)
}

// Ledger returns the addresses already sent uid.
func (t *Tracker) Ledger(ctx context.Context, uid string) ([]string, error) {
	return t.store.Ledger(ctx, uid)
}

// Invites returns all stored invites with their ledgers.
func (t *Tracker) Invites(ctx context.Context) ([]*storage.Invite, map[string][]string, error) {
	invites, err := t.store.ListInvites(ctx)
	if err != nil {
		return nil, nil, err
	}
	uids := make([]string, len(invites))
	for i, inv := range invites {
		uids[i] = inv.UID
	}
	ledgers, err := t.store.LedgerAll(ctx, uids)
	if err != nil {
		return nil, nil, err
	}
	return invites, ledgers, nil
}

func sameGroups(stored, groups []string) bool {
	s := append([]string(nil), stored...)
	sort.Strings(s)
	if len(s) != len(groups) {
		return false
	}
	for i := range s {
		if s[i] != groups[i] {
			return false
		}
	}
	return true
}
