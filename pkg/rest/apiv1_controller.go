package rest

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/inbucket/listgate/pkg/rest/model"
	"github.com/inbucket/listgate/pkg/server/web"
	"github.com/inbucket/listgate/pkg/storage"
)

// InvitesListV1 renders every tracked invite with the number of addresses already sent it.
func InvitesListV1(w http.ResponseWriter, req *http.Request, ctx *web.Context) error {
	invites, ledgers, err := ctx.Tracker.Invites(req.Context())
	if err != nil {
		return fmt.Errorf("list invites: %w", err)
	}
	result := make([]*model.JSONInviteV1, len(invites))
	for i, inv := range invites {
		result[i] = inviteJSON(inv, len(ledgers[inv.UID]))
	}
	return web.RenderJSON(w, result)
}

// InviteShowV1 renders one tracked invite.
func InviteShowV1(w http.ResponseWriter, req *http.Request, ctx *web.Context) error {
	uid := ctx.Vars["uid"]
	inv, err := ctx.Tracker.Invite(req.Context(), uid)
	if errors.Is(err, storage.ErrNotExist) {
		http.NotFound(w, req)
		return nil
	}
	if err != nil {
		return fmt.Errorf("invite %q: %w", uid, err)
	}
	sent, err := ctx.Tracker.Ledger(req.Context(), uid)
	if err != nil {
		return err
	}
	return web.RenderJSON(w, inviteJSON(inv, len(sent)))
}

func inviteJSON(inv *storage.Invite, sent int) *model.JSONInviteV1 {
	return &model.JSONInviteV1{
		UID:       inv.UID,
		Title:     inv.Title,
		Organizer: inv.Organizer,
		Groups:    inv.Groups,
		Recurring: inv.Recurring,
		Expiry:    inv.Expiry,
		Created:   inv.Created,
		Updated:   inv.Updated,
		Sent:      sent,
	}
}
