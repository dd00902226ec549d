package rest

import (
	"errors"
	"net/http"

	"github.com/inbucket/listgate/pkg/delivery"
	"github.com/inbucket/listgate/pkg/dispatch"
	"github.com/inbucket/listgate/pkg/rest/model"
	"github.com/inbucket/listgate/pkg/server/web"
	"github.com/inbucket/listgate/pkg/stringutil"
	"github.com/rs/zerolog/log"
)

// Response text of every queued request.
const requestReceived = "Request received"

// memberAddedEvent is the GitLab system hook event sent when a user joins a group.
const memberAddedEvent = "user_update_for_group"

// enqueue submits a task and acknowledges the request without waiting for it to run.
func enqueue(w http.ResponseWriter, ctx *web.Context, kind dispatch.Kind, p dispatch.Payload) error {
	if err := ctx.Queue.Enqueue(kind, p); err != nil {
		if errors.Is(err, dispatch.ErrClosed) {
			return web.RenderText(w, http.StatusServiceUnavailable, err.Error())
		}
		return err
	}
	log.Debug().Str("module", "rest").Stringer("kind", kind).Msg("Task queued")
	return web.RenderText(w, http.StatusOK, requestReceived)
}

func renderError(w http.ResponseWriter, status int, text string) error {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	return web.RenderJSON(w, &model.JSONErrorV1{Type: "error", Text: text})
}

// inviteRequest reads the optional invite selection from the JSON body and query string. Query
// values win.
func inviteRequest(req *http.Request) (*model.JSONInviteRequest, error) {
	r := &model.JSONInviteRequest{}
	if err := web.DecodeJSON(req, r); err != nil && !errors.Is(err, web.ErrEmptyBody) {
		return nil, err
	}
	q := req.URL.Query()
	if v := q.Get("uuid"); v != "" {
		r.UUID = v
	}
	if v := q.Get("group"); v != "" {
		r.Group = v
	}
	return r, nil
}

// RefreshWiki queues a republish of every wiki page.
func RefreshWiki(w http.ResponseWriter, req *http.Request, ctx *web.Context) error {
	return enqueue(w, ctx, dispatch.RefreshWiki, dispatch.Payload{})
}

// RefreshEmail queues delivery of stored invites to members who have not had them, optionally
// restricted to one invite or one group.
func RefreshEmail(w http.ResponseWriter, req *http.Request, ctx *web.Context) error {
	r, err := inviteRequest(req)
	if err != nil {
		return renderError(w, http.StatusBadRequest, err.Error())
	}
	return enqueue(w, ctx, dispatch.RefreshInvites, dispatch.Payload{UID: r.UUID, Group: r.Group})
}

// ForceResendEmail queues a resend of one invite to all of its recipients.
func ForceResendEmail(w http.ResponseWriter, req *http.Request, ctx *web.Context) error {
	r, err := inviteRequest(req)
	if err != nil {
		return renderError(w, http.StatusBadRequest, err.Error())
	}
	if r.UUID == "" {
		return renderError(w, http.StatusBadRequest, "uuid is required")
	}
	return enqueue(w, ctx, dispatch.ForceResendInvite, dispatch.Payload{UID: r.UUID})
}

// PurgeEmail queues removal of one invite and its ledger.
func PurgeEmail(w http.ResponseWriter, req *http.Request, ctx *web.Context) error {
	r, err := inviteRequest(req)
	if err != nil {
		return renderError(w, http.StatusBadRequest, err.Error())
	}
	if r.UUID == "" {
		return renderError(w, http.StatusBadRequest, "uuid is required")
	}
	return enqueue(w, ctx, dispatch.PurgeInvite, dispatch.Payload{UID: r.UUID})
}

// Flush queues a flush of the directory cache.
func Flush(w http.ResponseWriter, req *http.Request, ctx *web.Context) error {
	return enqueue(w, ctx, dispatch.FlushDirectoryCache, dispatch.Payload{})
}

// TestTask queues a task that only logs.
func TestTask(w http.ResponseWriter, req *http.Request, ctx *web.Context) error {
	return enqueue(w, ctx, dispatch.Test, dispatch.Payload{})
}

// MemberHook handles GitLab group membership events. Any event flushes the directory cache; a
// member joining also refreshes invites so they are sent what they missed.
func MemberHook(w http.ResponseWriter, req *http.Request, ctx *web.Context) error {
	var hook model.JSONMemberHook
	if err := web.DecodeJSON(req, &hook); err != nil {
		return renderError(w, http.StatusBadRequest, err.Error())
	}
	slog := log.With().Str("module", "rest").Str("event", hook.EventName).Logger()
	if err := ctx.Queue.Enqueue(dispatch.FlushDirectoryCache, dispatch.Payload{}); err != nil {
		return err
	}
	switch hook.EventName {
	case memberAddedEvent:
		if err := ctx.Queue.Enqueue(dispatch.RefreshInvites, dispatch.Payload{}); err != nil {
			return err
		}
		slog.Info().Msg("Member added, invites refresh queued")
	case "user_remove_from_group":
		slog.Info().Msg("Member removed")
	default:
		slog.Warn().Msg("Unhandled member hook event")
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

// GetAdmins resolves targets for a sender and reports the result without sending anything.
func GetAdmins(w http.ResponseWriter, req *http.Request, ctx *web.Context) error {
	var r model.JSONAdminsRequest
	if err := web.DecodeJSON(req, &r); err != nil {
		return renderError(w, http.StatusBadRequest, "no payload")
	}
	res, err := ctx.Resolver.Resolve(req.Context(), r.To, r.From)
	if err != nil {
		return renderError(w, http.StatusBadGateway, err.Error())
	}
	return web.RenderJSON(w, res)
}

// SendMessage composes a message from the gateway on behalf of a known sender and sends it to
// the members of every addressed group. It responds with the delivered addresses.
func SendMessage(w http.ResponseWriter, req *http.Request, ctx *web.Context) error {
	var r model.JSONSendMessageRequest
	if err := web.DecodeJSON(req, &r); err != nil {
		return renderError(w, http.StatusBadRequest, "no payload")
	}
	if r.Sender == "" || r.Subject == "" {
		return renderError(w, http.StatusBadRequest, "sender and subject are required")
	}
	slog := log.With().Str("module", "rest").Str("sender", r.Sender).Logger()
	rctx := req.Context()

	known, err := ctx.Resolver.IsKnownSender(rctx, r.Sender)
	if err != nil {
		return renderError(w, http.StatusBadGateway, err.Error())
	}
	if !known {
		slog.Warn().Msg("Send refused for unknown sender")
		return renderError(w, http.StatusForbidden, "unknown sender")
	}

	all := make(stringutil.Set)
	var headers [2][]string
	for i, targets := range [][]string{r.To, r.Cc, r.Bcc} {
		if len(targets) == 0 {
			continue
		}
		res, err := ctx.Resolver.Resolve(rctx, targets, r.Sender)
		if err != nil {
			return renderError(w, http.StatusBadGateway, err.Error())
		}
		all.Add(res.SendTo...)
		if i < len(headers) {
			headers[i] = append(res.GroupAddresses, res.ExternalAddresses...)
		}
	}
	recipients := all.Sorted()
	if len(recipients) == 0 {
		slog.Warn().Msg("No one to send to")
		return web.RenderJSON(w, []string{})
	}

	msg, err := ctx.Composer.Compose(&delivery.Composition{
		ReplyTo: r.Sender,
		To:      headers[0],
		Cc:      headers[1],
		Subject: r.Subject,
		Text:    r.Text,
		HTML:    r.HTML,
	})
	if err != nil {
		return err
	}
	delivered, err := ctx.Mailer.Send(rctx, &delivery.Outbound{
		Sender:     r.Sender,
		Recipients: recipients,
		Message:    msg,
	})
	if err != nil && len(delivered) == 0 {
		return renderError(w, http.StatusBadGateway, err.Error())
	}
	slog.Info().Str("subject", r.Subject).Int("delivered", len(delivered)).Msg("Message sent")
	if delivered == nil {
		delivered = []string{}
	}
	return web.RenderJSON(w, delivered)
}
