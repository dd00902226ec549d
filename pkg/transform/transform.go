// Package transform rewrites inbound messages for redistribution to resolved group members.
package transform

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/inbucket/listgate/pkg/calendar"
	"github.com/inbucket/listgate/pkg/config"
	"github.com/inbucket/listgate/pkg/resolve"
	"github.com/inbucket/listgate/pkg/stringutil"
	"github.com/rs/zerolog/log"
)

// stripHeaders are invalidated by redistribution and always removed.
var stripHeaders = []string{
	"ARC-Authentication-Results",
	"ARC-Message-Signature",
	"ARC-Seal",
	"DKIM-Signature",
	"Return-Path",
	"Source",
	"Sender",
}

// Prepared is a message ready for delivery.
type Prepared struct {
	// Message is the rewritten message.
	Message []byte
	// Recipients is the resolution of the message targets.
	Recipients *resolve.Result
	// Sender is the real sender, recovered from the headers when reprocessing stored mail.
	Sender string
	// Subject is the decoded subject.
	Subject string
	// Calendar is the first calendar part of the message as received, nil if there is none.
	Calendar *CalendarPart
}

// Transformer prepares messages.
type Transformer struct {
	Config   *config.Root
	Resolver *resolve.Resolver
}

// New creates a Transformer.
func New(conf *config.Root, resolver *resolve.Resolver) *Transformer {
	return &Transformer{Config: conf, Resolver: resolver}
}

// Prepare strips provenance headers, replaces the sender identity with the gateway's, resolves
// recipients and rewrites To and any calendar attendees to match. A message already prepared may
// be prepared again; the original sender is recovered from Reply-To or X-Original-Sender.
func (t *Transformer) Prepare(
	ctx context.Context,
	sender string,
	recipients []string,
	raw []byte,
) (*Prepared, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	th, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	h := mail.Header{Header: message.Header{Header: th}}
	slog := log.With().Str("module", "transform").Str("sender", sender).Logger()

	for _, name := range stripHeaders {
		h.Del(name)
	}

	canonical := stringutil.CanonicalAddress(t.Config.Gateway.DefaultFrom)
	sender = stringutil.CanonicalAddress(sender)
	originalFrom := h.Get("From")
	if stringutil.CanonicalAddress(originalFrom) != canonical {
		h.Set("From", t.Config.Gateway.DefaultFrom)
		if originalFrom != "" {
			h.Set("Reply-To", originalFrom)
			h.Set("X-Original-Sender", originalFrom)
		}
	}
	if sender == "" || sender == canonical {
		sender = recoverSender(h)
	}

	targets := append([]string(nil), recipients...)
	targets = append(targets, t.externalHeaderAddresses(h)...)
	res, err := t.Resolver.Resolve(ctx, targets, sender)
	if err != nil {
		return nil, err
	}

	if len(res.GroupAddresses) > 0 {
		h.Set("To", strings.Join(res.GroupAddresses, ", "))
	} else {
		h.Set("To", "undisclosed-recipients:;")
	}
	h.Del("Cc")
	h.Del("Bcc")

	subject, err := h.Subject()
	if err != nil {
		subject = h.Get("Subject")
	}

	var buf bytes.Buffer
	if err := textproto.WriteHeader(&buf, h.Header.Header); err != nil {
		return nil, err
	}
	if _, err := io.Copy(&buf, br); err != nil {
		return nil, err
	}
	out := buf.Bytes()

	cal, err := ExtractCalendar(raw)
	if err != nil {
		slog.Warn().Err(err).Msg("Unable to extract calendar")
	}
	if cal != nil {
		out, err = rewriteCalendar(out, res.SendTo)
		if err != nil {
			slog.Warn().Err(err).Msg("Failed to rewrite calendar, using headers only")
			out = buf.Bytes()
		}
	}

	return &Prepared{
		Message:    out,
		Recipients: res,
		Sender:     sender,
		Subject:    subject,
		Calendar:   cal,
	}, nil
}

// recoverSender finds the original sender of a message already sent by the gateway.
func recoverSender(h mail.Header) string {
	for _, key := range []string{"Reply-To", "X-Original-Sender"} {
		if addrs, err := h.AddressList(key); err == nil && len(addrs) > 0 {
			return stringutil.CanonicalAddress(addrs[0].Address)
		}
	}
	return ""
}

// externalHeaderAddresses returns the To and Cc addresses outside the gateway domain. These were
// addressed directly by the sender and must not receive a second copy.
func (t *Transformer) externalHeaderAddresses(h mail.Header) []string {
	var result []string
	for _, key := range []string{"To", "Cc"} {
		addrs, err := h.AddressList(key)
		if err != nil {
			continue
		}
		for _, a := range addrs {
			at := strings.LastIndexByte(a.Address, '@')
			if at < 0 || t.Resolver.Addressing.IsLocalDomain(a.Address[at+1:]) {
				continue
			}
			result = append(result, a.Address)
		}
	}
	return result
}

// rewriteCalendar sets the attendees of the first calendar part to sendTo.
func rewriteCalendar(raw []byte, sendTo []string) ([]byte, error) {
	done := false
	return RewriteLeaves(raw, func(h message.Header, body []byte) ([]byte, error) {
		if done || MediaType(h) != "text/calendar" {
			return nil, nil
		}
		done = true
		return calendar.RewriteAttendees(body, sendTo)
	})
}

// CalendarPart is a calendar found in a message.
type CalendarPart struct {
	Payload  []byte
	Method   string
	Filename string
}

var errFound = errors.New("found")

// ExtractCalendar returns the first text/calendar part of raw, or nil if there is none. The method
// is taken from the content type parameter, falling back to the METHOD property.
func ExtractCalendar(raw []byte) (*CalendarPart, error) {
	e, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("read message: %w", err)
	}
	var found *CalendarPart
	err = e.Walk(func(path []int, part *message.Entity, err error) error {
		if err != nil && !message.IsUnknownCharset(err) {
			return err
		}
		if MediaType(part.Header) != "text/calendar" {
			return nil
		}
		body, err := io.ReadAll(part.Body)
		if err != nil {
			return err
		}
		_, params, _ := part.Header.ContentType()
		cp := &CalendarPart{Payload: body, Method: strings.ToUpper(params["method"])}
		if _, dparams, err := part.Header.ContentDisposition(); err == nil {
			cp.Filename = dparams["filename"]
		}
		if cp.Filename == "" {
			cp.Filename = params["name"]
		}
		if cp.Method == "" {
			cp.Method = methodProperty(body)
		}
		found = cp
		return errFound
	})
	if err != nil && !errors.Is(err, errFound) {
		return nil, err
	}
	return found, nil
}

// methodProperty scans for the METHOD line of a calendar.
func methodProperty(payload []byte) string {
	for _, line := range strings.Split(string(payload), "\n") {
		line = strings.TrimSpace(line)
		if len(line) > 7 && strings.EqualFold(line[:7], "METHOD:") {
			return strings.ToUpper(line[7:])
		}
	}
	return ""
}
