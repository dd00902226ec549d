// Package resolve maps distribution addresses onto the members of the group hierarchy and
// enforces which senders may address which groups.
package resolve

import (
	"context"
	"fmt"

	"github.com/inbucket/listgate/pkg/directory"
	"github.com/inbucket/listgate/pkg/policy"
	"github.com/inbucket/listgate/pkg/stringutil"
	"github.com/rs/zerolog/log"
)

// Result of resolving a set of targets for one sender.
type Result struct {
	// ResolvedGroups holds the local part of every authorized group, or "+all".
	ResolvedGroups []string `json:"groups"`
	// GroupAddresses holds the full distribution address of every authorized group.
	GroupAddresses []string `json:"group_emails"`
	// ExternalAddresses were directly addressed outside the gateway domain.
	ExternalAddresses []string `json:"valid"`
	// SendTo is the expanded member list, excluding directly addressed externals.
	SendTo []string `json:"send_to"`
	// Unauthorized holds the group addresses the sender may not mail.
	Unauthorized []string `json:"invalid_access_groups"`
}

// HasUnauthorized reports whether any target was denied.
func (r *Result) HasUnauthorized() bool {
	return len(r.Unauthorized) > 0
}

// Resolver resolves targets against a directory.
type Resolver struct {
	Addressing *policy.Addressing
	Directory  directory.Directory
}

// New creates a Resolver.
func New(addressing *policy.Addressing, dir directory.Directory) *Resolver {
	return &Resolver{Addressing: addressing, Directory: dir}
}

// resolution accumulates a Result while walking the targets.
type resolution struct {
	groups       []string
	groupAddrs   stringutil.Set
	external     stringutil.Set
	sendTo       stringutil.Set
	unauthorized stringutil.Set
	seen         stringutil.Set
}

func (r *resolution) result() *Result {
	return &Result{
		ResolvedGroups:    r.groups,
		GroupAddresses:    r.groupAddrs.Sorted(),
		ExternalAddresses: r.external.Sorted(),
		SendTo:            r.sendTo.Minus(r.external).Sorted(),
		Unauthorized:      r.unauthorized.Sorted(),
	}
}

// Resolve expands targets into recipients. An empty sender is a trusted internal caller and skips
// the authorization check, as does an allow-listed sender. Malformed and unknown targets are
// logged and skipped; only a directory failure is returned as an error.
func (rs *Resolver) Resolve(ctx context.Context, targets []string, sender string) (*Result, error) {
	recips := make([]*policy.Recipient, 0, len(targets))
	for _, t := range targets {
		if t == "" {
			continue
		}
		r, err := rs.Addressing.NewRecipient(t)
		if err != nil {
			log.Debug().Str("module", "resolve").Str("target", t).Err(err).
				Msg("Skipping malformed address")
			continue
		}
		recips = append(recips, r)
	}
	return rs.resolveRecipients(ctx, recips, sender)
}

// ResolveGroups resolves bare group names, as stored on invites, treating each as a local part of
// the gateway domain.
func (rs *Resolver) ResolveGroups(ctx context.Context, names []string, sender string) (*Result, error) {
	recips := make([]*policy.Recipient, 0, len(names))
	for _, n := range names {
		r, err := rs.Addressing.GroupRecipient(n)
		if err != nil {
			log.Debug().Str("module", "resolve").Str("group", n).Err(err).
				Msg("Skipping malformed group name")
			continue
		}
		recips = append(recips, r)
	}
	return rs.resolveRecipients(ctx, recips, sender)
}

// IsKnownSender reports whether addr may submit mail at all: an allow-listed address or an active
// directory user.
func (rs *Resolver) IsKnownSender(ctx context.Context, addr string) (bool, error) {
	addr = stringutil.CanonicalAddress(addr)
	if rs.Addressing.Config.IsAllowedSender(addr) {
		return true, nil
	}
	snap, err := directory.NewSnapshot(ctx, rs.Directory)
	if err != nil {
		return false, err
	}
	_, ok := snap.User(addr)
	return ok, nil
}

func (rs *Resolver) resolveRecipients(
	ctx context.Context,
	recips []*policy.Recipient,
	sender string,
) (*Result, error) {
	snap, err := directory.NewSnapshot(ctx, rs.Directory)
	if err != nil {
		return nil, fmt.Errorf("directory snapshot: %w", err)
	}

	sender = stringutil.CanonicalAddress(sender)
	checkSender := sender != "" && !rs.Addressing.Config.IsAllowedSender(sender)
	if checkSender {
		if u, ok := snap.User(sender); ok && u.Admin {
			checkSender = false
		}
	}
	slog := log.With().Str("module", "resolve").Str("sender", sender).Logger()

	res := &resolution{
		groupAddrs:   make(stringutil.Set),
		external:     make(stringutil.Set),
		sendTo:       make(stringutil.Set),
		unauthorized: make(stringutil.Set),
		seen:         make(stringutil.Set),
	}
	for _, r := range recips {
		addr := r.Address.Address
		if res.seen.Has(addr) {
			continue
		}
		res.seen.Add(addr)

		switch r.Kind {
		case policy.External:
			res.external.Add(addr)

		case policy.Everyone:
			if checkSender {
				slog.Warn().Str("target", addr).Msg("Sender not authorized for everyone")
				res.unauthorized.Add(addr)
				continue
			}
			res.sendTo.AddSet(snap.ActiveEmails())
			res.groups = append(res.groups, policy.EveryoneLocalPart)
			res.groupAddrs.Add(addr)

		case policy.Group:
			g, ok := snap.GroupByLocalPart(r.LocalPart)
			if !ok {
				slog.Warn().Str("target", addr).Msg("Group not found")
				continue
			}
			if checkSender {
				member, err := snap.InLineage(ctx, g.ID, sender)
				if err != nil {
					return nil, fmt.Errorf("authorize %s: %w", addr, err)
				}
				if !member {
					slog.Warn().Str("target", addr).Msg("Sender not authorized for group")
					res.unauthorized.Add(addr)
					continue
				}
			}
			members, err := snap.ExpandEmails(ctx, g.ID)
			if err != nil {
				return nil, fmt.Errorf("expand %s: %w", addr, err)
			}
			res.sendTo.AddSet(members)
			res.groups = append(res.groups, g.LocalPart())
			res.groupAddrs.Add(rs.Addressing.GroupAddress(g.FullPath))
		}
	}

	result := res.result()
	slog.Debug().Strs("groups", result.ResolvedGroups).Int("recipients", len(result.SendTo)).
		Strs("unauthorized", result.Unauthorized).Msg("Resolved targets")
	return result, nil
}
