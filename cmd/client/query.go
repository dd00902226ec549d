package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/subcommands"
	"github.com/inbucket/listgate/pkg/rest/client"
	"github.com/inbucket/listgate/pkg/rest/model"
)

type adminsCmd struct {
	output string
}

func (*adminsCmd) Name() string {
	return "admins"
}

func (*adminsCmd) Synopsis() string {
	return "show who a sender would reach"
}

func (*adminsCmd) Usage() string {
	return `admins [flags] <sender> <address>...:
	resolve group addresses for sender without sending anything
`
}

func (a *adminsCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&a.output, "output", "text", "output format: text or json")
}

func (a *adminsCmd) Execute(
	ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() < 2 {
		return usage("sender and at least one address required")
	}
	c, err := client.New(baseURL())
	if err != nil {
		return fatal("Couldn't build client", err)
	}
	res, err := c.GetAdmins(ctx, f.Arg(0), f.Args()[1:])
	if err != nil {
		return fatal("REST call failed", err)
	}
	switch a.output {
	case "json":
		err = outputJSON(res)
	case "text":
		fmt.Printf("groups:   %s\n", strings.Join(res.GroupEmails, ", "))
		fmt.Printf("external: %s\n", strings.Join(res.Valid, ", "))
		fmt.Printf("denied:   %s\n", strings.Join(res.InvalidGroups, ", "))
		for _, addr := range res.SendTo {
			fmt.Println(addr)
		}
	default:
		return usage("unknown output type: " + a.output)
	}
	if err != nil {
		return fatal("Error", err)
	}
	return subcommands.ExitSuccess
}

type invitesCmd struct {
	output string
	title  regexFlag
	group  string
}

func (*invitesCmd) Name() string {
	return "invites"
}

func (*invitesCmd) Synopsis() string {
	return "list tracked invites"
}

func (*invitesCmd) Usage() string {
	return `invites [flags]:
	list tracked invites matching all specified criteria
	exit status will be 1 if no matches were found, otherwise 0
`
}

func (i *invitesCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&i.output, "output", "text", "output format: uid, text, or json")
	f.Var(&i.title, "title", "Title matching regexp")
	f.StringVar(&i.group, "group", "", "Only invites addressed to this group")
}

func (i *invitesCmd) Execute(
	ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	c, err := client.New(baseURL())
	if err != nil {
		return fatal("Couldn't build client", err)
	}
	invites, err := c.ListInvites(ctx)
	if err != nil {
		return fatal("REST call failed", err)
	}
	matches := make([]*model.JSONInviteV1, 0, len(invites))
	for _, inv := range invites {
		if i.match(inv) {
			matches = append(matches, inv)
		}
	}
	if len(matches) == 0 {
		return subcommands.ExitFailure
	}
	switch i.output {
	case "uid":
		for _, inv := range matches {
			fmt.Println(inv.UID)
		}
	case "text":
		for _, inv := range matches {
			fmt.Printf("%s\t%s\t%s\tsent=%d\t%s\n", inv.UID, inv.Expiry.Format(time.DateOnly),
				strings.Join(inv.Groups, ","), inv.Sent, inv.Title)
		}
	case "json":
		err = outputJSON(matches)
	default:
		return usage("unknown output type: " + i.output)
	}
	if err != nil {
		return fatal("Error", err)
	}
	return subcommands.ExitSuccess
}

// match returns true if inv matches all defined criteria
func (i *invitesCmd) match(inv *model.JSONInviteV1) bool {
	if i.title.Defined() && !i.title.MatchString(inv.Title) {
		return false
	}
	if i.group != "" {
		for _, g := range inv.Groups {
			if strings.EqualFold(g, i.group) {
				return true
			}
		}
		return false
	}
	return true
}

func outputJSON(v any) error {
	jsonEncoder := json.NewEncoder(os.Stdout)
	jsonEncoder.SetEscapeHTML(false)
	jsonEncoder.SetIndent("", "  ")
	return jsonEncoder.Encode(v)
}
