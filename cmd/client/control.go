package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"
	"github.com/inbucket/listgate/pkg/rest/client"
)

// run builds a client, performs call and prints the server's acknowledgement.
func run(ctx context.Context, call func(context.Context, *client.Client) (string, error)) subcommands.ExitStatus {
	c, err := client.New(baseURL())
	if err != nil {
		return fatal("Couldn't build client", err)
	}
	ack, err := call(ctx, c)
	if err != nil {
		return fatal("REST call failed", err)
	}
	fmt.Println(ack)
	return subcommands.ExitSuccess
}

type refreshWikiCmd struct{}

func (*refreshWikiCmd) Name() string { return "refresh-wiki" }

func (*refreshWikiCmd) Synopsis() string { return "republish the calendar and list wiki pages" }

func (*refreshWikiCmd) Usage() string {
	return `refresh-wiki:
	queue a republish of every wiki page
`
}

func (*refreshWikiCmd) SetFlags(f *flag.FlagSet) {}

func (*refreshWikiCmd) Execute(
	ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	return run(ctx, func(ctx context.Context, c *client.Client) (string, error) {
		return c.RefreshWiki(ctx)
	})
}

type refreshCmd struct {
	uid   string
	group string
}

func (*refreshCmd) Name() string { return "refresh" }

func (*refreshCmd) Synopsis() string { return "send stored invites to members who missed them" }

func (*refreshCmd) Usage() string {
	return `refresh [-uid <uid>] [-group <group>]:
	queue delivery of stored invites to group members who have not been sent them
`
}

func (r *refreshCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.uid, "uid", "", "only refresh this invite UID")
	f.StringVar(&r.group, "group", "", "only refresh invites addressed to this group")
}

func (r *refreshCmd) Execute(
	ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	return run(ctx, func(ctx context.Context, c *client.Client) (string, error) {
		return c.RefreshEmail(ctx, r.uid, r.group)
	})
}

type resendCmd struct{}

func (*resendCmd) Name() string { return "resend" }

func (*resendCmd) Synopsis() string { return "resend an invite to all of its recipients" }

func (*resendCmd) Usage() string {
	return `resend <uid>:
	forget who has been sent the invite and send it to everyone again
`
}

func (*resendCmd) SetFlags(f *flag.FlagSet) {}

func (*resendCmd) Execute(
	ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	uid := f.Arg(0)
	if uid == "" {
		return usage("uid required")
	}
	return run(ctx, func(ctx context.Context, c *client.Client) (string, error) {
		return c.ForceResend(ctx, uid)
	})
}

type purgeCmd struct{}

func (*purgeCmd) Name() string { return "purge" }

func (*purgeCmd) Synopsis() string { return "forget a stored invite" }

func (*purgeCmd) Usage() string {
	return `purge <uid>:
	delete the invite and its delivery ledger
`
}

func (*purgeCmd) SetFlags(f *flag.FlagSet) {}

func (*purgeCmd) Execute(
	ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	uid := f.Arg(0)
	if uid == "" {
		return usage("uid required")
	}
	return run(ctx, func(ctx context.Context, c *client.Client) (string, error) {
		return c.Purge(ctx, uid)
	})
}

type flushCmd struct{}

func (*flushCmd) Name() string { return "flush" }

func (*flushCmd) Synopsis() string { return "drop the cached group directory" }

func (*flushCmd) Usage() string {
	return `flush:
	queue a flush of the directory cache
`
}

func (*flushCmd) SetFlags(f *flag.FlagSet) {}

func (*flushCmd) Execute(
	ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	return run(ctx, func(ctx context.Context, c *client.Client) (string, error) {
		return c.Flush(ctx)
	})
}
