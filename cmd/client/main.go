// Package main implements a command line client for the listgate control plane
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strconv"

	"github.com/google/subcommands"
)

var host = flag.String("host", "localhost", "host/IP of listgate server")
var port = flag.Uint("port", 8080, "HTTP port of listgate server")
var basePath = flag.String("basepath", "", "base path the control plane is mounted under")

// Allow subcommands to accept regular expressions as flags
type regexFlag struct {
	*regexp.Regexp
}

func (r *regexFlag) Defined() bool {
	return r.Regexp != nil
}

func (r *regexFlag) Set(pattern string) error {
	if pattern == "" {
		r.Regexp = nil
		return nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.Regexp = re
	return nil
}

func (r *regexFlag) String() string {
	if r.Regexp == nil {
		return ""
	}
	return r.Regexp.String()
}

// regexFlag must implement flag.Value
var _ flag.Value = &regexFlag{}

func main() {
	// Important top-level flags
	subcommands.ImportantFlag("host")
	subcommands.ImportantFlag("port")
	subcommands.ImportantFlag("basepath")

	// Setup standard helpers
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")

	// Setup my commands
	subcommands.Register(&refreshWikiCmd{}, "control")
	subcommands.Register(&refreshCmd{}, "control")
	subcommands.Register(&resendCmd{}, "control")
	subcommands.Register(&purgeCmd{}, "control")
	subcommands.Register(&flushCmd{}, "control")
	subcommands.Register(&adminsCmd{}, "query")
	subcommands.Register(&invitesCmd{}, "query")

	// Parse and execute
	flag.Parse()
	ctx := context.Background()
	os.Exit(int(subcommands.Execute(ctx)))
}

func baseURL() string {
	u := &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(*host, strconv.FormatUint(uint64(*port), 10)),
	}
	return u.JoinPath(*basePath).String()
}

func fatal(msg string, err error) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	return subcommands.ExitFailure
}

func usage(msg string) subcommands.ExitStatus {
	fmt.Fprintln(os.Stderr, msg)
	return subcommands.ExitUsageError
}
