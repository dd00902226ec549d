package dispatch

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies the handler of a task.
type Kind int

// Task kinds, one handler each.
const (
	Receive Kind = iota
	RefreshWiki
	FlushDirectoryCache
	RefreshInvites
	RefreshCalendarsPublished
	ForceResendInvite
	PurgeInvite
	Test
)

var kindNames = map[Kind]string{
	Receive:                   "receive",
	RefreshWiki:               "refresh_wiki",
	FlushDirectoryCache:       "flush_gitlab_cache",
	RefreshInvites:            "refresh_invites",
	RefreshCalendarsPublished: "refresh_calendars_published",
	ForceResendInvite:         "force_resend_invite",
	PurgeInvite:               "purge_invite",
	Test:                      "test",
}

// Lower values run first.
var defaultPriorities = map[Kind]int{
	Receive:                   1,
	RefreshWiki:               10,
	FlushDirectoryCache:       0,
	RefreshInvites:            0,
	RefreshCalendarsPublished: 10,
	ForceResendInvite:         0,
	PurgeInvite:               0,
	Test:                      10,
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Priority returns the default priority of k.
func (k Kind) Priority() int {
	if p, ok := defaultPriorities[k]; ok {
		return p
	}
	return 10
}

// ParseKind maps a kind name back to its Kind.
func ParseKind(name string) (Kind, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown task kind %q", name)
}

// Envelope is a message accepted by the SMTP server.
type Envelope struct {
	Sender     string
	Recipients []string
	Data       []byte
	RemoteAddr string
}

// Payload carries the arguments of a task. Fields a kind does not use are left empty.
type Payload struct {
	// Envelope is set for Receive.
	Envelope *Envelope
	// UID selects one invite for RefreshInvites, ForceResendInvite and PurgeInvite.
	UID string
	// Group restricts RefreshInvites to invites addressed to this group.
	Group string
}

// Task is a unit of work for the dispatcher.
type Task struct {
	ID        string
	Kind      Kind
	Priority  int
	Payload   Payload
	Submitted time.Time
}

// Detail summarizes the payload for logs and the activity monitor.
func (t *Task) Detail() string {
	var parts []string
	if e := t.Payload.Envelope; e != nil {
		parts = append(parts, "from="+e.Sender, fmt.Sprintf("rcpts=%d", len(e.Recipients)))
	}
	if t.Payload.UID != "" {
		parts = append(parts, "uid="+t.Payload.UID)
	}
	if t.Payload.Group != "" {
		parts = append(parts, "group="+t.Payload.Group)
	}
	return strings.Join(parts, " ")
}
