package model

import "time"

// JSONInviteV1 summarizes a tracked invite.
type JSONInviteV1 struct {
	UID       string    `json:"uid"`
	Title     string    `json:"title"`
	Organizer string    `json:"organizer"`
	Groups    []string  `json:"groups"`
	Recurring bool      `json:"recurring"`
	Expiry    time.Time `json:"expiry"`
	Created   time.Time `json:"created"`
	Updated   time.Time `json:"updated"`
	// Sent counts the addresses already sent the invite.
	Sent int `json:"sent"`
}

// JSONActivityV1 describes a finished task on the monitor socket.
type JSONActivityV1 struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Priority    int    `json:"priority"`
	Detail      string `json:"detail,omitempty"`
	Error       string `json:"error,omitempty"`
	PosixMillis int64  `json:"posix-millis"`
	DurationMS  int64  `json:"duration-ms"`
}

// JSONInviteRequest selects invites for the refresh, resend and purge endpoints.
type JSONInviteRequest struct {
	UUID  string `json:"uuid,omitempty"`
	Group string `json:"group,omitempty"`
}

// JSONMemberHook is the subset of a GitLab system hook event we act on.
type JSONMemberHook struct {
	EventName string `json:"event_name"`
}

// JSONAdminsRequest asks how targets resolve for a sender.
type JSONAdminsRequest struct {
	From string   `json:"from"`
	To   []string `json:"to"`
}

// JSONSendMessageRequest is a message composed and sent by the gateway.
type JSONSendMessageRequest struct {
	Sender  string   `json:"sender"`
	Subject string   `json:"subject"`
	To      []string `json:"to,omitempty"`
	Cc      []string `json:"cc,omitempty"`
	Bcc     []string `json:"bcc,omitempty"`
	Text    string   `json:"text,omitempty"`
	HTML    string   `json:"html,omitempty"`
}

// JSONErrorV1 reports a failed synchronous request.
type JSONErrorV1 struct {
	Type string `json:"type"`
	Text string `json:"text"`
}
