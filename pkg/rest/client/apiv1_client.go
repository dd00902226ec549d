// Package client provides a basic REST client for the listgate control plane.
package client

import (
	"context"
	"net/http"
	"net/url"

	"github.com/inbucket/listgate/pkg/rest/model"
)

// Client accesses the listgate control plane and REST API v1
type Client struct {
	restClient
}

// Admins reports how targets resolve for a sender.
type Admins struct {
	Groups       []string `json:"groups"`
	GroupEmails  []string `json:"group_emails"`
	Valid        []string `json:"valid"`
	SendTo       []string `json:"send_to"`
	InvalidGroups []string `json:"invalid_access_groups"`
}

// New creates a new client given the base URL of a listgate server, ex:
// "http://localhost:8080"
func New(baseURL string, opts ...func(*ClientOptions)) (*Client, error) {
	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	options := getDefaultClientOptions()
	for _, opt := range opts {
		opt(options)
	}
	c := &Client{
		restClient{
			client: &http.Client{
				Timeout:   options.timeout,
				Transport: options.transport,
			},
			baseURL: parsedURL,
		},
	}
	return c, nil
}

// RefreshWiki asks the server to republish the wiki pages.
func (c *Client) RefreshWiki(ctx context.Context) (string, error) {
	return c.doText(ctx, "POST", "/refresh-wiki", nil)
}

// RefreshEmail asks the server to send stored invites to members who have not had them. Empty uid
// and group select every invite.
func (c *Client) RefreshEmail(ctx context.Context, uid, group string) (string, error) {
	return c.doText(ctx, "POST", "/refresh-email",
		&model.JSONInviteRequest{UUID: uid, Group: group})
}

// ForceResend asks the server to resend invite uid to all of its recipients.
func (c *Client) ForceResend(ctx context.Context, uid string) (string, error) {
	return c.doText(ctx, "POST", "/force-resend-email", &model.JSONInviteRequest{UUID: uid})
}

// Purge asks the server to forget invite uid.
func (c *Client) Purge(ctx context.Context, uid string) (string, error) {
	return c.doText(ctx, "POST", "/purge-email", &model.JSONInviteRequest{UUID: uid})
}

// Flush asks the server to drop its directory cache.
func (c *Client) Flush(ctx context.Context) (string, error) {
	return c.doText(ctx, "POST", "/flush", nil)
}

// GetAdmins resolves targets for sender without sending anything.
func (c *Client) GetAdmins(ctx context.Context, sender string, targets []string) (*Admins, error) {
	var a Admins
	err := c.doJSON(ctx, "POST", "/get-admins",
		&model.JSONAdminsRequest{From: sender, To: targets}, &a)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// SendMessage has the server compose and send a message, returning the delivered addresses.
func (c *Client) SendMessage(ctx context.Context, m *model.JSONSendMessageRequest) ([]string, error) {
	var delivered []string
	if err := c.doJSON(ctx, "POST", "/send-message", m, &delivered); err != nil {
		return nil, err
	}
	return delivered, nil
}

// ListInvites returns every tracked invite.
func (c *Client) ListInvites(ctx context.Context) ([]*model.JSONInviteV1, error) {
	var invites []*model.JSONInviteV1
	if err := c.doJSON(ctx, "GET", "/api/v1/invites", nil, &invites); err != nil {
		return nil, err
	}
	return invites, nil
}

// GetInvite returns one tracked invite.
func (c *Client) GetInvite(ctx context.Context, uid string) (*model.JSONInviteV1, error) {
	var inv model.JSONInviteV1
	err := c.doJSON(ctx, "GET", "/api/v1/invites/"+url.PathEscape(uid), nil, &inv)
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// RecentActivity returns the server's recent task activity, oldest first.
func (c *Client) RecentActivity(ctx context.Context) ([]*model.JSONActivityV1, error) {
	var as []*model.JSONActivityV1
	if err := c.doJSON(ctx, "GET", "/api/v1/activity", nil, &as); err != nil {
		return nil, err
	}
	return as, nil
}
