// Package gitlab implements the group directory and the digest wiki on top of the GitLab v4 REST
// API.
package gitlab

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/inbucket/listgate/pkg/directory"
)

const perPage = 100

// Client accesses groups, users and project wiki pages.
type Client struct {
	restClient
	project string
}

var _ directory.Directory = &Client{}

// New creates a new client given the base URL of a GitLab instance, ex: "https://gitlab.com".
// project is the ID or path of the project holding the wiki, it may be empty when the wiki is
// unused.
func New(baseURL, token, project string, timeout time.Duration) (*Client, error) {
	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	return &Client{
		restClient: restClient{
			client:  &http.Client{Timeout: timeout},
			baseURL: parsedURL,
			token:   token,
		},
		project: project,
	}, nil
}

type apiUser struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	State    string `json:"state"`
	IsAdmin  bool   `json:"is_admin"`
}

type apiMember struct {
	ID          int    `json:"id"`
	Username    string `json:"username"`
	AccessLevel int    `json:"access_level"`
}

// Groups implements directory.Directory.
func (c *Client) Groups(ctx context.Context) ([]directory.Group, error) {
	return getAll[directory.Group](ctx, &c.restClient, "/groups", url.Values{"all_available": {"true"}})
}

// Users implements directory.Directory.
func (c *Client) Users(ctx context.Context) ([]directory.User, error) {
	items, err := getAll[apiUser](ctx, &c.restClient, "/users", nil)
	if err != nil {
		return nil, err
	}
	users := make([]directory.User, 0, len(items))
	for _, u := range items {
		users = append(users, directory.User{
			ID:       u.ID,
			Username: u.Username,
			Name:     u.Name,
			Email:    u.Email,
			Active:   u.State == "active",
			Admin:    u.IsAdmin,
		})
	}
	return users, nil
}

// Members implements directory.Directory.
func (c *Client) Members(ctx context.Context, groupID int) ([]directory.Member, error) {
	uri := "/groups/" + strconv.Itoa(groupID) + "/members"
	items, err := getAll[apiMember](ctx, &c.restClient, uri, nil)
	if err != nil {
		return nil, err
	}
	members := make([]directory.Member, 0, len(items))
	for _, m := range items {
		members = append(members, directory.Member{
			UserID:      m.ID,
			Username:    m.Username,
			AccessLevel: m.AccessLevel,
		})
	}
	return members, nil
}

type wikiPage struct {
	Slug    string `json:"slug,omitempty"`
	Title   string `json:"title"`
	Content string `json:"content"`
	Format  string `json:"format,omitempty"`
}

func (c *Client) wikiURI(slug string) string {
	uri := "/projects/" + url.PathEscape(c.project) + "/wikis"
	if slug != "" {
		uri += "/" + url.PathEscape(slug)
	}
	return uri
}

// Page fetches the content of a wiki page. ok is false if the page does not exist.
func (c *Client) Page(ctx context.Context, slug string) (content string, ok bool, err error) {
	var page wikiPage
	_, err = c.doJSON(ctx, http.MethodGet, c.wikiURI(slug), nil, nil, &page)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return page.Content, true, nil
}

// CreatePage creates a new wiki page, the slug is derived from title by GitLab.
func (c *Client) CreatePage(ctx context.Context, title, content string) error {
	body := wikiPage{Title: title, Content: content, Format: "markdown"}
	_, err := c.doJSON(ctx, http.MethodPost, c.wikiURI(""), nil, body, nil)
	return err
}

// UpdatePage replaces the content of an existing wiki page.
func (c *Client) UpdatePage(ctx context.Context, slug, title, content string) error {
	body := wikiPage{Title: title, Content: content}
	_, err := c.doJSON(ctx, http.MethodPut, c.wikiURI(slug), nil, body, nil)
	return err
}
