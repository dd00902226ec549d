package gitlab

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockResponse struct {
	statusCode int
	nextPage   string
	body       string
}

// mockHTTPClient answers by request path and page number.
type mockHTTPClient struct {
	reqs      []*http.Request
	bodies    []string
	responses map[string]mockResponse
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	m.reqs = append(m.reqs, req)
	body := ""
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		body = string(b)
	}
	m.bodies = append(m.bodies, body)
	key := req.Method + " " + req.URL.EscapedPath()
	if p := req.URL.Query().Get("page"); p != "" {
		key += "?page=" + p
	}
	r, ok := m.responses[key]
	if !ok {
		r = mockResponse{statusCode: http.StatusNotFound, body: `{"message":"404 Not Found"}`}
	}
	if r.statusCode == 0 {
		r.statusCode = http.StatusOK
	}
	h := http.Header{}
	if r.nextPage != "" {
		h.Set("X-Next-Page", r.nextPage)
	}
	return &http.Response{
		StatusCode: r.statusCode,
		Status:     http.StatusText(r.statusCode),
		Header:     h,
		Body:       io.NopCloser(bytes.NewBufferString(r.body)),
	}, nil
}

func newTestClient(t *testing.T, base string, responses map[string]mockResponse) (*Client, *mockHTTPClient) {
	t.Helper()
	u, err := url.Parse(base)
	require.NoError(t, err)
	mock := &mockHTTPClient{responses: responses}
	return &Client{
		restClient: restClient{client: mock, baseURL: u, token: "s3cret"},
		project:    "42",
	}, mock
}

func TestGroupsPagination(t *testing.T) {
	c, mock := newTestClient(t, "https://git.example.com", map[string]mockResponse{
		"GET /api/v4/groups?page=1": {
			nextPage: "2",
			body:     `[{"id":1,"full_path":"eng","full_name":"Eng","web_url":"https://git/eng"}]`,
		},
		"GET /api/v4/groups?page=2": {
			body: `[{"id":2,"parent_id":1,"full_path":"eng/platform","full_name":"Eng / Platform"}]`,
		},
	})

	groups, err := c.Groups(context.Background())
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "eng", groups[0].FullPath)
	assert.Equal(t, 1, groups[1].ParentID)
	assert.Equal(t, "eng.platform", groups[1].LocalPart())

	require.Len(t, mock.reqs, 2)
	assert.Equal(t, "s3cret", mock.reqs[0].Header.Get("PRIVATE-TOKEN"))
	assert.Equal(t, "100", mock.reqs[0].URL.Query().Get("per_page"))
}

func TestUsersAndMembers(t *testing.T) {
	c, _ := newTestClient(t, "https://git.example.com/gitlab", map[string]mockResponse{
		"GET /gitlab/api/v4/users?page=1": {
			body: `[
				{"id":7,"username":"ann","email":"ann@example.com","state":"active","is_admin":true},
				{"id":8,"username":"bob","email":"bob@example.com","state":"blocked"}
			]`,
		},
		"GET /gitlab/api/v4/groups/3/members?page=1": {
			body: `[{"id":7,"username":"ann","access_level":50}]`,
		},
	})

	users, err := c.Users(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.True(t, users[0].Active)
	assert.True(t, users[0].Admin)
	assert.False(t, users[1].Active)

	members, err := c.Members(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, 7, members[0].UserID)
	assert.Equal(t, 50, members[0].AccessLevel)
}

func TestUnexpectedStatus(t *testing.T) {
	c, _ := newTestClient(t, "https://git.example.com", map[string]mockResponse{
		"GET /api/v4/users?page=1": {statusCode: http.StatusInternalServerError},
	})
	_, err := c.Users(context.Background())
	assert.Error(t, err)
}

func TestWikiPages(t *testing.T) {
	c, mock := newTestClient(t, "https://git.example.com", map[string]mockResponse{
		"GET /api/v4/projects/42/wikis/meetings%2Fabc": {
			body: `{"slug":"meetings/abc","title":"meetings/abc","content":"hello"}`,
		},
		"POST /api/v4/projects/42/wikis":                {statusCode: http.StatusCreated, body: `{}`},
		"PUT /api/v4/projects/42/wikis/meetings%2Fabc": {body: `{}`},
	})
	ctx := context.Background()

	content, ok, err := c.Page(ctx, "meetings/abc")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "hello", content)

	_, ok, err = c.Page(ctx, "home")
	require.NoError(t, err)
	assert.False(t, ok, "missing page should not be an error")

	require.NoError(t, c.CreatePage(ctx, "home", "new"))
	var created wikiPage
	require.NoError(t, json.Unmarshal([]byte(mock.bodies[len(mock.bodies)-1]), &created))
	assert.Equal(t, "home", created.Title)
	assert.Equal(t, "new", created.Content)

	require.NoError(t, c.UpdatePage(ctx, "meetings/abc", "meetings/abc", "changed"))
	assert.Equal(t, http.MethodPut, mock.reqs[len(mock.reqs)-1].Method)
}
