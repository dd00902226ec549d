package gitlab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// ErrNotFound is returned when the API responds 404.
var ErrNotFound = errors.New("gitlab: not found")

// httpClient allows http.Client to be mocked for tests
type httpClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// restClient speaks JSON to the GitLab v4 API.
type restClient struct {
	client  httpClient
	baseURL *url.URL
	token   string
}

// do performs an HTTP request with this client and returns the response.
func (c *restClient) do(ctx context.Context, method, uri string, query url.Values, body any) (*http.Response, error) {
	u := *c.baseURL
	u.RawPath = strings.TrimSuffix(c.baseURL.EscapedPath(), "/") + "/api/v4" + uri
	u.Path, _ = url.PathUnescape(u.RawPath)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), r)
	if err != nil {
		return nil, fmt.Errorf("%s for %q: %v", method, &u, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("PRIVATE-TOKEN", c.token)
	}

	return c.client.Do(req)
}

// doJSON performs an HTTP request with this client and marshalls the JSON response into v. The
// returned string is the X-Next-Page header, empty on the last page.
func (c *restClient) doJSON(
	ctx context.Context,
	method, uri string,
	query url.Values,
	body any,
	v any,
) (next string, err error) {
	resp, err := c.do(ctx, method, uri, query, body)
	if err != nil {
		return "", err
	}

	defer func() {
		_ = resp.Body.Close()
	}()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", fmt.Errorf("%s for %q: %w", method, uri, ErrNotFound)
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if v == nil {
			return resp.Header.Get("X-Next-Page"), nil
		}
		// Decode response body
		return resp.Header.Get("X-Next-Page"), json.NewDecoder(resp.Body).Decode(v)
	}

	return "", fmt.Errorf("%s for %q, unexpected %v: %s", method, uri, resp.StatusCode, resp.Status)
}

// getAll follows X-Next-Page until the final page, appending each page of T.
func getAll[T any](ctx context.Context, c *restClient, uri string, query url.Values) ([]T, error) {
	if query == nil {
		query = url.Values{}
	}
	query.Set("per_page", strconv.Itoa(perPage))
	var result []T
	for page := "1"; page != ""; {
		query.Set("page", page)
		var items []T
		next, err := c.doJSON(ctx, http.MethodGet, uri, query, nil, &items)
		if err != nil {
			return nil, err
		}
		result = append(result, items...)
		page = next
	}
	return result, nil
}
