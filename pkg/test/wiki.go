package test

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrWikiDown is returned by WikiStub for failing pages.
var ErrWikiDown = errors.New("wiki unavailable")

// WikiStub is an in-memory wiki keyed by slug.
type WikiStub struct {
	mu      sync.Mutex
	pages   map[string]string
	creates int
	updates int
	fail    map[string]bool
}

// NewWiki creates an empty WikiStub.
func NewWiki() *WikiStub {
	return &WikiStub{pages: make(map[string]string), fail: make(map[string]bool)}
}

// FailFor makes reads of slug fail.
func (w *WikiStub) FailFor(slug string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fail[slug] = true
}

// Page returns the content of slug.
func (w *WikiStub) Page(ctx context.Context, slug string) (string, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail[slug] {
		return "", false, ErrWikiDown
	}
	c, ok := w.pages[slug]
	return c, ok, nil
}

// CreatePage stores content under the slug derived from title.
func (w *WikiStub) CreatePage(ctx context.Context, title, content string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.creates++
	w.pages[strings.ReplaceAll(title, " ", "-")] = content
	return nil
}

// UpdatePage replaces the content of slug.
func (w *WikiStub) UpdatePage(ctx context.Context, slug, title, content string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.updates++
	w.pages[slug] = content
	return nil
}

// Writes returns the number of creates and updates so far.
func (w *WikiStub) Writes() (creates, updates int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.creates, w.updates
}

// Slugs returns the stored page slugs.
func (w *WikiStub) Slugs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	result := make([]string, 0, len(w.pages))
	for s := range w.pages {
		result = append(result, s)
	}
	return result
}

// Content returns the content of slug, empty if missing.
func (w *WikiStub) Content(slug string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pages[slug]
}
