package rest

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/inbucket/listgate/pkg/config"
	"github.com/inbucket/listgate/pkg/delivery"
	"github.com/inbucket/listgate/pkg/dispatch"
	"github.com/inbucket/listgate/pkg/msghub"
	"github.com/inbucket/listgate/pkg/policy"
	"github.com/inbucket/listgate/pkg/resolve"
	"github.com/inbucket/listgate/pkg/storage"
	"github.com/inbucket/listgate/pkg/storage/mem"
	"github.com/inbucket/listgate/pkg/server/web"
	"github.com/inbucket/listgate/pkg/test"
	"github.com/inbucket/listgate/pkg/tracker"
	"github.com/stretchr/testify/require"
)

const domain = "lists.example.com"

// queueStub records enqueued tasks.
type queueStub struct {
	mu     sync.Mutex
	tasks  []dispatch.Task
	closed bool
}

func (q *queueStub) Enqueue(kind dispatch.Kind, p dispatch.Payload) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return dispatch.ErrClosed
	}
	q.tasks = append(q.tasks, dispatch.Task{Kind: kind, Payload: p})
	return nil
}

func (q *queueStub) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

func (q *queueStub) kinds() []dispatch.Kind {
	q.mu.Lock()
	defer q.mu.Unlock()
	ks := make([]dispatch.Kind, len(q.tasks))
	for i, t := range q.tasks {
		ks[i] = t.Kind
	}
	return ks
}

func (q *queueStub) last() dispatch.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks[len(q.tasks)-1]
}

type fixture struct {
	queue  *queueStub
	hub    *msghub.Hub
	dir    *test.DirectoryStub
	store  storage.Store
	mailer *test.MailerStub
}

func setupWebServer(t *testing.T) *fixture {
	t.Helper()
	d := test.NewDirectory()
	d.AddGroup(1, 0, "eng")
	d.AddUser(10, "ann@x.org")
	d.AddUser(11, "bob@x.org")
	d.AddMember(1, 10)
	d.AddMember(1, 11)

	conf := &config.Root{Gateway: config.Gateway{
		Domain:      domain,
		DefaultFrom: "noreply@" + domain,
		Branding:    "Acme",
	}}
	store, err := mem.New(config.Storage{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := msghub.New(10)
	go hub.Start(ctx)

	f := &fixture{
		queue:  &queueStub{},
		hub:    hub,
		dir:    d,
		store:  store,
		mailer: test.NewMailer(),
	}
	web.Initialize(conf, make(chan bool), &web.Services{
		Queue:    f.queue,
		MsgHub:   hub,
		Resolver: resolve.New(&policy.Addressing{Config: conf}, d),
		Tracker:  tracker.New(store),
		Mailer:   f.mailer,
		Composer: delivery.NewComposer(conf),
	})
	SetupRoutes(web.Router.PathPrefix("/").Subrouter())
	return f
}

func testRestGet(url string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", url, nil)
	req.Header.Add("Accept", "application/json")
	w := httptest.NewRecorder()
	web.Router.ServeHTTP(w, req)
	return w
}

func testRestPost(url string, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", url, strings.NewReader(body))
	req.Header.Add("Accept", "application/json")
	if body != "" {
		req.Header.Add("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	web.Router.ServeHTTP(w, req)
	return w
}

var _ web.Queue = (*queueStub)(nil)
