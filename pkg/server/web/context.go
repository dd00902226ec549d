package web

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/inbucket/listgate/pkg/config"
	"github.com/inbucket/listgate/pkg/delivery"
	"github.com/inbucket/listgate/pkg/msghub"
	"github.com/inbucket/listgate/pkg/resolve"
	"github.com/inbucket/listgate/pkg/tracker"
)

// Context is passed into every request handler function.
type Context struct {
	Vars       map[string]string
	Queue      Queue
	MsgHub     *msghub.Hub
	Resolver   *resolve.Resolver
	Tracker    *tracker.Tracker
	Mailer     delivery.Mailer
	Composer   *delivery.Composer
	RootConfig *config.Root
	IsJSON     bool
}

// Close the Context (currently does nothing)
func (c *Context) Close() {
}

// headerMatch returns true if the request header specified by name contains
// the specified value.  Case is ignored.
func headerMatch(req *http.Request, name string, value string) bool {
	name = http.CanonicalHeaderKey(name)
	value = strings.ToLower(value)

	for _, hv := range req.Header[name] {
		if strings.Contains(strings.ToLower(hv), value) {
			return true
		}
	}
	return false
}

// NewContext returns a Context for the given HTTP Request.
func NewContext(req *http.Request) (*Context, error) {
	ctx := &Context{
		Vars:       mux.Vars(req),
		RootConfig: rootConfig,
		IsJSON:     headerMatch(req, "Content-Type", "application/json"),
	}
	if services != nil {
		ctx.Queue = services.Queue
		ctx.MsgHub = services.MsgHub
		ctx.Resolver = services.Resolver
		ctx.Tracker = services.Tracker
		ctx.Mailer = services.Mailer
		ctx.Composer = services.Composer
	}
	return ctx, nil
}
