// Package web provides the plumbing for the listgate control plane and RESTful API.
package web

import (
	"context"
	"errors"
	"expvar"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/inbucket/listgate/pkg/config"
	"github.com/inbucket/listgate/pkg/delivery"
	"github.com/inbucket/listgate/pkg/dispatch"
	"github.com/inbucket/listgate/pkg/msghub"
	"github.com/inbucket/listgate/pkg/resolve"
	"github.com/inbucket/listgate/pkg/tracker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Queue accepts tasks for the dispatcher.
type Queue interface {
	Enqueue(kind dispatch.Kind, p dispatch.Payload) error
}

// Services are the collaborators available to request handlers.
type Services struct {
	Queue    Queue
	MsgHub   *msghub.Hub
	Resolver *resolve.Resolver
	Tracker  *tracker.Tracker
	Mailer   delivery.Mailer
	Composer *delivery.Composer
}

var (
	// Router is shared between the web and rest packages. It sends incoming requests to the
	// correct handler function.
	Router = mux.NewRouter()

	rootConfig     *config.Root
	services       *Services
	server         *http.Server
	listener       net.Listener
	globalShutdown chan bool

	// ExpWebSocketConnectsCurrent tracks the number of open WebSockets.
	ExpWebSocketConnectsCurrent = new(expvar.Int)
)

func init() {
	m := expvar.NewMap("http")
	m.Set("WebSocketConnectsCurrent", ExpWebSocketConnectsCurrent)
}

// Initialize resets Router and sets up the services handlers will use. Routes must be added
// after it returns.
func Initialize(conf *config.Root, shutdownChan chan bool, svc *Services) {
	rootConfig = conf
	globalShutdown = shutdownChan
	services = svc

	prefix := PathPrefixer(conf.Web.BasePath)
	Router = mux.NewRouter()
	Router.Path(prefix("/debug/vars")).Handler(expvar.Handler())
	Router.Path(prefix("/metrics")).Handler(promhttp.Handler())
	Router.NotFoundHandler = noMatchHandler(http.StatusNotFound, "No route matches URI path")
	Router.MethodNotAllowedHandler = noMatchHandler(http.StatusMethodNotAllowed,
		"Method not allowed for URI path")
}

// Start begins listening for HTTP requests.
func Start(ctx context.Context) {
	server = &http.Server{
		Addr:         rootConfig.Web.Addr,
		Handler:      requestLoggingWrapper(Router),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	// We don't use ListenAndServe because it lacks a way to close the listener.
	slog := log.With().Str("module", "web").Str("phase", "startup").Logger()
	var err error
	listener, err = net.Listen("tcp", server.Addr)
	if err != nil {
		slog.Error().Err(err).Msg("HTTP failed to start TCP4 listener")
		emergencyShutdown()
		return
	}
	slog.Info().Str("addr", listener.Addr().String()).Msg("HTTP listening on tcp4")

	go serve(ctx)

	<-ctx.Done()
	log.Debug().Str("module", "web").Str("phase", "shutdown").Msg("HTTP server shutting down on request")

	// Closing the listener will cause the serve() go routine to exit.
	if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Error().Str("module", "web").Str("phase", "shutdown").Err(err).
			Msg("Failed to close HTTP listener")
	}
}

// serve begins serving HTTP requests.
func serve(ctx context.Context) {
	// server.Serve blocks until we close the listener.
	err := server.Serve(listener)

	select {
	case <-ctx.Done():
	default:
		log.Error().Str("module", "web").Err(err).Msg("HTTP server failed")
		emergencyShutdown()
	}
}

func emergencyShutdown() {
	select {
	case <-globalShutdown:
	default:
		close(globalShutdown)
	}
}
