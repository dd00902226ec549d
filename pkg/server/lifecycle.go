package server

import (
	"context"

	"github.com/inbucket/listgate/pkg/config"
	"github.com/inbucket/listgate/pkg/delivery"
	"github.com/inbucket/listgate/pkg/digest"
	"github.com/inbucket/listgate/pkg/directory"
	"github.com/inbucket/listgate/pkg/directory/gitlab"
	"github.com/inbucket/listgate/pkg/dispatch"
	"github.com/inbucket/listgate/pkg/msghub"
	"github.com/inbucket/listgate/pkg/pipeline"
	"github.com/inbucket/listgate/pkg/policy"
	"github.com/inbucket/listgate/pkg/resolve"
	"github.com/inbucket/listgate/pkg/rest"
	"github.com/inbucket/listgate/pkg/server/smtp"
	"github.com/inbucket/listgate/pkg/server/web"
	"github.com/inbucket/listgate/pkg/storage"
	"github.com/inbucket/listgate/pkg/tracker"
	"github.com/inbucket/listgate/pkg/verify"
	"github.com/rs/zerolog/log"
)

// Length of the dispatcher submission buffer.
const dispatchBuffer = 1000

// Services holds the configured and started services.
type Services struct {
	Store         storage.Store
	MsgHub        *msghub.Hub
	Dispatcher    *dispatch.Dispatcher
	ExpiryScanner *storage.ExpiryScanner
	SMTPServer    *smtp.Server
}

// Prod wires up the production listgate environment.
func Prod(rootCtx context.Context, shutdownChan chan bool, conf *config.Root) (*Services, error) {
	store, err := storage.FromConfig(conf.Storage)
	if err != nil {
		return nil, err
	}

	gl, err := gitlab.New(conf.Directory.URL, conf.Directory.Token, conf.Wiki.Project,
		conf.Directory.Timeout)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	cached := directory.NewCached(gl, conf.Directory.CacheTTL)

	transport, err := delivery.NewSMTPTransport(conf.Delivery)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	mailer := delivery.NewSender(conf, transport)

	var publisher *digest.Publisher
	if conf.Wiki.Project != "" {
		publisher = digest.New(gl, conf.Gateway.Branding)
	} else {
		log.Info().Str("module", "digest").Str("phase", "startup").
			Msg("No wiki project configured, publishing disabled")
	}

	addrPolicy := &policy.Addressing{Config: conf}
	resolver := resolve.New(addrPolicy, cached)
	tr := tracker.New(store)
	pipe := pipeline.New(conf, cached, cached, resolver, tr, mailer, publisher)

	// The hub and dispatcher outlive rootCtx so queued work drains during shutdown.
	msgHub := msghub.New(conf.Web.Monitor)
	go msgHub.Start(context.WithoutCancel(rootCtx))

	dispatcher := dispatch.New(pipe.Handlers(), msgHub, dispatchBuffer)
	pipe.SetFollowup(dispatcher.Followup)
	go func() {
		if err := dispatcher.Run(context.WithoutCancel(rootCtx)); err != nil {
			log.Error().Str("module", "dispatch").Err(err).Msg("Dispatcher stopped")
		}
	}()

	// Start expiry scanner, it queues purges so they serialize with other invite work.
	expiryScanner := storage.NewExpiryScanner(conf.Storage, store, func(uid string) error {
		return dispatcher.Enqueue(dispatch.PurgeInvite, dispatch.Payload{UID: uid})
	}, shutdownChan)
	expiryScanner.Start(rootCtx)

	// Configure routes and start HTTP server.
	web.Initialize(conf, shutdownChan, &web.Services{
		Queue:    dispatcher,
		MsgHub:   msgHub,
		Resolver: resolver,
		Tracker:  tr,
		Mailer:   mailer,
		Composer: pipe.Composer,
	})
	prefix := web.PathPrefixer(conf.Web.BasePath)
	rest.SetupRoutes(web.Router.PathPrefix(prefix("/")).Subrouter())
	go web.Start(rootCtx)

	// Start SMTP server.
	smtpServer := smtp.NewServer(conf.SMTP, shutdownChan, dispatcher, verify.New(conf), addrPolicy)
	go smtpServer.Start(rootCtx)

	return &Services{
		Store:         store,
		MsgHub:        msgHub,
		Dispatcher:    dispatcher,
		ExpiryScanner: expiryScanner,
		SMTPServer:    smtpServer,
	}, nil
}

// Drain waits for open SMTP sessions, then runs every queued task before closing the store. The
// listeners must already be stopping.
func (s *Services) Drain() error {
	slog := log.With().Str("phase", "shutdown").Logger()
	s.SMTPServer.Drain()
	s.ExpiryScanner.Join()
	s.Dispatcher.Close()
	<-s.Dispatcher.Done()
	slog.Debug().Str("module", "dispatch").Msg("Task queue drained")
	err := s.Store.Close()
	if err != nil {
		slog.Error().Str("module", "storage").Err(err).Msg("Failed to close store")
	}
	return err
}
