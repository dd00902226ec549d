package smtp

import (
	"context"
	"errors"
	"expvar"
	"net"
	"sync"

	"github.com/emersion/go-smtp"
	"github.com/inbucket/listgate/pkg/config"
	"github.com/inbucket/listgate/pkg/dispatch"
	"github.com/inbucket/listgate/pkg/metric"
	"github.com/inbucket/listgate/pkg/policy"
	"github.com/inbucket/listgate/pkg/verify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	expConnectsTotal   = new(expvar.Int)
	expConnectsCurrent = new(expvar.Int)
	expReceivedTotal   = new(expvar.Int)
	expRejectedTotal   = new(expvar.Int)
	expErrorsTotal     = new(expvar.Int)
	expWarnsTotal      = new(expvar.Int)
)

func init() {
	m := expvar.NewMap("smtp")
	m.Set("ConnectsCurrent", expConnectsCurrent)
	metric.NewHistory(m, "ConnectsTotal", expConnectsTotal)
	metric.NewHistory(m, "ReceivedTotal", expReceivedTotal)
	metric.NewHistory(m, "RejectedTotal", expRejectedTotal)
	metric.NewHistory(m, "ErrorsTotal", expErrorsTotal)
	metric.NewHistory(m, "WarnsTotal", expWarnsTotal)
}

// logHook counts session warnings and errors.
type logHook struct{}

func (logHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	switch level {
	case zerolog.WarnLevel:
		expWarnsTotal.Add(1)
	case zerolog.ErrorLevel:
		expErrorsTotal.Add(1)
	}
}

// Enqueuer accepts received mail for processing.
type Enqueuer interface {
	Enqueue(kind dispatch.Kind, p dispatch.Payload) error
}

// Server holds the configuration and state of our SMTP server.
type Server struct {
	config         config.SMTP
	addrPolicy     *policy.Addressing
	verifier       *verify.Verifier
	queue          Enqueuer
	globalShutdown chan bool
	smtp           *smtp.Server
	listener       net.Listener
	wg             sync.WaitGroup // Tracks open sessions.
	notify         chan error
	sessionID      int
	mu             sync.Mutex
}

// NewServer creates a new, unstarted, SMTP server instance with the specified config.
func NewServer(
	smtpConfig config.SMTP,
	globalShutdown chan bool,
	queue Enqueuer,
	verifier *verify.Verifier,
	apolicy *policy.Addressing,
) *Server {
	s := &Server{
		config:         smtpConfig,
		addrPolicy:     apolicy,
		verifier:       verifier,
		queue:          queue,
		globalShutdown: globalShutdown,
		notify:         make(chan error, 1),
	}
	srv := smtp.NewServer(&backend{server: s})
	srv.Addr = smtpConfig.Addr
	srv.Domain = smtpConfig.Domain
	srv.ReadTimeout = smtpConfig.MaxIdle
	srv.WriteTimeout = smtpConfig.MaxIdle
	srv.MaxMessageBytes = int64(smtpConfig.MaxMessageBytes)
	srv.MaxRecipients = smtpConfig.MaxRecipients
	srv.AllowInsecureAuth = false
	s.smtp = srv
	return s
}

// Start the listener and handle incoming connections until ctx is done.
func (s *Server) Start(ctx context.Context) {
	slog := log.With().Str("module", "smtp").Str("phase", "startup").Logger()
	addr, err := net.ResolveTCPAddr("tcp4", s.config.Addr)
	if err != nil {
		slog.Error().Err(err).Msg("Failed to build tcp4 address")
		s.emergencyShutdown()
		return
	}
	l, err := net.ListenTCP("tcp4", addr)
	if err != nil {
		slog.Error().Err(err).Msg("Failed to start tcp4 listener")
		s.emergencyShutdown()
		return
	}
	slog.Info().Str("addr", l.Addr().String()).Msg("SMTP listening on tcp4")
	s.Serve(ctx, l)
}

// Serve accepts connections on l until ctx is done.
func (s *Server) Serve(ctx context.Context, l net.Listener) {
	s.listener = l
	go func() {
		err := s.smtp.Serve(l)
		select {
		case <-ctx.Done():
		default:
			if err == nil || errors.Is(err, smtp.ErrServerClosed) {
				return
			}
			log.Error().Str("module", "smtp").Err(err).Msg("SMTP server failed")
			s.notify <- err
			close(s.notify)
			s.emergencyShutdown()
		}
	}()
	<-ctx.Done()
	log.Debug().Str("module", "smtp").Str("phase", "shutdown").
		Msg("SMTP shutdown requested, connections will be drained")
	if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Error().Str("module", "smtp").Err(err).Msg("Failed to close SMTP listener")
	}
}

func (s *Server) emergencyShutdown() {
	select {
	case <-s.globalShutdown:
	default:
		close(s.globalShutdown)
	}
}

// Drain causes the caller to block until all active SMTP sessions have finished.
func (s *Server) Drain() {
	s.wg.Wait()
	log.Debug().Str("module", "smtp").Str("phase", "shutdown").Msg("SMTP connections have drained")
}

// Notify allows the running SMTP server to be monitored for a fatal error.
func (s *Server) Notify() <-chan error {
	return s.notify
}

func (s *Server) nextSessionID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID++
	return s.sessionID
}
