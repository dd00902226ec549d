// Package smtp accepts mail for the gateway domain and queues it for distribution.
package smtp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/emersion/go-msgauth/authres"
	"github.com/emersion/go-smtp"
	"github.com/inbucket/listgate/pkg/dispatch"
	"github.com/inbucket/listgate/pkg/policy"
	"github.com/inbucket/listgate/pkg/verify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// verifyTimeout bounds the DNS work of a single verdict.
const verifyTimeout = 30 * time.Second

var (
	errRelayDenied = &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 7, 1},
		Message:      "Relay access denied",
	}
	errBadAddress = &smtp.SMTPError{
		Code:         501,
		EnhancedCode: smtp.EnhancedCode{5, 1, 3},
		Message:      "Bad recipient address syntax",
	}
	errQueueClosed = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "Failed to queue message, try again later",
	}
)

type backend struct {
	server *Server
}

// NewSession is called by go-smtp for each accepted connection.
func (b *backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	s := b.server
	id := s.nextSessionID()
	var ip net.IP
	remote := ""
	if addr, ok := c.Conn().RemoteAddr().(*net.TCPAddr); ok {
		ip = addr.IP
		remote = addr.String()
	}
	logger := log.Hook(logHook{}).With().Str("module", "smtp").Str("remote", remote).
		Int("session", id).Logger()

	s.wg.Add(1)
	expConnectsTotal.Add(1)
	expConnectsCurrent.Add(1)
	logger.Info().Msg("Starting SMTP session")
	return &Session{
		server:     s,
		conn:       c,
		remoteIP:   ip,
		remoteAddr: remote,
		logger:     logger,
	}, nil
}

// Session holds the state of one SMTP connection.
type Session struct {
	server     *Server
	conn       *smtp.Conn
	remoteIP   net.IP
	remoteAddr string
	logger     zerolog.Logger

	from       string
	spf        *authres.SPFResult
	recipients []string
}

// Mail checks the sender's SPF policy against the connecting peer.
func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	s.Reset()
	ctx, cancel := context.WithTimeout(context.Background(), verifyTimeout)
	defer cancel()
	res, err := s.server.verifier.CheckSender(ctx, s.remoteIP, s.conn.Hostname(), from)
	if err != nil {
		return s.reject(err)
	}
	s.from = from
	s.spf = res
	s.logger.Debug().Str("from", from).Msg("Sender accepted")
	return nil
}

// Rcpt accepts recipients in the gateway domain.
func (s *Session) Rcpt(to string, opts *smtp.RcptOptions) error {
	_, domain, err := policy.ParseEmailAddress(to)
	if err != nil {
		s.logger.Warn().Str("to", to).Err(err).Msg("Bad address as RCPT arg")
		return errBadAddress
	}
	if !s.server.addrPolicy.ShouldAcceptDomain(domain) {
		s.logger.Warn().Str("to", to).Msg("Relay denied")
		expRejectedTotal.Add(1)
		return errRelayDenied
	}
	s.recipients = append(s.recipients, to)
	s.logger.Debug().Str("to", to).Msg("Recipient accepted")
	return nil
}

// Data verifies the message and queues it for distribution.
func (s *Session) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed reading message data")
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), verifyTimeout)
	defer cancel()
	results, err := s.server.verifier.CheckMessage(ctx, s.remoteIP, data, s.spf)
	if err != nil {
		return s.reject(err)
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Received: from %s ([%s]) by %s with ESMTP; %s\r\n",
		s.conn.Hostname(), s.remoteIP, s.server.config.Domain, time.Now().Format(time.RFC1123Z))
	if len(results) > 0 {
		fmt.Fprintf(&buf, "Authentication-Results: %s\r\n",
			s.server.verifier.AuthenticationResults(results))
	}
	buf.Write(data)

	err = s.server.queue.Enqueue(dispatch.Receive, dispatch.Payload{Envelope: &dispatch.Envelope{
		Sender:     s.from,
		Recipients: append([]string(nil), s.recipients...),
		Data:       buf.Bytes(),
		RemoteAddr: s.remoteAddr,
	}})
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to queue message")
		return errQueueClosed
	}
	expReceivedTotal.Add(1)
	s.logger.Info().Str("from", s.from).Strs("to", s.recipients).Int("size", len(data)).
		Msg("Message queued")
	return nil
}

// Reset clears the transaction state.
func (s *Session) Reset() {
	s.from = ""
	s.spf = nil
	s.recipients = nil
}

// Logout ends the session.
func (s *Session) Logout() error {
	expConnectsCurrent.Add(-1)
	s.server.wg.Done()
	s.logger.Info().Msg("Closing SMTP session")
	return nil
}

// reject maps a verification failure to an SMTP reply.
func (s *Session) reject(err error) error {
	expRejectedTotal.Add(1)
	var f *verify.Failure
	if !errors.As(err, &f) {
		s.logger.Error().Err(err).Msg("Verification error")
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 7, 0},
			Message:      "Unable to verify message, try again later",
		}
	}
	s.logger.Warn().Str("check", f.Check).Str("reason", f.Reason).Bool("temporary", f.Temporary).
		Msg("Rejected by verification")
	if f.Temporary {
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 7, 0},
			Message:      fmt.Sprintf("Temporary %s failure", f.Check),
		}
	}
	return &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 7, 1},
		Message:      fmt.Sprintf("Message rejected: %s", f.Error()),
	}
}
