package delivery

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/inbucket/listgate/pkg/config"
)

// Transport hands one message to an SMTP relay for a set of envelope recipients.
type Transport interface {
	Send(ctx context.Context, from string, to []string, msg []byte) error
}

// SMTPTransport relays through the configured outbound server.
type SMTPTransport struct {
	addr     string
	host     string
	mode     string
	username string
	password string
}

var _ Transport = &SMTPTransport{}

// NewSMTPTransport creates a transport from the delivery configuration.
func NewSMTPTransport(cfg config.Delivery) (*SMTPTransport, error) {
	mode := strings.ToLower(cfg.TLS)
	switch mode {
	case "implicit", "starttls", "none":
	default:
		return nil, fmt.Errorf("unknown delivery TLS mode %q", cfg.TLS)
	}
	return &SMTPTransport{
		addr:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		host:     cfg.Host,
		mode:     mode,
		username: cfg.Username,
		password: cfg.Password,
	}, nil
}

func (t *SMTPTransport) dial() (*smtp.Client, error) {
	tlsConfig := &tls.Config{ServerName: t.host}
	switch t.mode {
	case "implicit":
		return smtp.DialTLS(t.addr, tlsConfig)
	case "starttls":
		return smtp.DialStartTLS(t.addr, tlsConfig)
	}
	return smtp.Dial(t.addr)
}

// Send performs one SMTP transaction. The context deadline bounds every command.
func (t *SMTPTransport) Send(ctx context.Context, from string, to []string, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, err := t.dial()
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.addr, err)
	}
	defer c.Close()
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		c.CommandTimeout = remaining
		c.SubmissionTimeout = remaining
	}
	if t.username != "" {
		if err := c.Auth(sasl.NewPlainClient("", t.username, t.password)); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	if err := c.SendMail(from, to, bytes.NewReader(msg)); err != nil {
		return err
	}
	return c.Quit()
}
