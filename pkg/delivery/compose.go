package delivery

import (
	"bytes"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/inbucket/listgate/pkg/config"
	"gopkg.in/gomail.v2"
)

// Composition describes a message generated by the gateway itself.
type Composition struct {
	ReplyTo   string
	To        []string
	Cc        []string
	Subject   string
	Text      string
	HTML      string
	InReplyTo string
}

// Composer renders gateway-generated messages.
type Composer struct {
	from     string
	branding string
	domain   string
	now      func() time.Time
}

// NewComposer creates a Composer sending as the configured default address.
func NewComposer(conf *config.Root) *Composer {
	return &Composer{
		from:     conf.Gateway.DefaultFrom,
		branding: conf.Gateway.Branding,
		domain:   conf.Gateway.Domain,
		now:      time.Now,
	}
}

// Compose renders c as a complete message.
func (c *Composer) Compose(comp *Composition) ([]byte, error) {
	msg := gomail.NewMessage()
	msg.SetAddressHeader("From", c.from, c.branding)
	if comp.ReplyTo != "" {
		msg.SetHeader("Reply-To", comp.ReplyTo)
		msg.SetHeader("X-Original-Sender", comp.ReplyTo)
	}
	if len(comp.To) > 0 {
		msg.SetHeader("To", comp.To...)
	}
	if len(comp.Cc) > 0 {
		msg.SetHeader("Cc", comp.Cc...)
	}
	msg.SetHeader("Subject", comp.Subject)
	msg.SetHeader("Message-ID", fmt.Sprintf("<%s@%s>", uuid.NewString(), c.domain))
	if comp.InReplyTo != "" {
		msg.SetHeader("In-Reply-To", comp.InReplyTo)
		msg.SetHeader("References", comp.InReplyTo)
	}
	msg.SetDateHeader("Date", c.now())
	switch {
	case comp.Text != "" && comp.HTML != "":
		msg.SetBody("text/plain", comp.Text)
		msg.AddAlternative("text/html", comp.HTML)
	case comp.HTML != "":
		msg.SetBody("text/html", comp.HTML)
	default:
		msg.SetBody("text/plain", comp.Text)
	}
	var buf bytes.Buffer
	if _, err := msg.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("compose %q: %w", comp.Subject, err)
	}
	return buf.Bytes(), nil
}

// Reply renders a plain text notice to to.
func (c *Composer) Reply(to, subject, text, inReplyTo string) ([]byte, error) {
	return c.Compose(&Composition{
		To:        []string{to},
		Subject:   subject,
		Text:      text,
		InReplyTo: inReplyTo,
	})
}
