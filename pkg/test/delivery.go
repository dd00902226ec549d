package test

import (
	"context"
	"errors"
	"sync"

	"github.com/inbucket/listgate/pkg/delivery"
)

// ErrRelayDown is returned by TransportStub for failing recipients.
var ErrRelayDown = errors.New("relay unavailable")

// Transaction is one message handed to TransportStub.
type Transaction struct {
	From    string
	To      []string
	Message []byte
}

// TransportStub records SMTP transactions instead of relaying them.
type TransportStub struct {
	mu   sync.Mutex
	sent []Transaction
	fail map[string]bool
}

var _ delivery.Transport = &TransportStub{}

// NewTransport creates an empty TransportStub.
func NewTransport() *TransportStub {
	return &TransportStub{fail: make(map[string]bool)}
}

// FailFor makes every transaction including addr fail.
func (t *TransportStub) FailFor(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fail[addr] = true
}

// Send records the transaction. Like a network transport it fails once ctx is done.
func (t *TransportStub) Send(ctx context.Context, from string, to []string, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, a := range to {
		if t.fail[a] {
			return ErrRelayDown
		}
	}
	t.sent = append(t.sent, Transaction{
		From:    from,
		To:      append([]string(nil), to...),
		Message: append([]byte(nil), msg...),
	})
	return nil
}

// Transactions returns the successful transactions so far.
func (t *TransportStub) Transactions() []Transaction {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Transaction(nil), t.sent...)
}

// MailerStub records outbound messages and reports every recipient delivered.
type MailerStub struct {
	mu   sync.Mutex
	sent []*delivery.Outbound
	err  error
}

var _ delivery.Mailer = &MailerStub{}

// NewMailer creates an empty MailerStub.
func NewMailer() *MailerStub {
	return &MailerStub{}
}

// SetError makes every Send fail with err, nil restores success.
func (m *MailerStub) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Send records out.
func (m *MailerStub) Send(ctx context.Context, out *delivery.Outbound) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	if len(out.Recipients) == 0 {
		return nil, nil
	}
	cp := *out
	cp.Recipients = append([]string(nil), out.Recipients...)
	m.sent = append(m.sent, &cp)
	return cp.Recipients, nil
}

// Sent returns the recorded messages.
func (m *MailerStub) Sent() []*delivery.Outbound {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*delivery.Outbound(nil), m.sent...)
}

// Reset forgets the recorded messages.
func (m *MailerStub) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}
