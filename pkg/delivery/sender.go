// Package delivery hands prepared messages to the outbound relay in bounded chunks.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/inbucket/listgate/pkg/config"
	"github.com/inbucket/listgate/pkg/policy"
	"github.com/inbucket/listgate/pkg/stringutil"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Outbound is one message to distribute.
type Outbound struct {
	// From is the envelope sender; the configured default when empty.
	From string
	// Sender is the original author, who receives the reflection in test mode.
	Sender string
	// Recipients are the envelope recipients.
	Recipients []string
	// Message is the complete message, without the footer.
	Message []byte
}

// Mailer is satisfied by Sender.
type Mailer interface {
	Send(ctx context.Context, out *Outbound) ([]string, error)
}

// Sender chunks and relays outbound mail.
type Sender struct {
	transport  Transport
	addressing *policy.Addressing
	from       string
	branding   string
	wikiURL    string
	chunkSize  int
	workers    int
	timeout    time.Duration
	debug      bool
	test       bool
}

var _ Mailer = &Sender{}

// NewSender creates a Sender relaying through transport.
func NewSender(conf *config.Root, transport Transport) *Sender {
	s := &Sender{
		transport:  transport,
		addressing: &policy.Addressing{Config: conf},
		from:       conf.Gateway.DefaultFrom,
		branding:   conf.Gateway.Branding,
		wikiURL:    conf.Wiki.ProjectURL,
		chunkSize:  conf.Delivery.ChunkSize,
		workers:    conf.Delivery.Workers,
		timeout:    conf.Delivery.Timeout,
		debug:      conf.Delivery.Debug,
		test:       conf.Delivery.Test,
	}
	if s.chunkSize <= 0 {
		s.chunkSize = 45
	}
	if s.workers <= 0 {
		s.workers = 1
	}
	return s
}

// Send delivers out and returns the recipients the relay accepted. A failed chunk does not stop
// the others; the returned error joins every chunk failure.
func (s *Sender) Send(ctx context.Context, out *Outbound) ([]string, error) {
	from := out.From
	if from == "" {
		from = s.from
	}
	rcpts := s.filter(out.Recipients)
	if len(rcpts) == 0 {
		log.Debug().Str("module", "delivery").Msg("No recipients, nothing to send")
		return nil, nil
	}
	slog := log.With().Str("module", "delivery").Str("from", from).Int("recipients", len(rcpts)).
		Logger()
	expMessagesTotal.Add(1)

	if s.test {
		return s.reflect(ctx, from, out, rcpts)
	}
	msg, err := AppendFooter(out.Message, Footer(s.branding, s.wikiURL, ""))
	if err != nil {
		return nil, fmt.Errorf("append footer: %w", err)
	}
	chunks := chunk(rcpts, s.chunkSize)
	if s.debug {
		for i, c := range chunks {
			slog.Info().Int("chunk", i).Strs("to", c).Msg("Debug mode, not sending")
		}
		return rcpts, nil
	}

	var (
		mu        sync.Mutex
		delivered []string
		failures  []error
	)
	var g errgroup.Group
	g.SetLimit(s.workers)
	for i, c := range chunks {
		g.Go(func() error {
			err := s.sendChunk(ctx, from, c, msg)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				slog.Error().Err(err).Int("chunk", i).Int("size", len(c)).Msg("Chunk failed")
				failures = append(failures, fmt.Errorf("chunk %d: %w", i, err))
				return nil
			}
			delivered = append(delivered, c...)
			return nil
		})
	}
	_ = g.Wait()
	slog.Info().Int("delivered", len(delivered)).Int("failedChunks", len(failures)).Msg("Sent")
	return delivered, errors.Join(failures...)
}

func (s *Sender) sendChunk(ctx context.Context, from string, to []string, msg []byte) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	err := s.transport.Send(ctx, from, to, msg)
	if err != nil {
		chunksTotal.WithLabelValues("failed").Inc()
		recipientsTotal.WithLabelValues("failed").Add(float64(len(to)))
		expFailuresTotal.Add(1)
		return err
	}
	chunksTotal.WithLabelValues("sent").Inc()
	recipientsTotal.WithLabelValues("sent").Add(float64(len(to)))
	expRecipientsTotal.Add(int64(len(to)))
	return nil
}

// reflect sends the message back to its author only, listing the envelope it would have had.
func (s *Sender) reflect(ctx context.Context, from string, out *Outbound, rcpts []string) ([]string, error) {
	details := "**** TEST MODE ****\nEnvelope - Send to:\n" + strings.Join(rcpts, "\n")
	msg, err := AppendFooter(out.Message, Footer(s.branding, s.wikiURL, details))
	if err != nil {
		return nil, fmt.Errorf("append footer: %w", err)
	}
	sender := stringutil.CanonicalAddress(out.Sender)
	if sender == "" {
		log.Warn().Str("module", "delivery").Msg("Test mode without a sender, dropped")
		return rcpts, nil
	}
	if err := s.sendChunk(ctx, from, []string{sender}, msg); err != nil {
		return nil, err
	}
	log.Info().Str("module", "delivery").Str("sender", sender).Int("recipients", len(rcpts)).
		Msg("Test mode, reflected to sender")
	return rcpts, nil
}

// filter drops duplicates and addresses on the gateway domain or its subdomains.
func (s *Sender) filter(addrs []string) []string {
	seen := make(stringutil.Set, len(addrs))
	result := make([]string, 0, len(addrs))
	domain := strings.ToLower(s.addressing.Config.Gateway.Domain)
	for _, a := range addrs {
		a = stringutil.CanonicalAddress(a)
		if a == "" || seen.Has(a) {
			continue
		}
		seen.Add(a)
		at := strings.LastIndexByte(a, '@')
		if at >= 0 {
			d := a[at+1:]
			if s.addressing.IsLocalDomain(d) || strings.HasSuffix(d, "."+domain) {
				filteredTotal.Inc()
				continue
			}
		}
		result = append(result, a)
	}
	return result
}

func chunk(addrs []string, size int) [][]string {
	var result [][]string
	for len(addrs) > size {
		result = append(result, addrs[:size])
		addrs = addrs[size:]
	}
	if len(addrs) > 0 {
		result = append(result, addrs)
	}
	return result
}
