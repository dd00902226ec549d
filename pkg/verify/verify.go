// Package verify decides whether inbound mail is authentic using SPF, DKIM and DMARC verdicts.
package verify

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"blitiri.com.ar/go/spf"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-msgauth/authres"
	"github.com/emersion/go-msgauth/dkim"
	"github.com/emersion/go-msgauth/dmarc"
	"github.com/inbucket/listgate/pkg/config"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/publicsuffix"
)

// Failure is a negative verdict.
type Failure struct {
	// Check is "spf", "dkim" or "dmarc".
	Check  string
	Reason string
	// Temporary failures may succeed on retry.
	Temporary bool
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Check, f.Reason)
}

// LookupTXTFunc resolves TXT records.
type LookupTXTFunc func(ctx context.Context, name string) ([]string, error)

// SPFFunc evaluates the SPF policy of the sender domain for ip.
type SPFFunc func(ctx context.Context, ip net.IP, helo, sender string) (spf.Result, error)

// Verifier produces verdicts for inbound connections and messages.
type Verifier struct {
	// LookupTXT defaults to the system resolver.
	LookupTXT LookupTXTFunc
	// CheckSPF defaults to a live SPF evaluation.
	CheckSPF SPFFunc

	enforce  bool
	hostname string
}

// New creates a Verifier.
func New(conf *config.Root) *Verifier {
	return &Verifier{
		LookupTXT: net.DefaultResolver.LookupTXT,
		CheckSPF: func(ctx context.Context, ip net.IP, helo, sender string) (spf.Result, error) {
			return spf.CheckHostWithSender(ip, helo, sender, spf.WithContext(ctx))
		},
		enforce:  conf.Security.Enforce,
		hostname: conf.SMTP.Domain,
	}
}

// Trusted reports whether ip skips verification, which only loopback peers do while enforcement
// is off.
func (v *Verifier) Trusted(ip net.IP) bool {
	return !v.enforce && ip != nil && ip.IsLoopback()
}

// CheckSender evaluates SPF for the MAIL FROM address. Pass, neutral and none are accepted.
func (v *Verifier) CheckSender(ctx context.Context, ip net.IP, helo, from string) (*authres.SPFResult, error) {
	res := &authres.SPFResult{From: domainOf(from), Helo: helo}
	if v.Trusted(ip) {
		res.Value = authres.ResultNone
		res.Reason = "trusted peer"
		return res, nil
	}
	result, err := v.CheckSPF(ctx, ip, helo, from)
	slog := log.With().Str("module", "verify").Str("ip", ip.String()).Str("from", from).
		Str("spf", string(result)).Logger()
	switch result {
	case spf.Pass:
		res.Value = authres.ResultPass
	case spf.Neutral:
		res.Value = authres.ResultNeutral
	case spf.None:
		res.Value = authres.ResultNone
	case spf.TempError:
		slog.Warn().Err(err).Msg("SPF temporary failure")
		return nil, &Failure{Check: "spf", Reason: "temporary failure", Temporary: true}
	default:
		slog.Warn().Err(err).Msg("SPF check failed")
		return nil, &Failure{Check: "spf", Reason: "check failed"}
	}
	slog.Debug().Msg("SPF accepted")
	return res, nil
}

// CheckMessage requires a valid DKIM signature and a passing or non-enforcing DMARC evaluation.
// It returns every result for the Authentication-Results header.
func (v *Verifier) CheckMessage(
	ctx context.Context,
	ip net.IP,
	raw []byte,
	spfResult *authres.SPFResult,
) ([]authres.Result, error) {
	if v.Trusted(ip) {
		return nil, nil
	}
	slog := log.With().Str("module", "verify").Str("ip", ip.String()).Logger()
	results := make([]authres.Result, 0, 4)
	if spfResult != nil {
		results = append(results, spfResult)
	}

	verifications, err := dkim.VerifyWithOptions(bytes.NewReader(raw), &dkim.VerifyOptions{
		LookupTXT: func(domain string) ([]string, error) {
			return v.LookupTXT(ctx, domain)
		},
	})
	if err != nil {
		return nil, &Failure{Check: "dkim", Reason: err.Error(), Temporary: true}
	}
	var passed []string
	tempFail := false
	for _, verif := range verifications {
		r := &authres.DKIMResult{Value: authres.ResultPass, Domain: verif.Domain, Identifier: verif.Identifier}
		switch {
		case verif.Err == nil:
			passed = append(passed, verif.Domain)
		case dkim.IsTempFail(verif.Err):
			r.Value = authres.ResultTempError
			tempFail = true
		case dkim.IsPermFail(verif.Err):
			r.Value = authres.ResultPermError
		default:
			r.Value = authres.ResultFail
		}
		if verif.Err != nil {
			r.Reason = strings.TrimPrefix(verif.Err.Error(), "dkim: ")
		}
		results = append(results, r)
	}
	if len(passed) == 0 {
		slog.Warn().Int("signatures", len(verifications)).Msg("DKIM validation failed")
		if tempFail {
			return results, &Failure{Check: "dkim", Reason: "temporary failure", Temporary: true}
		}
		return results, &Failure{Check: "dkim", Reason: "validation failed"}
	}

	fromDomain, err := headerFromDomain(raw)
	if err != nil {
		return results, &Failure{Check: "dmarc", Reason: err.Error()}
	}
	dres, err := v.evaluateDMARC(ctx, fromDomain, passed, spfResult)
	results = append(results, dres)
	if err != nil {
		slog.Warn().Str("fromDomain", fromDomain).Err(err).Msg("DMARC validation failed")
		return results, err
	}
	return results, nil
}

// AuthenticationResults formats results as the value of an Authentication-Results header.
func (v *Verifier) AuthenticationResults(results []authres.Result) string {
	return authres.Format(v.hostname, results)
}

func (v *Verifier) evaluateDMARC(
	ctx context.Context,
	fromDomain string,
	dkimDomains []string,
	spfResult *authres.SPFResult,
) (*authres.DMARCResult, error) {
	res := &authres.DMARCResult{From: fromDomain}
	rec, err := v.fetchRecord(ctx, fromDomain)
	if err != nil {
		res.Value = authres.ResultTempError
		return res, &Failure{Check: "dmarc", Reason: "record lookup failed", Temporary: true}
	}
	if rec == nil {
		res.Value = authres.ResultNone
		return res, nil
	}
	aligned := false
	for _, d := range dkimDomains {
		if isAligned(fromDomain, d, rec.DKIMAlignment) {
			aligned = true
		}
	}
	if spfResult != nil && spfResult.Value == authres.ResultPass &&
		isAligned(fromDomain, spfResult.From, rec.SPFAlignment) {
		aligned = true
	}
	if aligned {
		res.Value = authres.ResultPass
		return res, nil
	}
	res.Value = authres.ResultFail
	res.Reason = "No aligned identifiers"
	if rec.Policy == dmarc.PolicyNone {
		return res, nil
	}
	return res, &Failure{Check: "dmarc", Reason: "validation failed"}
}

// fetchRecord finds the DMARC record for domain, falling back to its organizational domain. A nil
// record means there is no usable policy.
func (v *Verifier) fetchRecord(ctx context.Context, domain string) (*dmarc.Record, error) {
	txts, err := v.lookup(ctx, "_dmarc."+domain)
	if err != nil {
		return nil, err
	}
	if len(txts) == 0 {
		org, err := publicsuffix.EffectiveTLDPlusOne(domain)
		if err != nil || org == domain {
			return nil, nil
		}
		if txts, err = v.lookup(ctx, "_dmarc."+org); err != nil {
			return nil, err
		}
	}
	var records []string
	for _, txt := range txts {
		if strings.HasPrefix(txt, "v=DMARC1") {
			records = append(records, txt)
		}
	}
	if len(records) != 1 {
		return nil, nil
	}
	rec, err := dmarc.Parse(records[0])
	if err != nil {
		log.Debug().Str("module", "verify").Str("domain", domain).Err(err).
			Msg("Ignoring malformed DMARC record")
		return nil, nil
	}
	return rec, nil
}

func (v *Verifier) lookup(ctx context.Context, name string) ([]string, error) {
	txts, err := v.LookupTXT(ctx, name)
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return nil, nil
	}
	return txts, err
}

func isAligned(fromDomain, authDomain string, mode dmarc.AlignmentMode) bool {
	if authDomain == "" {
		return false
	}
	if mode == dmarc.AlignmentStrict {
		return strings.EqualFold(fromDomain, authDomain)
	}
	orgFrom, err := publicsuffix.EffectiveTLDPlusOne(strings.ToLower(fromDomain))
	if err != nil {
		return false
	}
	orgAuth, err := publicsuffix.EffectiveTLDPlusOne(strings.ToLower(authDomain))
	if err != nil {
		return false
	}
	return orgFrom == orgAuth
}

func headerFromDomain(raw []byte) (string, error) {
	th, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return "", fmt.Errorf("read header: %w", err)
	}
	h := mail.Header{Header: message.Header{Header: th}}
	addrs, err := h.AddressList("From")
	if err != nil || len(addrs) != 1 {
		return "", errors.New("malformed From header")
	}
	d := domainOf(addrs[0].Address)
	if d == "" {
		return "", errors.New("malformed From header")
	}
	return d, nil
}

func domainOf(addr string) string {
	at := strings.LastIndexByte(addr, '@')
	if at < 0 {
		return ""
	}
	return strings.ToLower(strings.Trim(addr[at+1:], "> "))
}
