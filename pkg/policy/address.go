package policy

import (
	"fmt"
	"net/mail"
	"strings"

	"github.com/inbucket/listgate/pkg/config"
	"github.com/inbucket/listgate/pkg/stringutil"
)

// EveryoneLocalPart addresses every active user in the directory.
const EveryoneLocalPart = "+all"

// localSpecials may appear unquoted in a local part.
const localSpecials = "!#$%&'*+-/=?^_`{|}~"

// Addressing handles email address policy for the gateway domain.
type Addressing struct {
	Config *config.Root
}

// NewRecipient parses an address into a Recipient and classifies it.
func (a *Addressing) NewRecipient(address string) (*Recipient, error) {
	ar, err := mail.ParseAddress(address)
	if err != nil {
		return nil, err
	}
	local, domain, err := ParseEmailAddress(ar.Address)
	if err != nil {
		return nil, err
	}
	r := &Recipient{
		Address:   mail.Address{Name: ar.Name, Address: strings.ToLower(ar.Address)},
		LocalPart: strings.ToLower(local),
		Domain:    strings.ToLower(domain),
		Kind:      External,
	}
	if a.IsLocalDomain(r.Domain) {
		r.Kind = Group
		if r.LocalPart == EveryoneLocalPart {
			r.Kind = Everyone
		}
	}
	return r, nil
}

// GroupRecipient builds the Recipient for a bare group name, e.g. "eng.platform".
func (a *Addressing) GroupRecipient(name string) (*Recipient, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	return a.NewRecipient(name + "@" + a.Config.Gateway.Domain)
}

// GroupAddress derives the distribution address of a group from its full path.
func (a *Addressing) GroupAddress(fullPath string) string {
	return stringutil.GroupLocalPart(fullPath) + "@" + a.Config.Gateway.Domain
}

// IsLocalDomain reports whether domain is the gateway's own domain.
func (a *Addressing) IsLocalDomain(domain string) bool {
	return strings.EqualFold(domain, a.Config.Gateway.Domain)
}

// ShouldAcceptDomain indicates if the SMTP acceptor takes mail destined for domain.
func (a *Addressing) ShouldAcceptDomain(domain string) bool {
	return a.IsLocalDomain(domain)
}

// ParseEmailAddress unescapes an email address, and splits the local part from the domain part.
// An error is returned if the local or domain parts fail validation following the guidelines
// in RFC3696.
func ParseEmailAddress(address string) (local string, domain string, err error) {
	at := strings.LastIndexByte(address, '@')
	if at < 0 {
		return "", "", fmt.Errorf("address %q has no domain part", address)
	}
	local, domain = address[:at], address[at+1:]
	if local, err = unquoteLocalPart(local); err != nil {
		return "", "", err
	}
	if !ValidateDomainPart(domain) {
		return "", "", fmt.Errorf("domain part %q failed validation", domain)
	}
	return local, domain, nil
}

// ValidateDomainPart returns true if the domain part complies to RFC3696, RFC1035.
func ValidateDomainPart(domain string) bool {
	if len(domain) == 0 || len(domain) > 255 {
		return false
	}
	for _, label := range strings.Split(strings.TrimSuffix(domain, "."), ".") {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		hasAlphaNum := false
		for _, c := range label {
			switch {
			case ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9') || c == '_':
				hasAlphaNum = true
			case c == '-':
			default:
				return false
			}
		}
		if !hasAlphaNum {
			return false
		}
	}
	return true
}

// unquoteLocalPart validates a local part, removing quoted-string and quoted-pair escapes.
func unquoteLocalPart(local string) (string, error) {
	if local == "" {
		return "", fmt.Errorf("empty local part")
	}
	if len(local) > 128 {
		return "", fmt.Errorf("local part must not exceed 128 characters")
	}
	if strings.HasPrefix(local, `"`) {
		if len(local) < 2 || !strings.HasSuffix(local, `"`) {
			return "", fmt.Errorf("unterminated string quote")
		}
		return strings.ReplaceAll(local[1:len(local)-1], `\`, ""), nil
	}
	if local[0] == '.' || local[len(local)-1] == '.' || strings.Contains(local, "..") {
		return "", fmt.Errorf("misplaced period in %q", local)
	}
	var b strings.Builder
	escaped := false
	for i := 0; i < len(local); i++ {
		c := local[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\':
			escaped = true
			continue
		case c > 127:
			return "", fmt.Errorf("characters outside of US-ASCII range not permitted")
		case ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9'):
		case c == '.' || strings.IndexByte(localSpecials, c) >= 0:
		default:
			return "", fmt.Errorf("character %q must be quoted", c)
		}
		b.WriteByte(c)
	}
	if escaped {
		return "", fmt.Errorf("unterminated quoted-pair")
	}
	return b.String(), nil
}
