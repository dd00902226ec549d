package policy

import "net/mail"

// Kind classifies a recipient address.
type Kind int

const (
	// External addresses are outside the gateway domain; they pass through untouched.
	External Kind = iota
	// Group addresses name a distribution group.
	Group
	// Everyone is the "+all" pseudo-group.
	Everyone
)

func (k Kind) String() string {
	switch k {
	case Group:
		return "group"
	case Everyone:
		return "everyone"
	}
	return "external"
}

// Recipient represents a potential email recipient, allows policies for it to be queried.
type Recipient struct {
	mail.Address
	// LocalPart is the part of the address before @, lowercased.
	LocalPart string
	// Domain is the part of the address after @, lowercased.
	Domain string
	// Kind determines how the address is resolved.
	Kind Kind
}
