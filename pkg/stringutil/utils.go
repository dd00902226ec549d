package stringutil

import (
	"net/mail"
	"sort"
	"strings"
	"unicode"
)

// GroupLocalPart converts a hierarchical group path such as "Eng/Platform Team" into the local
// part of its distribution address, "eng.platform-team".
func GroupLocalPart(fullPath string) string {
	var b strings.Builder
	for _, r := range fullPath {
		switch {
		case r == '/':
			b.WriteRune('.')
		case r == ' ':
			b.WriteRune('-')
		case r == '.' || r == '-':
			b.WriteRune(r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// CanonicalAddress lowercases and trims an address, dropping any display name.
func CanonicalAddress(address string) string {
	address = strings.TrimSpace(address)
	if a, err := mail.ParseAddress(address); err == nil {
		address = a.Address
	}
	return strings.ToLower(address)
}

// StringAddressList converts a list of addresses to a list of strings
func StringAddressList(addrs []*mail.Address) []string {
	s := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a != nil {
			s = append(s, a.Address)
		}
	}
	return s
}

// Set is an unordered collection of unique strings.
type Set map[string]struct{}

// NewSet returns a Set holding items.
func NewSet(items ...string) Set {
	s := make(Set, len(items))
	s.Add(items...)
	return s
}

// Add inserts items into the set.
func (s Set) Add(items ...string) {
	for _, i := range items {
		s[i] = struct{}{}
	}
}

// AddSet inserts every member of o.
func (s Set) AddSet(o Set) {
	for i := range o {
		s[i] = struct{}{}
	}
}

// Has reports whether item is present.
func (s Set) Has(item string) bool {
	_, ok := s[item]
	return ok
}

// Minus returns a new set with the members of s not present in o.
func (s Set) Minus(o Set) Set {
	r := make(Set, len(s))
	for i := range s {
		if !o.Has(i) {
			r[i] = struct{}{}
		}
	}
	return r
}

// Sorted returns the members in lexical order.
func (s Set) Sorted() []string {
	r := make([]string, 0, len(s))
	for i := range s {
		r = append(r, i)
	}
	sort.Strings(r)
	return r
}

// SliceContains returns true if s is present in slice.
func SliceContains(slice []string, s string) bool {
	for _, v := range slice {
		if s == v {
			return true
		}
	}
	return false
}
