package policy_test

import (
	"testing"

	"github.com/inbucket/listgate/pkg/config"
	"github.com/inbucket/listgate/pkg/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAddressing() *policy.Addressing {
	return &policy.Addressing{
		Config: &config.Root{Gateway: config.Gateway{Domain: "lists.example.com"}},
	}
}

func TestNewRecipientKinds(t *testing.T) {
	ap := testAddressing()
	testCases := []struct {
		input string
		local string
		kind  policy.Kind
	}{
		{"eng@lists.example.com", "eng", policy.Group},
		{"Eng Team <ENG.Platform@Lists.Example.com>", "eng.platform", policy.Group},
		{"+all@lists.example.com", "+all", policy.Everyone},
		{"bob@other.org", "bob", policy.External},
	}
	for _, tc := range testCases {
		t.Run(tc.input, func(t *testing.T) {
			r, err := ap.NewRecipient(tc.input)
			require.NoError(t, err)
			assert.Equal(t, tc.local, r.LocalPart)
			assert.Equal(t, tc.kind, r.Kind)
		})
	}
}

func TestNewRecipientRejectsMalformed(t *testing.T) {
	ap := testAddressing()
	for _, input := range []string{"", "no-at-sign", "a..b@x.com", "user@-bad.com", "user@"} {
		t.Run(input, func(t *testing.T) {
			_, err := ap.NewRecipient(input)
			assert.Error(t, err)
		})
	}
}

func TestGroupRecipient(t *testing.T) {
	ap := testAddressing()
	r, err := ap.GroupRecipient("Eng.Platform")
	require.NoError(t, err)
	assert.Equal(t, "eng.platform@lists.example.com", r.Address.Address)
	assert.Equal(t, policy.Group, r.Kind)

	r, err = ap.GroupRecipient("eng@elsewhere.org")
	require.NoError(t, err)
	assert.Equal(t, "eng@lists.example.com", r.Address.Address)
}

func TestGroupAddress(t *testing.T) {
	ap := testAddressing()
	assert.Equal(t, "eng.platform-team@lists.example.com", ap.GroupAddress("Eng/Platform Team"))
}

func TestShouldAcceptDomain(t *testing.T) {
	ap := testAddressing()
	assert.True(t, ap.ShouldAcceptDomain("LISTS.example.com"))
	assert.False(t, ap.ShouldAcceptDomain("example.com"))
}

func TestValidateDomainPart(t *testing.T) {
	testCases := []struct {
		input string
		want  bool
	}{
		{"", false},
		{"hostname", true},
		{"github.com", true},
		{"www.github.com.", true},
		{"a.b.c.d.e.f.g.h.i.j.k.l.m.n.o.p.q.r.s.t.u.v.w.x.y.z", true},
		{"-leadinghyphen.com", false},
		{"trailinghyphen-.com", false},
		{"dotted..domain", false},
		{"under_score.org", true},
		{"spa ce.com", false},
	}
	for _, tc := range testCases {
		t.Run(tc.input, func(t *testing.T) {
			assert.Equal(t, tc.want, policy.ValidateDomainPart(tc.input))
		})
	}
}
