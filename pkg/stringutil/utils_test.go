package stringutil_test

import (
	"net/mail"
	"testing"

	"github.com/inbucket/listgate/pkg/stringutil"
	"github.com/stretchr/testify/assert"
)

func TestGroupLocalPart(t *testing.T) {
	testCases := []struct {
		input, want string
	}{
		{"eng", "eng"},
		{"Eng/Platform Team", "eng.platform-team"},
		{"ops/on-call (primary)", "ops.on-call-primary"},
		{"a/b/c", "a.b.c"},
	}
	for _, tc := range testCases {
		t.Run(tc.input, func(t *testing.T) {
			assert.Equal(t, tc.want, stringutil.GroupLocalPart(tc.input))
		})
	}
}

func TestCanonicalAddress(t *testing.T) {
	assert.Equal(t, "fred@fish.org", stringutil.CanonicalAddress(`"Fred B. Fish" <Fred@Fish.org>`))
	assert.Equal(t, "user@domain.org", stringutil.CanonicalAddress("  USER@domain.org "))
	assert.Equal(t, "not an address", stringutil.CanonicalAddress("Not An Address"))
}

func TestStringAddressList(t *testing.T) {
	input := []*mail.Address{
		{Name: "Fred B. Fish", Address: "fred@fish.org"},
		nil,
		{Name: "User", Address: "user@domain.org"},
	}
	assert.Equal(t, []string{"fred@fish.org", "user@domain.org"}, stringutil.StringAddressList(input))
}

func TestSet(t *testing.T) {
	a := stringutil.NewSet("a", "b", "c")
	b := stringutil.NewSet("b")
	assert.True(t, a.Has("a"))
	assert.False(t, b.Has("a"))
	assert.Equal(t, []string{"a", "c"}, a.Minus(b).Sorted())
	b.AddSet(a)
	assert.Equal(t, []string{"a", "b", "c"}, b.Sorted())
}
