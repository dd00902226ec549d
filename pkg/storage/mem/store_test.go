package mem

import (
	"context"
	"testing"

	"github.com/inbucket/listgate/pkg/config"
	"github.com/inbucket/listgate/pkg/storage"
	"github.com/inbucket/listgate/pkg/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSuite runs storage package test suite on the memory store.
func TestSuite(t *testing.T) {
	test.StoreSuite(t, func(conf config.Storage) (storage.Store, func(), error) {
		s, _ := New(conf)
		destroy := func() {}
		return s, destroy, nil
	})
}

func TestReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s, _ := New(config.Storage{})
	inv := test.MakeInvite("a1")
	require.NoError(t, s.PutInvite(ctx, inv))
	inv.Groups[0] = "mutated"

	got, err := s.GetInvite(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "eng", got.Groups[0])
	got.Payload[0] = 'X'

	again, err := s.GetInvite(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, byte('B'), again.Payload[0])
}
