package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cogos-system/athena/internal/model"
)

func TestSQLiteStore_Suite(t *testing.T) {
	storeTestSuite(t, newTestSQLite)
}

func TestSQLiteStore_MigrateIsIdempotent(t *testing.T) {
	s := newTestSQLite(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestSQLiteStore_ExceptionsRoundTrip(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	insertTestBoundary(t, s, &model.Boundary{
		Type:     model.BoundarySoft,
		Category: "email",
		Rule:     "Confirm before sending",
		Exceptions: []model.Exception{
			{Kind: "recipient_domain", Config: map[string]any{"domain": "sellsadvisors.com"}},
		},
	})

	boundaries, err := s.ListBoundaries(ctx, true)
	require.NoError(t, err)
	require.Len(t, boundaries, 1)
	require.Len(t, boundaries[0].Exceptions, 1)
	assert.Equal(t, "recipient_domain", boundaries[0].Exceptions[0].Kind)
	assert.Equal(t, "sellsadvisors.com", boundaries[0].Exceptions[0].Config["domain"])
}
