package store

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/spanner"
	"cloud.google.com/go/spanner/spannertest"
	"github.com/stretchr/testify/assert"
)

func setupSpannerTestServer(t *testing.T) (*spanner.Client, func()) {
	server, err := spannertest.NewServer("localhost:0")
	assert.NoError(t, err)

	conn, err := spanner.NewClient(context.Background(), server.Addr)
	assert.NoError(t, err)

	return conn, func() {
		conn.Close()
		server.Close()
	}
}

func insertSpannerAction(t *testing.T, client *spanner.Client, id, status string, priority int64) {
	now := time.Now().UTC()
	_, err := client.Apply(context.Background(), []*spanner.Mutation{
		spanner.Insert("actions",
			[]string{"id", "owner_id", "action_type", "action_target", "status", "priority", "urgency", "requires_approval", "max_attempts", "attempt", "created_at", "updated_at"},
			[]interface{}{id, "owner-1", "api_call", "https://example.com", status, priority, "medium", false, int64(3), int64(0), now, now}),
	})
	assert.NoError(t, err)
}

func SpannerTestClaim(t *testing.T) {
	client, cleanup := setupSpannerTestServer(t)
	defer cleanup()

	repo := NewSpannerRepositoryFactory(client)
	ctx := context.Background()

	insertSpannerAction(t, client, "low", "queued", 9)
	insertSpannerAction(t, client, "high", "queued", 1)

	claimed, err := repo.Claim(ctx, time.Now().UTC())
	assert.NoError(t, err)
	assert.Equal(t, "high", claimed.ID)
	assert.Equal(t, StatusInProgress, claimed.Status)
}

func SpannerTestMarkCompleted(t *testing.T) {
	client, cleanup := setupSpannerTestServer(t)
	defer cleanup()

	repo := NewSpannerRepositoryFactory(client)
	ctx := context.Background()

	insertSpannerAction(t, client, "a1", "queued", 5)

	claimed, err := repo.Claim(ctx, time.Now().UTC())
	assert.NoError(t, err)

	err = repo.MarkCompleted(ctx, claimed.ID, []byte(`{"ok":true}`), time.Now().UTC())
	assert.NoError(t, err)

	a, err := repo.Get(ctx, "a1")
	assert.NoError(t, err)
	assert.Equal(t, StatusCompleted, a.Status)
}

func SpannerTestExpireOverdue(t *testing.T) {
	client, cleanup := setupSpannerTestServer(t)
	defer cleanup()

	repo := NewSpannerRepositoryFactory(client)
	ctx := context.Background()
	now := time.Now().UTC()

	insertSpannerAction(t, client, "a1", "queued", 5)
	_, err := client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		_, err := txn.Update(ctx, spanner.Statement{
			SQL:    `UPDATE actions SET expires_at = @past WHERE id = 'a1'`,
			Params: map[string]interface{}{"past": now.Add(-time.Minute)},
		})
		return err
	})
	assert.NoError(t, err)

	n, err := repo.ExpireOverdue(ctx, now)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
