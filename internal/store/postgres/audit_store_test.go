package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/alanyoungcy/wxwager/internal/domain"
)

func setupClient(t *testing.T) *Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("wxwager_test"),
		tcpostgres.WithUsername("test_user"),
		tcpostgres.WithPassword("test_password"),
		tcpostgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	c, err := New(ctx, ClientConfig{DSN: dsn, MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	require.NoError(t, c.RunMigrations(ctx))
	// Second run is a no-op.
	require.NoError(t, c.RunMigrations(ctx))
	return c
}

func TestAuditStoreLogAndList(t *testing.T) {
	c := setupClient(t)
	s := NewAuditStore(c.Pool())
	ctx := context.Background()

	require.NoError(t, s.Log(ctx, "wager_transition", map[string]any{"wager_id": "w1", "from": "open", "to": "locked"}))
	require.NoError(t, s.Log(ctx, "wager_transition", map[string]any{"wager_id": "w2", "from": "locked", "to": "void"}))
	require.NoError(t, s.Log(ctx, "settlement_run", map[string]any{"run_id": "r1", "locked": []string{"w1"}}))
	require.NoError(t, s.Log(ctx, "wager_deleted", nil))

	all, err := s.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "wager_deleted", all[0].Event, "newest first")

	byWager, err := s.List(ctx, domain.ListOpts{WagerID: "w2"})
	require.NoError(t, err)
	require.Len(t, byWager, 1)
	assert.Equal(t, "w2", byWager[0].WagerID)
	assert.Equal(t, "void", byWager[0].Detail["to"])

	runs, err := s.List(ctx, domain.ListOpts{Event: "settlement_run"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Empty(t, runs[0].WagerID)
	assert.Equal(t, []any{"w1"}, runs[0].Detail["locked"])

	page, err := s.List(ctx, domain.ListOpts{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, page, 2)

	future := time.Now().Add(time.Hour)
	none, err := s.List(ctx, domain.ListOpts{Since: &future})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/wx?sslmode=disable",
		DSN(ClientConfig{Host: "db", Database: "wx", User: "u", Password: "p"}))
	assert.Equal(t, "postgres://x", DSN(ClientConfig{DSN: "postgres://x", Host: "ignored"}))
}
