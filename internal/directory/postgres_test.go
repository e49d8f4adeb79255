package directory

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

func TestPostgresUsers(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping postgres directory tests in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("freshcart"),
		tcpostgres.WithUsername("freshcart"),
		tcpostgres.WithPassword("freshcart"),
		tcpostgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	conn, err := pgx.Connect(ctx, dsn)
	require.NoError(t, err)
	defer conn.Close(ctx)

	_, err = conn.Exec(ctx, `CREATE SCHEMA shop;
		CREATE TABLE shop.customers (id SERIAL PRIMARY KEY, email_address TEXT NOT NULL);
		INSERT INTO shop.customers (email_address) VALUES ('Shopper@FreshCart.test');`)
	require.NoError(t, err)

	p, err := NewPostgres(ctx, PostgresConf{DSN: dsn, Table: "shop.customers", Column: "email_address"})
	require.NoError(t, err)
	t.Cleanup(p.Close)

	ok, err := p.Exists(ctx, "shopper@freshcart.test")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.Exists(ctx, "new@freshcart.test")
	require.NoError(t, err)
	assert.False(t, ok)

	// Through the directory.
	d := New(p, nil)
	assert.ErrorIs(t, d.Check(ctx, "signup", "shopper@freshcart.test"), ErrRegistered)
	assert.NoError(t, d.Check(ctx, "user_reset", "shopper@freshcart.test"))
}
