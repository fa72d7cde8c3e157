package storage_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/your-org/mediaflow/internal/config"
	"github.com/your-org/mediaflow/internal/storage"
	"github.com/your-org/mediaflow/internal/testsupport"
)

const postgresDSNEnv = "MF_TEST_POSTGRES_DSN"

type clockedLedger interface {
	storage.Ledger
	SetClock(now func() time.Time)
}

// forEachLedger runs fn against SQLite and, when MF_TEST_POSTGRES_DSN is set,
// against an emptied Postgres database.
func forEachLedger(t *testing.T, fn func(t *testing.T, store clockedLedger)) {
	t.Run("sqlite", func(t *testing.T) {
		fn(t, testsupport.NewLedger(t))
	})
	t.Run("postgres", func(t *testing.T) {
		fn(t, openPostgres(t))
	})
}

func openPostgres(t *testing.T) *storage.PostgresStore {
	t.Helper()
	dsn := os.Getenv(postgresDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", postgresDSNEnv)
	}
	ctx := context.Background()
	store, err := storage.NewPostgresStore(ctx, config.DatabaseConfig{Driver: "postgres", URL: dsn, MaxConns: 8}, testsupport.Dim)
	if err != nil {
		t.Fatalf("NewPostgresStore failed: %v", err)
	}
	t.Cleanup(store.Close)

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close(ctx)
	for _, stmt := range []string{
		`TRUNCATE faces, people, media_files RESTART IDENTITY CASCADE`,
		`DELETE FROM ledger_meta WHERE key <> 'identity_epoch'`,
		`UPDATE ledger_meta SET value = 0`,
	} {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			t.Fatalf("reset postgres ledger: %v", err)
		}
	}
	return store
}
