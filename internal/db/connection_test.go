package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestMigrationURL(t *testing.T) {
	cfg := Config{Host: "db", Port: 5433, User: "app", Password: "p@ss", DBName: "imports", SSLMode: "disable"}
	got := cfg.MigrationURL()
	expected := "pgx5://app:p%40ss@db:5433/imports?sslmode=disable"
	if got != expected {
		t.Fatalf("expected %s got %s", expected, got)
	}
}

func TestIsErrorCode(t *testing.T) {
	err := fmt.Errorf("insert: %w", &pgconn.PgError{Code: UniqueViolation})
	if !IsErrorCode(err, UniqueViolation) {
		t.Fatal("expected unique violation to be detected through wrapping")
	}
	if IsErrorCode(errors.New("plain"), UniqueViolation) {
		t.Fatal("plain errors carry no code")
	}
}

func TestEmbeddedMigrationsPresent(t *testing.T) {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}
	if len(entries) < 2 {
		t.Fatalf("expected up and down migrations, got %d files", len(entries))
	}
}

// fakeTx records how the transaction ended.
type fakeTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Commit(context.Context) error {
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	t.rolledBack = true
	return nil
}

type fakeStarter struct{ tx *fakeTx }

func (s fakeStarter) Begin(context.Context) (pgx.Tx, error) { return s.tx, nil }

func TestWithTxCommitsOnSuccess(t *testing.T) {
	tx := &fakeTx{}
	if err := WithTx(context.Background(), fakeStarter{tx}, func(pgx.Tx) error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !tx.committed || tx.rolledBack {
		t.Fatalf("expected commit only, got %+v", tx)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	tx := &fakeTx{}
	cause := errors.New("lock timeout")
	err := WithTx(context.Background(), fakeStarter{tx}, func(pgx.Tx) error { return cause })
	if !errors.Is(err, cause) {
		t.Fatalf("expected the callback error, got %v", err)
	}
	if tx.committed || !tx.rolledBack {
		t.Fatalf("expected rollback only, got %+v", tx)
	}
}

func TestWithTxRollsBackOnPanic(t *testing.T) {
	tx := &fakeTx{}
	defer func() {
		if recover() == nil {
			t.Fatal("expected the panic to propagate")
		}
		if tx.committed || !tx.rolledBack {
			t.Fatalf("expected rollback only, got %+v", tx)
		}
	}()
	_ = WithTx(context.Background(), fakeStarter{tx}, func(pgx.Tx) error { panic("boom") })
}
