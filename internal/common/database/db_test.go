package database

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestRetryOnlyRetriesSerializationFailures(t *testing.T) {
	ctx := context.Background()
	serialization := &pgconn.PgError{Code: "40001"}

	calls := 0
	err := Retry(ctx, 3, func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("redeem: %w", serialization)
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("expected success on third attempt, got %v after %d calls", err, calls)
	}

	calls = 0
	boom := errors.New("boom")
	if err := Retry(ctx, 3, func() error { calls++; return boom }); !errors.Is(err, boom) || calls != 1 {
		t.Fatalf("non-retryable errors should return at once, got %v after %d calls", err, calls)
	}

	calls = 0
	err = Retry(ctx, 2, func() error { calls++; return &pgconn.PgError{Code: "40P01"} })
	if !IsSerializationFailure(err) || calls != 2 {
		t.Fatalf("expected exhausted deadlock retries, got %v after %d calls", err, calls)
	}
}

func TestErrorClassifiers(t *testing.T) {
	if !IsUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})) {
		t.Errorf("23505 is a unique violation")
	}
	if !IsForeignKeyViolation(&pgconn.PgError{Code: "23503"}) {
		t.Errorf("23503 is a foreign key violation")
	}
	if IsUniqueViolation(errors.New("23505")) {
		t.Errorf("plain errors are not pg errors")
	}
	if !IsNotFound(fmt.Errorf("card: %w", pgx.ErrNoRows)) || !IsNotFound(ErrNotFound) {
		t.Errorf("no rows should count as not found")
	}
}
