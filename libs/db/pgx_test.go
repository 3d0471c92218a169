package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsUniqueViolation(t *testing.T) {
	wrapped := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})
	if !IsUniqueViolation(wrapped) {
		t.Fatal("expected wrapped 23505 to be a unique violation")
	}
	if IsUniqueViolation(&pgconn.PgError{Code: "23P01"}) {
		t.Fatal("exclusion violation is not a unique violation")
	}
	if IsUniqueViolation(errors.New("boom")) {
		t.Fatal("plain error is not a unique violation")
	}
	if !IsSerializationFailure(&pgconn.PgError{Code: "40001"}) {
		t.Fatal("expected 40001 to be a serialization failure")
	}
}
