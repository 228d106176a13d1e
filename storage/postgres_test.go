package storage

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestWrapDuplicate(t *testing.T) {
	tests := []struct {
		name string
		err  error
		dup  bool
	}{
		{"board and mls", &pgconn.PgError{Code: "23505", ConstraintName: ConstraintBoardMLS}, true},
		{"external id wrapped", fmt.Errorf("exec: %w", &pgconn.PgError{Code: "23505", ConstraintName: ConstraintExternalID}), true},
		{"other unique constraint", &pgconn.PgError{Code: "23505", ConstraintName: "sources_slug_key"}, false},
		{"not null violation", &pgconn.PgError{Code: "23502", ConstraintName: ConstraintBoardMLS}, false},
		{"plain error", errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := wrapDuplicate("insert listing", tt.err)
			if got := errors.Is(err, ErrDuplicate); got != tt.dup {
				t.Fatalf("errors.Is(ErrDuplicate) = %v, want %v (%v)", got, tt.dup, err)
			}
		})
	}
}

func TestNullableJSON(t *testing.T) {
	if nullableJSON(nil) != nil {
		t.Fatal("nil payload should be NULL")
	}
	if got := nullableJSON([]byte(`{"a":1}`)); got != `{"a":1}` {
		t.Fatalf("got %v", got)
	}
}
