package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
)

func TestTxFromContext_Nil(t *testing.T) {
	if tx := TxFromContext(context.Background()); tx != nil {
		t.Errorf("expected nil tx, got %v", tx)
	}
}

func TestTxFromContext_WithWrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), txKey, "not a tx")
	if tx := TxFromContext(ctx); tx != nil {
		t.Errorf("expected nil tx for wrong type, got %v", tx)
	}
}

func TestWithTx_NoPool(t *testing.T) {
	called := false
	err := WithTx(context.Background(), nil, pgx.TxOptions{}, func(ctx context.Context) error {
		called = true
		return nil
	})
	if err == nil {
		t.Fatal("expected error without a pool")
	}
	if called {
		t.Error("fn must not run without a transaction")
	}
}

func TestValidSchema(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"public", true},
		{"sleep_etl", true},
		{"_staging2", true},
		{"", false},
		{"2fast", false},
		{"etl;drop", false},
		{"etl-prod", false},
		{`"quoted"`, false},
	}
	for _, tt := range tests {
		if got := ValidSchema(tt.name); got != tt.valid {
			t.Errorf("ValidSchema(%q): expected %v, got %v", tt.name, tt.valid, got)
		}
	}
}

func TestNewPool_InvalidSchema(t *testing.T) {
	_, err := NewPool(context.Background(), PoolConfig{URL: "postgres://u:p@localhost:5432/db", Schema: "bad;schema"})
	if err == nil {
		t.Fatal("expected error for invalid schema")
	}
}

func TestNewPool_InvalidURL(t *testing.T) {
	_, err := NewPool(context.Background(), PoolConfig{URL: "postgres://%zz"})
	if err == nil {
		t.Fatal("expected parse error")
	}
	if errors.Is(err, context.Canceled) {
		t.Errorf("unexpected error: %v", err)
	}
}
