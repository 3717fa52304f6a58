package db

import (
	"context"
	"errors"
	"testing"
)

func TestTxFromContext_Nil(t *testing.T) {
	tx := TxFromContext(context.Background())
	if tx != nil {
		t.Error("expected nil tx from empty context")
	}
}

func TestTxFromContext_WithWrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), DBTxKey, "not-a-tx")
	tx := TxFromContext(ctx)
	if tx != nil {
		t.Error("expected nil when context value is wrong type")
	}
}

func TestRunInTx_NoPool(t *testing.T) {
	called := false
	err := RunInTx(context.Background(), nil, func(ctx context.Context) error {
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

func TestSchemaPattern(t *testing.T) {
	valid := []string{"interop", "gateway_v2", "_private"}
	for _, s := range valid {
		if !schemaPattern.MatchString(s) {
			t.Errorf("expected %q to be a valid schema", s)
		}
	}
	invalid := []string{"", "1abc", "public; DROP TABLE x", "a-b"}
	for _, s := range invalid {
		if schemaPattern.MatchString(s) {
			t.Errorf("expected %q to be rejected", s)
		}
	}
}

func TestRunInTx_PropagatesError(t *testing.T) {
	// With no pool the error is about the pool, not fn; this guards the
	// early return path only.
	sentinel := errors.New("boom")
	err := RunInTx(context.Background(), nil, func(ctx context.Context) error { return sentinel })
	if errors.Is(err, sentinel) {
		t.Error("fn should not have run")
	}
}
