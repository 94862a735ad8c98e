package infra

import (
	"context"
	"testing"
)

func TestAcquire_PrefersSuppliedDSN(t *testing.T) {
	t.Setenv(DSNEnv, "postgres://env@127.0.0.1/env")
	ctx := context.Background()

	db, err := Acquire(ctx, "postgres://flag@127.0.0.1/flag")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if db.DSN != "postgres://flag@127.0.0.1/flag" || !db.Shared {
		t.Fatalf("expected the explicit dsn as a shared database, got %+v", db)
	}

	db, err = Acquire(ctx, "")
	if err != nil {
		t.Fatalf("acquire from env: %v", err)
	}
	if db.DSN != "postgres://env@127.0.0.1/env" || !db.Shared {
		t.Fatalf("expected the env dsn as a shared database, got %+v", db)
	}
	if err := db.Release(ctx); err != nil {
		t.Fatalf("release of a shared database: %v", err)
	}
}
