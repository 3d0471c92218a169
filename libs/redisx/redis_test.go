package redisx

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func TestOpenAndReadyCheck(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	rdb, err := Open(ctx, Config{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rdb.Close()

	if err := ReadyCheck(rdb)(ctx); err != nil {
		t.Fatalf("ready: %v", err)
	}
	if err := ReadyCheck(nil)(ctx); err == nil {
		t.Fatal("expected error for nil client")
	}
	if _, err := Open(ctx, Config{}); err == nil {
		t.Fatal("expected error for empty addr")
	}
}
