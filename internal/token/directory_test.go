package token

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestDirectory creates a Directory connected to a local Redis instance.
// Requires Redis on localhost:6379; tests are skipped if unavailable.
func newTestDirectory(t *testing.T) (*Directory, context.Context) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	client.FlushDB(ctx)
	t.Cleanup(func() {
		client.FlushDB(ctx)
		client.Close()
	})
	return NewDirectory(client), ctx
}

func TestLookup_NotFound(t *testing.T) {
	dir, ctx := newTestDirectory(t)

	_, err := dir.Lookup(ctx, "u1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRegisterAndLookup(t *testing.T) {
	dir, ctx := newTestDirectory(t)
	fixed := time.UnixMilli(1_700_000_000_000)
	dir.now = func() time.Time { return fixed }

	if err := dir.Register(ctx, "u1", "tok-a"); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	tok, err := dir.Lookup(ctx, "u1")
	if err != nil {
		t.Fatalf("Lookup() error: %v", err)
	}
	if tok.Token != "tok-a" || tok.UserID != "u1" {
		t.Errorf("unexpected token: %+v", tok)
	}
	if !tok.UpdatedAt.Equal(fixed) {
		t.Errorf("expected updated_at %v, got %v", fixed, tok.UpdatedAt)
	}
}

func TestRegister_LastWriteWins(t *testing.T) {
	dir, ctx := newTestDirectory(t)

	_ = dir.Register(ctx, "u1", "tok-a")
	_ = dir.Register(ctx, "u1", "tok-b")

	tok, err := dir.Lookup(ctx, "u1")
	if err != nil {
		t.Fatalf("Lookup() error: %v", err)
	}
	if tok.Token != "tok-b" {
		t.Errorf("expected tok-b, got %q", tok.Token)
	}
}

func TestInvalidate_RemovesMatchingToken(t *testing.T) {
	dir, ctx := newTestDirectory(t)
	_ = dir.Register(ctx, "u1", "tok-a")

	removed, err := dir.Invalidate(ctx, "u1", "tok-a")
	if err != nil {
		t.Fatalf("Invalidate() error: %v", err)
	}
	if !removed {
		t.Fatal("expected token to be removed")
	}
	if _, err := dir.Lookup(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after invalidate, got %v", err)
	}
}

func TestInvalidate_KeepsRefreshedToken(t *testing.T) {
	dir, ctx := newTestDirectory(t)
	_ = dir.Register(ctx, "u1", "tok-a")
	// Client refreshed its token before the stale invalidation landed.
	_ = dir.Register(ctx, "u1", "tok-b")

	removed, err := dir.Invalidate(ctx, "u1", "tok-a")
	if err != nil {
		t.Fatalf("Invalidate() error: %v", err)
	}
	if removed {
		t.Fatal("refreshed token must not be removed")
	}
	tok, err := dir.Lookup(ctx, "u1")
	if err != nil || tok.Token != "tok-b" {
		t.Fatalf("expected tok-b to survive, got %+v err=%v", tok, err)
	}
}

func TestInvalidate_Missing(t *testing.T) {
	dir, ctx := newTestDirectory(t)

	removed, err := dir.Invalidate(ctx, "nobody", "tok")
	if err != nil {
		t.Fatalf("Invalidate() error: %v", err)
	}
	if removed {
		t.Error("expected nothing removed")
	}
}

func TestLookup_UnavailableIsNotNotFound(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1", // nothing listens here
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	dir := NewDirectory(client)

	_, err := dir.Lookup(context.Background(), "u1")
	if err == nil {
		t.Fatal("expected error from unreachable backend")
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatal("backend failure must not be reported as not found")
	}
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
