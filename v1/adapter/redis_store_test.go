package adapter_test

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-borglock/v1/adapter"
	lockerrors "github.com/mirkobrombin/go-borglock/v1/errors"
)

// newRedisStoreWithServer returns a Redis-backed store along with the
// underlying miniredis server and client for tests that need to manipulate
// the server state.
func newRedisStoreWithServer(t *testing.T, opts ...adapter.RedisOption) (*adapter.RedisStore, context.Context, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return adapter.NewRedisStore(client, opts...), ctx, mr, client
}

func TestRedisStorePutGetDelete(t *testing.T) {
	s, ctx, mr, _ := newRedisStoreWithServer(t)
	if _, ok, err := s.Get(ctx, "alpha"); err != nil || ok {
		t.Fatalf("Get: expected absent, got ok=%v err=%v", ok, err)
	}
	if err := s.Put(ctx, "alpha", 4242, 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if v, err := mr.Get("BORG_LOCKSERVICE:alpha:pid"); err != nil || v != "4242" {
		t.Fatalf("raw key: expected 4242, got %q err %v", v, err)
	}
	if pid, ok, err := s.Get(ctx, "alpha"); err != nil || !ok || pid != 4242 {
		t.Fatalf("Get: expected 4242, got %d ok=%v err=%v", pid, ok, err)
	}
	if err := s.Delete(ctx, "alpha"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if mr.Exists("BORG_LOCKSERVICE:alpha:pid") {
		t.Fatal("Delete: key still present")
	}
}

func TestRedisStoreTTL(t *testing.T) {
	s, ctx, mr, _ := newRedisStoreWithServer(t)
	if err := s.Put(ctx, "alpha", 7, time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ttl := mr.TTL("BORG_LOCKSERVICE:alpha:pid"); ttl != time.Minute {
		t.Fatalf("expected ttl 1m, got %v", ttl)
	}
	mr.FastForward(2 * time.Minute)
	if _, ok, err := s.Get(ctx, "alpha"); err != nil || ok {
		t.Fatalf("expected expired entry, ok=%v err=%v", ok, err)
	}
}

func TestRedisStoreCompareAndDelete(t *testing.T) {
	s, ctx, _, _ := newRedisStoreWithServer(t)
	_ = s.Put(ctx, "alpha", 10, 0)
	if ok, err := s.CompareAndDelete(ctx, "alpha", 11); err != nil || ok {
		t.Fatalf("expected mismatch to keep entry, ok=%v err=%v", ok, err)
	}
	if pid, ok, _ := s.Get(ctx, "alpha"); !ok || pid != 10 {
		t.Fatalf("entry changed: %d ok=%v", pid, ok)
	}
	if ok, err := s.CompareAndDelete(ctx, "alpha", 10); err != nil || !ok {
		t.Fatalf("expected delete, ok=%v err=%v", ok, err)
	}
	if ok, err := s.CompareAndDelete(ctx, "alpha", 10); err != nil || ok {
		t.Fatalf("expected no-op on absent entry, ok=%v err=%v", ok, err)
	}
}

func TestRedisStoreKeysOnlyWithinPrefix(t *testing.T) {
	s, ctx, mr, _ := newRedisStoreWithServer(t, adapter.WithPrefix("TEST"))
	_ = mr.Set("unrelated", "1")
	_ = s.Put(ctx, "beta", 2, 0)
	_ = s.Put(ctx, "alpha", 1, 0)
	keys, err := s.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if !reflect.DeepEqual(keys, []string{"alpha", "beta"}) {
		t.Fatalf("Keys: expected [alpha beta], got %v", keys)
	}
}

func TestRedisStoreGetMalformedValue(t *testing.T) {
	s, ctx, mr, _ := newRedisStoreWithServer(t)
	_ = mr.Set("BORG_LOCKSERVICE:alpha:pid", "not-a-pid")
	if _, _, err := s.Get(ctx, "alpha"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestRedisStoreConnectionClosed(t *testing.T) {
	s, ctx, _, client := newRedisStoreWithServer(t)
	_ = client.Close()
	if _, _, err := s.Get(ctx, "alpha"); !errors.Is(err, lockerrors.ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
	if err := s.Put(ctx, "alpha", 1, 0); !errors.Is(err, lockerrors.ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}

func TestRedisStoreTimeout(t *testing.T) {
	s, ctx, _, _ := newRedisStoreWithServer(t)
	tCtx, cancel := context.WithTimeout(ctx, time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)
	if _, _, err := s.Get(tCtx, "alpha"); !errors.Is(err, lockerrors.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if _, err := s.CompareAndDelete(tCtx, "alpha", 1); !errors.Is(err, lockerrors.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}
