package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/starford/tessera/internal/models"
)

func setupRedis(t *testing.T) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisBackend(client), s
}

func lockFor(entity, holder string) models.Lock {
	return models.Lock{EntityID: entity, EntityType: "row", HolderID: holder, HolderName: holder}
}

// exerciseBackend runs the behaviour every Backend must share.
func exerciseBackend(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()

	ok, _, err := b.Acquire(ctx, lockFor("r1", "alice"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire = %v, %v", ok, err)
	}
	ok, holder, err := b.Acquire(ctx, lockFor("r1", "bob"), time.Minute)
	if err != nil || ok {
		t.Fatalf("second holder acquire = %v, %v", ok, err)
	}
	if holder.HolderID != "alice" {
		t.Errorf("holder = %+v", holder)
	}
	if ok, _, _ := b.Acquire(ctx, lockFor("r1", "alice"), time.Minute); !ok {
		t.Error("re-acquire by holder should refresh")
	}

	if released, _ := b.Release(ctx, "r1", "bob"); released {
		t.Error("non-holder released the lock")
	}
	l, found, err := b.Holder(ctx, "r1")
	if err != nil || !found || l.HolderID != "alice" {
		t.Fatalf("Holder = %+v, %v, %v", l, found, err)
	}
	if released, err := b.Release(ctx, "r1", "alice"); err != nil || !released {
		t.Fatalf("Release = %v, %v", released, err)
	}
	if _, found, _ := b.Holder(ctx, "r1"); found {
		t.Error("lock still held after release")
	}
	if ok, _, _ := b.Acquire(ctx, lockFor("r1", "bob"), time.Minute); !ok {
		t.Error("acquire after release should succeed")
	}
}

func TestMemoryBackend(t *testing.T) {
	exerciseBackend(t, NewMemoryBackend())
}

func TestMemoryBackendExpiry(t *testing.T) {
	b := NewMemoryBackend()
	now := time.Now()
	b.now = func() time.Time { return now }
	ctx := context.Background()

	if ok, _, _ := b.Acquire(ctx, lockFor("r1", "alice"), time.Second); !ok {
		t.Fatal("acquire failed")
	}
	now = now.Add(2 * time.Second)
	if ok, _, _ := b.Acquire(ctx, lockFor("r1", "bob"), time.Second); !ok {
		t.Error("expired lock should not block")
	}
}

func TestRedisBackend(t *testing.T) {
	b, _ := setupRedis(t)
	exerciseBackend(t, b)
}

func TestRedisBackendExpiry(t *testing.T) {
	b, s := setupRedis(t)
	ctx := context.Background()
	if ok, _, _ := b.Acquire(ctx, lockFor("r1", "alice"), time.Minute); !ok {
		t.Fatal("acquire failed")
	}
	s.FastForward(2 * time.Minute)
	if _, found, _ := b.Holder(ctx, "r1"); found {
		t.Error("lock survived its TTL")
	}
	if ok, _, _ := b.Acquire(ctx, lockFor("r1", "bob"), time.Minute); !ok {
		t.Error("acquire after expiry failed")
	}
}
