package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/starford/tessera/internal/models"
)

// Values are stored as "<holder id>|<lock json>" so the release script can
// compare holders without decoding JSON.
var releaseScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v and string.sub(v, 1, string.len(ARGV[1]) + 1) == ARGV[1] .. "|" then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisBackend is a Backend shared by every server instance.
type RedisBackend struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisBackend returns a Backend over an existing client.
func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client, prefix: "tessera:lock:", now: time.Now}
}

func (r *RedisBackend) key(entityID string) string {
	return r.prefix + entityID
}

func encodeLock(l models.Lock) (string, error) {
	b, err := json.Marshal(l)
	if err != nil {
		return "", err
	}
	return l.HolderID + "|" + string(b), nil
}

func decodeLock(v string) (models.Lock, error) {
	_, body, ok := strings.Cut(v, "|")
	if !ok {
		return models.Lock{}, fmt.Errorf("lock: malformed value")
	}
	var l models.Lock
	err := json.Unmarshal([]byte(body), &l)
	return l, err
}

func (r *RedisBackend) Acquire(ctx context.Context, l models.Lock, ttl time.Duration) (bool, models.Lock, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	l = stamp(l, r.now(), ttl)
	val, err := encodeLock(l)
	if err != nil {
		return false, models.Lock{}, fmt.Errorf("lock: encode: %w", err)
	}

	ok, err := r.client.SetNX(ctx, r.key(l.EntityID), val, ttl).Result()
	if err != nil {
		return false, models.Lock{}, fmt.Errorf("lock: acquire %s: %w", l.EntityID, err)
	}
	if ok {
		return true, l, nil
	}

	cur, found, err := r.Holder(ctx, l.EntityID)
	if err != nil {
		return false, models.Lock{}, err
	}
	if found && cur.HolderID != l.HolderID {
		return false, cur, nil
	}
	if !found {
		// Expired between the two calls; race for it once more.
		ok, err := r.client.SetNX(ctx, r.key(l.EntityID), val, ttl).Result()
		if err != nil {
			return false, models.Lock{}, fmt.Errorf("lock: acquire %s: %w", l.EntityID, err)
		}
		if !ok {
			cur, _, err := r.Holder(ctx, l.EntityID)
			return false, cur, err
		}
		return true, l, nil
	}

	l.AcquiredAt = cur.AcquiredAt
	if val, err = encodeLock(l); err != nil {
		return false, models.Lock{}, fmt.Errorf("lock: encode: %w", err)
	}
	if err := r.client.SetXX(ctx, r.key(l.EntityID), val, ttl).Err(); err != nil {
		return false, models.Lock{}, fmt.Errorf("lock: refresh %s: %w", l.EntityID, err)
	}
	return true, l, nil
}

func (r *RedisBackend) Release(ctx context.Context, entityID, holderID string) (bool, error) {
	n, err := releaseScript.Run(ctx, r.client, []string{r.key(entityID)}, holderID).Int()
	if err != nil {
		return false, fmt.Errorf("lock: release %s: %w", entityID, err)
	}
	return n == 1, nil
}

func (r *RedisBackend) Holder(ctx context.Context, entityID string) (models.Lock, bool, error) {
	v, err := r.client.Get(ctx, r.key(entityID)).Result()
	if errors.Is(err, redis.Nil) {
		return models.Lock{}, false, nil
	}
	if err != nil {
		return models.Lock{}, false, fmt.Errorf("lock: holder %s: %w", entityID, err)
	}
	l, err := decodeLock(v)
	if err != nil {
		return models.Lock{}, false, fmt.Errorf("lock: decode %s: %w", entityID, err)
	}
	return l, true, nil
}
