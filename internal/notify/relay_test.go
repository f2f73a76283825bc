package notify

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/starford/tessera/internal/models"
	"github.com/starford/tessera/internal/testutil"
)

func TestRedisRelayForwardsBetweenInstances(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })

	hubA := NewHub(time.Second, nil)
	defer hubA.Close()
	hubB := NewHub(time.Second, nil)
	defer hubB.Close()

	relayA := NewRedisRelay(client, hubA, "", nil)
	relayB := NewRedisRelay(client, hubB, "", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go relayA.Run(ctx) //nolint:errcheck
	go relayB.Run(ctx) //nolint:errcheck

	testutil.Eventually(t, 2*time.Second, func() bool {
		n, err := client.PubSubNumSub(ctx, DefaultRelayChannel).Result()
		return err == nil && n[DefaultRelayChannel] == 2
	}, "both relays subscribed")

	subA := hubA.Subscribe("doc-1")
	defer hubA.Unsubscribe(subA)
	subB := hubB.Subscribe("doc-1")
	defer hubB.Unsubscribe(subB)

	relayA.Publish(rowEvent(t, "doc-1", "r1"))

	for name, ch := range map[string]chan models.Event{"local": subA, "remote": subB} {
		select {
		case ev := <-ch:
			if ev.DocumentID != "doc-1" {
				t.Errorf("%s: unexpected event %+v", name, ev)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s subscriber got nothing", name)
		}
	}

	// The origin instance ignores its own message coming back from Redis.
	select {
	case ev := <-subA:
		t.Fatalf("local subscriber received duplicate %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}
