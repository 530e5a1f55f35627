// SPDX-License-Identifier: Apache-2.0

package lease

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/modelpulse/pulse/pkg/health"
)

func testClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestTryAcquire(t *testing.T) {
	mr, client := testClient(t)
	c := NewRedisCoordinator(client)
	id := health.ModelIdentity{Provider: "meta", Model: "llama-3.3-70b", Gateway: "groq"}

	if !c.TryAcquire(context.Background(), id) {
		t.Fatalf("first acquisition must succeed")
	}

	key := "health_check_lock:meta:llama-3.3-70b:groq"
	val, err := mr.Get(key)
	if err != nil {
		t.Fatalf("lease key missing: %v", err)
	}
	if val != c.WorkerID() {
		t.Errorf("lease value: got %q, want worker id %q", val, c.WorkerID())
	}
	ttl := mr.TTL(key)
	if ttl != TTL {
		t.Errorf("lease TTL: got %v, want %v", ttl, TTL)
	}
}

func TestLeaseCollision(t *testing.T) {
	_, client := testClient(t)
	a := NewRedisCoordinator(client)
	b := NewRedisCoordinator(client)
	id := health.ModelIdentity{Provider: "openai", Model: "gpt-4o", Gateway: "openrouter"}

	gotA := a.TryAcquire(context.Background(), id)
	gotB := b.TryAcquire(context.Background(), id)
	if gotA == gotB {
		t.Fatalf("exactly one worker must win the lease: a=%v b=%v", gotA, gotB)
	}
	if !gotA {
		t.Errorf("the first attempt should have won")
	}
}

func TestLeaseExpiry(t *testing.T) {
	mr, client := testClient(t)
	c := NewRedisCoordinator(client)
	id := health.ModelIdentity{Provider: "meta", Model: "llama-3.1-8b", Gateway: "together"}

	if !c.TryAcquire(context.Background(), id) {
		t.Fatalf("first acquisition must succeed")
	}
	if c.TryAcquire(context.Background(), id) {
		t.Fatalf("held lease must not be re-acquired")
	}

	mr.FastForward(TTL)

	if !c.TryAcquire(context.Background(), id) {
		t.Errorf("expired lease must be acquirable")
	}
}

func TestDegradeToNoopOnRedisFailure(t *testing.T) {
	mr, client := testClient(t)
	c := NewRedisCoordinator(client)
	id := health.ModelIdentity{Provider: "meta", Model: "llama-3.1-8b", Gateway: "fireworks"}

	mr.Close()

	// Availability over coordination: all candidates retained.
	if !c.TryAcquire(context.Background(), id) {
		t.Errorf("coordinator must degrade to retaining candidates")
	}
	if !c.TryAcquire(context.Background(), id) {
		t.Errorf("degraded coordinator must keep retaining candidates")
	}
}

func TestNoopCoordinator(t *testing.T) {
	var c NoopCoordinator
	id := health.ModelIdentity{Provider: "p", Model: "m", Gateway: "g"}
	if !c.TryAcquire(context.Background(), id) {
		t.Errorf("noop coordinator must always retain")
	}
}
