package accesskit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/portmesh/accesskit/logger"
)

func TestInvalidationHubFanOut(t *testing.T) {
	hub := NewInvalidationHub(WithHubLogger(logger.NewNop()))

	var mu sync.Mutex
	var got []InvalidationScope
	hub.Subscribe(InvalidationSubscriberFunc(func(_ context.Context, scope InvalidationScope) error {
		mu.Lock()
		got = append(got, scope)
		mu.Unlock()
		return nil
	}))

	ctx := context.Background()
	hub.Start(ctx)
	defer hub.Stop(ctx)

	hub.Notify(InvalidationScope{Kind: ScopePrincipal, ID: "u1"})
	hub.Notify(InvalidationScope{Kind: ScopeRole, ID: "admin"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 deliveries, got %d", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if got[0].Kind != ScopePrincipal || got[0].ID != "u1" {
		t.Fatalf("unexpected first delivery: %+v", got[0])
	}
	if got[1].Kind != ScopeRole || got[1].ID != "admin" {
		t.Fatalf("unexpected second delivery: %+v", got[1])
	}
}

func TestInvalidationHubDrivesEngineCache(t *testing.T) {
	dir := buildFleetDirectory(t)
	e := newTestEngine(t, dir)

	hub := NewInvalidationHub(WithHubLogger(logger.NewNop()))
	hub.SubscribeEngine(e)
	ctx := context.Background()
	hub.Start(ctx)
	defer hub.Stop(ctx)

	dec, _ := e.Evaluate(ctx, agentPrincipal(), vesselResource("v-1"), "read", nil)
	if !dec.Allowed {
		t.Fatalf("precondition: expected allow")
	}

	dir.RevokeRole("agent-1", "shipping_agent")
	hub.Notify(InvalidationScope{Kind: ScopePrincipal, ID: "agent-1"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		dec, _ = e.Evaluate(ctx, agentPrincipal(), vesselResource("v-1"), "read", nil)
		if !dec.Allowed {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("cache entry survived hub invalidation")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestInvalidationHubStopIsIdempotent(t *testing.T) {
	hub := NewInvalidationHub(WithHubLogger(logger.NewNop()))
	ctx := context.Background()
	hub.Start(ctx)
	hub.Start(ctx)
	if err := hub.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := hub.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}
