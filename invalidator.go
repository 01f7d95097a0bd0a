package accesskit

import (
	"context"
	"fmt"
	"sync"

	"github.com/portmesh/accesskit/logger"
)

// ============================================================================
// INVALIDATION HUB
// ============================================================================

// InvalidationSubscriber receives invalidation scopes fanned out by the hub.
// Engine instances subscribe their caches; a deployment spanning several
// processes bridges the hub over its message bus by registering a forwarding
// subscriber on the writing side.
type InvalidationSubscriber interface {
	OnInvalidate(ctx context.Context, scope InvalidationScope) error
}

// InvalidationSubscriberFunc adapts a plain function to the subscriber
// contract.
type InvalidationSubscriberFunc func(ctx context.Context, scope InvalidationScope) error

func (f InvalidationSubscriberFunc) OnInvalidate(ctx context.Context, scope InvalidationScope) error {
	return f(ctx, scope)
}

// InvalidationHub decouples the CRUD write path from the set of caches that
// must observe a mutation. The write path calls Notify once per committed
// change; the hub delivers the scope to every subscriber asynchronously.
// Delivery is at-most-once: a full queue drops the notification rather than
// blocking a write, and the dropped scope is logged so operators can fall
// back to a ScopeAll sweep.
type InvalidationHub struct {
	notifyCh    chan InvalidationScope
	stopCh      chan struct{}
	subscribers []InvalidationSubscriber
	logger      logger.Logger
	mu          sync.RWMutex
	started     bool
	wg          sync.WaitGroup
}

// InvalidationHubOption configures the hub.
type InvalidationHubOption func(*InvalidationHub)

// WithHubLogger substitutes the hub's logger.
func WithHubLogger(l logger.Logger) InvalidationHubOption {
	return func(h *InvalidationHub) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithHubQueueSize resizes the notification queue (default 1024).
func WithHubQueueSize(n int) InvalidationHubOption {
	return func(h *InvalidationHub) {
		if n > 0 {
			h.notifyCh = make(chan InvalidationScope, n)
		}
	}
}

func NewInvalidationHub(opts ...InvalidationHubOption) *InvalidationHub {
	h := &InvalidationHub{
		notifyCh: make(chan InvalidationScope, 1024),
		stopCh:   make(chan struct{}),
		logger:   logger.NewPhusluLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers a subscriber. Registration after Start is allowed.
func (h *InvalidationHub) Subscribe(sub InvalidationSubscriber) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers = append(h.subscribers, sub)
}

// SubscribeEngine wires an engine's decision cache into the hub.
func (h *InvalidationHub) SubscribeEngine(e *Engine) {
	if e == nil {
		return
	}
	h.Subscribe(InvalidationSubscriberFunc(func(_ context.Context, scope InvalidationScope) error {
		e.Invalidate(scope)
		return nil
	}))
}

// Start launches the delivery worker. Idempotent.
func (h *InvalidationHub) Start(ctx context.Context) {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return
	}
	h.started = true
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.stopCh:
				return
			case scope := <-h.notifyCh:
				h.deliver(ctx, scope)
			}
		}
	}()
}

// Stop halts delivery, waiting for the worker up to ctx's deadline.
func (h *InvalidationHub) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return nil
	}
	h.started = false
	h.mu.Unlock()

	close(h.stopCh)
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Notify enqueues a scope for fan-out. Never blocks.
func (h *InvalidationHub) Notify(scope InvalidationScope) {
	select {
	case h.notifyCh <- scope:
	default:
		h.logger.Error("invalidation queue full, notification dropped",
			"scope", scope.Kind.String(), "id", scope.ID)
	}
}

func (h *InvalidationHub) deliver(ctx context.Context, scope InvalidationScope) {
	h.mu.RLock()
	subs := append([]InvalidationSubscriber(nil), h.subscribers...)
	h.mu.RUnlock()
	for _, sub := range subs {
		if err := sub.OnInvalidate(ctx, scope); err != nil {
			h.logger.Error("invalidation subscriber failed",
				"scope", scope.Kind.String(), "id", scope.ID,
				"error", fmt.Sprint(err))
		}
	}
}
