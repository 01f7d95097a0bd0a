package accesskit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/portmesh/accesskit/logger"
)

// ============================================================================
// ENGINE
// ============================================================================

// Engine resolves access decisions: given a principal, a requested action on
// a resource, and a context of attributes, it computes whether access is
// allowed, which permission records justified it, and the field-level
// visibility that applies. Evaluation is stateless per call and safe for
// concurrent use.
type Engine struct {
	dir            Directory
	cache          DecisionCache
	cacheTTL       time.Duration
	logger         logger.Logger
	auditStore     AuditStore
	auditCh        chan AuditEntry
	auditOnce      sync.Once
	auditWG        sync.WaitGroup
	recheckCeiling bool
	now            func() time.Time
}

// EngineOption configures an Engine at construction time.
type EngineOption func(*Engine) error

// WithDecisionCache substitutes the decision cache implementation; the
// default is an in-process sharded cache. Deployments needing a shared cache
// inject a networked one without touching the engine.
func WithDecisionCache(c DecisionCache) EngineOption {
	return func(e *Engine) error {
		if c == nil {
			return fmt.Errorf("decision cache must not be nil")
		}
		e.cache = c
		return nil
	}
}

// WithDecisionCacheTTL overrides the default 5 minute decision TTL.
func WithDecisionCacheTTL(ttl time.Duration) EngineOption {
	return func(e *Engine) error {
		if ttl <= 0 {
			return fmt.Errorf("decision cache ttl must be positive")
		}
		e.cacheTTL = ttl
		return nil
	}
}

// WithLogger substitutes the structured logger; the default writes JSON
// lines to stderr.
func WithLogger(l logger.Logger) EngineOption {
	return func(e *Engine) error {
		if l == nil {
			return fmt.Errorf("logger must not be nil")
		}
		e.logger = l
		return nil
	}
}

// WithAuditStore enables asynchronous decision auditing.
func WithAuditStore(s AuditStore) EngineOption {
	return func(e *Engine) error {
		e.auditStore = s
		return nil
	}
}

// WithCeilingRecheck turns on the evaluation-time tenant-ceiling re-check.
// Off by default: write-path validation already guarantees the invariant,
// this guards against stale or out-of-band data at the cost of tenant reads
// on the hot path.
func WithCeilingRecheck(enabled bool) EngineOption {
	return func(e *Engine) error {
		e.recheckCeiling = enabled
		return nil
	}
}

// WithClock substitutes the time source; tests use it to control expiry.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) error {
		if now == nil {
			return fmt.Errorf("clock must not be nil")
		}
		e.now = now
		return nil
	}
}

// NewEngine builds an engine over the read-only directory collaborator.
func NewEngine(dir Directory, opts ...EngineOption) (*Engine, error) {
	if dir == nil {
		return nil, fmt.Errorf("directory is required")
	}
	e := &Engine{
		dir:      dir,
		cache:    NewShardedCache(),
		cacheTTL: 5 * time.Minute,
		logger:   logger.NewPhusluLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if e.auditStore != nil {
		e.auditCh = make(chan AuditEntry, 1024)
		e.auditWG.Add(1)
		go e.auditWorker()
	}
	return e, nil
}

// Close drains the audit worker. Safe to call more than once.
func (e *Engine) Close() {
	e.auditOnce.Do(func() {
		if e.auditCh != nil {
			close(e.auditCh)
			e.auditWG.Wait()
		}
	})
}

// ============================================================================
// EVALUATION
// ============================================================================

// Evaluate is the single-check entry point: read-through on the decision
// cache, full pipeline on miss. The returned decision is non-nil even on
// error; any failure inside the pipeline resolves to deny.
func (e *Engine) Evaluate(ctx context.Context, principal *Principal, resource *Resource, action Action, reqCtx map[string]any) (*Decision, error) {
	return e.evaluate(ctx, principal, resource, action, reqCtx, false)
}

// Explain runs the same pipeline with a per-step trace attached to the
// decision. Traced evaluations bypass the cache so the trace reflects a full
// pass.
func (e *Engine) Explain(ctx context.Context, principal *Principal, resource *Resource, action Action, reqCtx map[string]any) (*Decision, error) {
	return e.evaluate(ctx, principal, resource, action, reqCtx, true)
}

func (e *Engine) evaluate(ctx context.Context, principal *Principal, resource *Resource, action Action, reqCtx map[string]any, trace bool) (*Decision, error) {
	if principal == nil || resource == nil {
		return e.deny(ReasonNoMatchingPermission), fmt.Errorf("principal and resource are required")
	}
	if action == "" {
		return e.deny(ReasonNoMatchingPermission), fmt.Errorf("action is required")
	}

	if resTenant, ok := resource.Attrs["tenant_id"].(string); ok && resTenant != "" && resTenant != principal.TenantID {
		dec := e.deny(ReasonTenantMismatch)
		if trace {
			dec.Trace = append(dec.Trace, fmt.Sprintf("deny: resource tenant %s != principal tenant %s", resTenant, principal.TenantID))
		}
		e.audit(principal, resource, action, dec)
		return dec, nil
	}

	key := e.cacheKey(principal, resource, action, reqCtx)
	if !trace {
		if dec, ok := e.cache.Get(key); ok {
			return dec, nil
		}
	}

	set, err := e.activeRoles(ctx, principal)
	if err != nil {
		dec := e.denyOnError(err)
		e.logger.Error("role aggregation failed", "principal", principal.ID, "error", err.Error())
		e.audit(principal, resource, action, dec)
		return dec, err
	}

	dec, err := e.evaluateWithRoles(ctx, principal, set, resource, action, reqCtx, trace)
	if err != nil {
		e.audit(principal, resource, action, dec)
		return dec, err
	}

	e.cache.Set(key, cachedCopy(dec), CacheTags{PrincipalID: principal.ID, TenantID: principal.TenantID, RoleIDs: set.ids()}, e.cacheTTL)
	e.audit(principal, resource, action, dec)
	return dec, nil
}

// evaluateWithRoles runs matching, condition evaluation and field merging
// against an already aggregated role set. Batch evaluation reuses it so the
// role set is computed once per batch.
func (e *Engine) evaluateWithRoles(ctx context.Context, principal *Principal, set *roleSet, resource *Resource, action Action, reqCtx map[string]any, trace bool) (*Decision, error) {
	dec := &Decision{Timestamp: e.now(), Reason: ReasonNoMatchingPermission}
	if trace {
		dec.Trace = append(dec.Trace, fmt.Sprintf("active roles: %v", set.ids()))
	}

	cands := candidates(set, resource)
	if trace {
		dec.Trace = append(dec.Trace, fmt.Sprintf("candidate permissions: %d", len(cands)))
	}

	ec := &EvalContext{Principal: principal, Resource: resource, Context: reqCtx}
	var matched []*Permission
	for _, perm := range cands {
		if err := ctx.Err(); err != nil {
			d := e.denyOnError(err)
			d.Trace = dec.Trace
			return d, err
		}
		if !perm.HasAction(action) {
			if trace {
				dec.Trace = append(dec.Trace, fmt.Sprintf("permission %s: action %s not granted", perm.ID, action))
			}
			continue
		}
		ok := e.satisfied(perm, ec, dec, trace)
		if ok {
			matched = append(matched, perm)
		}
	}

	if len(matched) > 0 && e.recheckCeiling {
		ok, err := e.effectiveCeilingAllows(ctx, principal.TenantID, resource.Type, action)
		if err != nil {
			d := e.denyOnError(err)
			d.Trace = dec.Trace
			return d, err
		}
		if !ok {
			dec.Reason = ReasonCeilingExceeded
			if trace {
				dec.Trace = append(dec.Trace, fmt.Sprintf("deny: %s/%s outside tenant ceiling", resource.Type, action))
			}
			return dec, nil
		}
	}

	if len(matched) == 0 {
		if trace {
			dec.Trace = append(dec.Trace, "deny: no matching permission")
		}
		return dec, nil
	}

	dec.Allowed = true
	dec.Reason = ReasonPermissionMatch
	dec.MatchedPermissionIDs = make([]string, 0, len(matched))
	for _, perm := range matched {
		dec.MatchedPermissionIDs = append(dec.MatchedPermissionIDs, perm.ID)
	}
	sort.Strings(dec.MatchedPermissionIDs)
	dec.FieldPermissions = MergeFields(matched)
	if trace {
		dec.Trace = append(dec.Trace, fmt.Sprintf("allow: matched %v", dec.MatchedPermissionIDs))
	}
	return dec, nil
}

// satisfied evaluates a permission's compiled predicates against the request
// context. Unconditional permissions always pass. A malformed predicate or a
// type mismatch counts as not-satisfied and is logged, never thrown.
func (e *Engine) satisfied(perm *Permission, ec *EvalContext, dec *Decision, trace bool) bool {
	preds, err := perm.Predicates()
	if err != nil {
		e.logger.Error("skipping permission with malformed conditions", "permission", perm.ID, "error", err.Error())
		if trace {
			dec.Trace = append(dec.Trace, fmt.Sprintf("permission %s: malformed conditions", perm.ID))
		}
		return false
	}
	for _, pred := range preds {
		ok, err := pred.Satisfied(ec)
		if err != nil {
			e.logger.Error("condition evaluation degraded to not-satisfied", "permission", perm.ID, "predicate", pred.String(), "error", err.Error())
			if trace {
				dec.Trace = append(dec.Trace, fmt.Sprintf("permission %s: predicate %s errored: %v", perm.ID, pred, err))
			}
			return false
		}
		if !ok {
			if trace {
				dec.Trace = append(dec.Trace, fmt.Sprintf("permission %s: predicate %s not satisfied", perm.ID, pred))
			}
			return false
		}
	}
	if trace {
		dec.Trace = append(dec.Trace, fmt.Sprintf("permission %s: satisfied", perm.ID))
	}
	return true
}

// EvaluateBatch resolves several resource/action checks for one principal,
// aggregating the active role set once and reusing it across every check.
func (e *Engine) EvaluateBatch(ctx context.Context, principal *Principal, checks []Check, reqCtx map[string]any) ([]CheckResult, error) {
	if principal == nil {
		return nil, fmt.Errorf("principal is required")
	}
	results := make([]CheckResult, len(checks))

	var (
		set    *roleSet
		setErr error
		loaded bool
	)
	loadSet := func() (*roleSet, error) {
		if !loaded {
			set, setErr = e.activeRoles(ctx, principal)
			loaded = true
		}
		return set, setErr
	}

	for i, check := range checks {
		results[i] = CheckResult{Resource: check.Resource, Action: check.Action}
		if check.Resource == nil || check.Action == "" {
			results[i].Decision = e.deny(ReasonNoMatchingPermission)
			continue
		}
		if resTenant, ok := check.Resource.Attrs["tenant_id"].(string); ok && resTenant != "" && resTenant != principal.TenantID {
			results[i].Decision = e.deny(ReasonTenantMismatch)
			e.audit(principal, check.Resource, check.Action, results[i].Decision)
			continue
		}
		key := e.cacheKey(principal, check.Resource, check.Action, reqCtx)
		if dec, ok := e.cache.Get(key); ok {
			results[i].Decision = dec
			continue
		}
		rs, err := loadSet()
		if err != nil {
			e.logger.Error("role aggregation failed", "principal", principal.ID, "error", err.Error())
			results[i].Decision = e.denyOnError(err)
			continue
		}
		dec, err := e.evaluateWithRoles(ctx, principal, rs, check.Resource, check.Action, reqCtx, false)
		if err != nil {
			results[i].Decision = dec
			continue
		}
		e.cache.Set(key, cachedCopy(dec), CacheTags{PrincipalID: principal.ID, TenantID: principal.TenantID, RoleIDs: rs.ids()}, e.cacheTTL)
		results[i].Decision = dec
		e.audit(principal, check.Resource, check.Action, dec)
	}
	return results, nil
}

// ============================================================================
// INVALIDATION
// ============================================================================

// Invalidate is the hook the CRUD collaborator calls synchronously after any
// committed write to permission, role, role-permission, group, group-role,
// user-role or user-group records. The engine never observes writes itself.
func (e *Engine) Invalidate(scope InvalidationScope) {
	e.cache.Invalidate(scope)
	e.logger.Debug("decision cache invalidated", "scope", scope.Kind.String(), "id", scope.ID)
}

// ============================================================================
// HELPERS
// ============================================================================

func (e *Engine) cacheKey(principal *Principal, resource *Resource, action Action, reqCtx map[string]any) CacheKey {
	return CacheKey{
		PrincipalID:  principal.ID,
		ResourceType: resource.Type,
		ResourceRef:  resource.Ref(),
		Action:       action,
		ContextFP:    ContextFingerprint(reqCtx),
	}
}

func (e *Engine) deny(reason ReasonCode) *Decision {
	return &Decision{Allowed: false, Reason: reason, Timestamp: e.now()}
}

// denyOnError maps pipeline failures to a denial: deadline or cancellation
// becomes a distinguishable timeout, anything else is a plain refusal. The
// model has no explicit-deny construct, so fail-open is never acceptable.
func (e *Engine) denyOnError(err error) *Decision {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return e.deny(ReasonTimeout)
	}
	return e.deny(ReasonNoMatchingPermission)
}

// cachedCopy strips the trace before an entry goes into the cache.
func cachedCopy(dec *Decision) *Decision {
	cp := *dec
	cp.Trace = nil
	return &cp
}

func (e *Engine) audit(principal *Principal, resource *Resource, action Action, dec *Decision) {
	e.logger.Info("access decision",
		"tenant", principal.TenantID,
		"principal", principal.ID,
		"resource", resource.Type+":"+resource.Ref(),
		"action", string(action),
		"allowed", dec.Allowed,
		"reason", string(dec.Reason),
	)
	if e.auditCh == nil {
		return
	}
	entry := AuditEntry{
		ID:           uuid.NewString(),
		Timestamp:    dec.Timestamp,
		TenantID:     principal.TenantID,
		PrincipalID:  principal.ID,
		ResourceType: resource.Type,
		ResourceRef:  resource.Ref(),
		Action:       action,
		Allowed:      dec.Allowed,
		Reason:       dec.Reason,
		MatchedIDs:   dec.MatchedPermissionIDs,
	}
	select {
	case e.auditCh <- entry:
	default:
		// drop rather than block the hot path
	}
}

func (e *Engine) auditWorker() {
	defer e.auditWG.Done()
	bg := context.Background()
	for entry := range e.auditCh {
		if err := e.auditStore.LogDecision(bg, &entry); err != nil {
			e.logger.Error("audit write failed", "entry", entry.ID, "error", err.Error())
		}
	}
}
