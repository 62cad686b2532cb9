package messenger

import (
	"sync"

	"golang.org/x/time/rate"
)

// admission layers three budgets: a global delivery
// budget, a per (channel, identity_scope) budget, and a per-recipient
// anti-flood budget. Each is a token bucket (golang.org/x/time/rate,
// grounded on r3e-network_service_layer/BaSui01-agentflow's use of the
// same package for rate limiting), created lazily per key and guarded by
// its own lock.
type admission struct {
	global      *rate.Limiter
	globalReply *rate.Limiter // small reserved headroom so reply intents aren't starved by send traffic

	mu        sync.Mutex
	perScope  map[string]*rate.Limiter
	perTarget map[string]*rate.Limiter

	scopeRate   rate.Limit
	scopeBurst  int
	targetRate  rate.Limit
	targetBurst int
}

// AdmissionConfig configures the three token-bucket tiers.
type AdmissionConfig struct {
	GlobalRate   rate.Limit
	GlobalBurst  int
	ScopeRate    rate.Limit
	ScopeBurst   int
	TargetRate   rate.Limit
	TargetBurst  int
}

// DefaultAdmissionConfig mirrors the manifest defaults documented in
// the messenger manifest defaults.
var DefaultAdmissionConfig = AdmissionConfig{
	GlobalRate: 20, GlobalBurst: 40,
	ScopeRate: 5, ScopeBurst: 10,
	TargetRate: 1, TargetBurst: 3,
}

func newAdmission(cfg AdmissionConfig) *admission {
	// The reply reserve is a fraction of the global budget, admitted only
	// once the main global bucket is exhausted, so ordinary send/react
	// traffic can't starve reply delivery under contention: reply intents
	// preempt non-reply.
	replyRate := cfg.GlobalRate / 4
	replyBurst := cfg.GlobalBurst / 4
	if replyBurst < 1 {
		replyBurst = 1
	}
	return &admission{
		global:      rate.NewLimiter(cfg.GlobalRate, cfg.GlobalBurst),
		globalReply: rate.NewLimiter(replyRate, replyBurst),
		perScope:    map[string]*rate.Limiter{},
		perTarget:   map[string]*rate.Limiter{},
		scopeRate:   cfg.ScopeRate, scopeBurst: cfg.ScopeBurst,
		targetRate: cfg.TargetRate, targetBurst: cfg.TargetBurst,
	}
}

// Allow reports whether a delivery to (channel, identityScope, target)
// may proceed right now under the layered global -> scope -> target
// budgets.
func (a *admission) Allow(channel, identityScope, target string, isReply bool) bool {
	if !a.global.Allow() {
		if !isReply || !a.globalReply.Allow() {
			return false
		}
	}
	scopeLimiter := a.scopeLimiterFor(channel + "\x1f" + identityScope)
	if !scopeLimiter.Allow() {
		return false
	}
	targetLimiter := a.targetLimiterFor(channel + "\x1f" + target)
	return targetLimiter.Allow()
}

func (a *admission) scopeLimiterFor(key string) *rate.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.perScope[key]
	if !ok {
		l = rate.NewLimiter(a.scopeRate, a.scopeBurst)
		a.perScope[key] = l
	}
	return l
}

func (a *admission) targetLimiterFor(key string) *rate.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.perTarget[key]
	if !ok {
		l = rate.NewLimiter(a.targetRate, a.targetBurst)
		a.perTarget[key] = l
	}
	return l
}
