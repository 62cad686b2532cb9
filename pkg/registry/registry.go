// Package registry implements the butler registry: Switchboard is the
// single owner of the butler registry; every other component only reads
// through this package, never writes its own copy: a single owner with
// read-only advertising elsewhere, updated via idempotent upsert.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/butler-fleet/butlers/pkg/database"
	"github.com/butler-fleet/butlers/pkg/models"
)

func MigrationChain() database.MigrationChain {
	return database.MigrationChain{Name: "registry", FS: migrationsFS, Dir: "migrations"}
}

// LivenessPolicy configures how long a registration stays "online" or
// "stale" before it is considered offline.
type LivenessPolicy struct {
	LiveTTL  time.Duration
	StaleTTL time.Duration
}

// DefaultLivenessPolicy (30s online, 2m stale) applies wherever the
// manifest's liveness_ttl_s / stale_ttl_s are zero; pkg/config's own
// defaults for those fields (60s and 300s) differ and take precedence
// when set.
var DefaultLivenessPolicy = LivenessPolicy{LiveTTL: 30 * time.Second, StaleTTL: 2 * time.Minute}

// Registry is Switchboard's butler advertisement store.
type Registry struct {
	db     *sqlx.DB
	table  string
	policy LivenessPolicy
	cache  LivenessCache // optional fast read path; nil disables it entirely
}

func New(db *sqlx.DB, schema string, policy LivenessPolicy) *Registry {
	return &Registry{db: db, table: database.QualifyTable(schema, "butler_registry"), policy: policy}
}

// WithCache attaches a LivenessCache (see NewLivenessCache) that Register
// and Heartbeat write through to, and CachedLiveness reads from.
func (r *Registry) WithCache(cache LivenessCache) *Registry {
	r.cache = cache
	return r
}

// CachedLiveness is the fast path for a hot caller (e.g. a status
// endpoint polled every few seconds) that would rather accept a cached
// answer than pay a DB round trip: it returns ok=false whenever the
// cache is disabled or has no entry, and the caller should fall back to
// Get+Liveness in that case.
func (r *Registry) CachedLiveness(ctx context.Context, name string, now time.Time) (live models.Liveness, ok bool) {
	if r.cache == nil {
		return "", false
	}
	lastSeen, hit := r.cache.Get(ctx, name)
	if !hit {
		return "", false
	}
	return r.Liveness(models.ButlerRegistration{LastSeenAt: lastSeen}, now), true
}

// Register is an idempotent upsert keyed by butler name.
func (r *Registry) Register(ctx context.Context, reg models.ButlerRegistration) error {
	modules, err := reg.Modules.Value()
	if err != nil {
		return fmt.Errorf("registry: marshal modules: %w", err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (name, endpoint_url, modules, capabilities, last_seen_at, route_contract_min, route_contract_max, advertise_flag)
		VALUES ($1, $2, $3::jsonb, $4::jsonb, now(), $5, $6, $7)
		ON CONFLICT (name) DO UPDATE SET
			endpoint_url = EXCLUDED.endpoint_url,
			modules = EXCLUDED.modules,
			capabilities = EXCLUDED.capabilities,
			last_seen_at = now(),
			route_contract_min = EXCLUDED.route_contract_min,
			route_contract_max = EXCLUDED.route_contract_max,
			advertise_flag = EXCLUDED.advertise_flag`, r.table)
	_, err = r.db.ExecContext(ctx, query, reg.Name, reg.EndpointURL, string(modules.([]byte)), string(reg.Capabilities.Raw),
		reg.RouteContractMin, reg.RouteContractMax, reg.AdvertiseFlag)
	if err != nil {
		return fmt.Errorf("registry: register %s: %w", reg.Name, err)
	}
	if r.cache != nil {
		_ = r.cache.Set(ctx, reg.Name, time.Now())
	}
	return nil
}

// Heartbeat bumps last_seen_at without touching any other field.
func (r *Registry) Heartbeat(ctx context.Context, name string) error {
	query := fmt.Sprintf(`UPDATE %s SET last_seen_at = now() WHERE name = $1`, r.table)
	res, err := r.db.ExecContext(ctx, query, name)
	if err != nil {
		return fmt.Errorf("registry: heartbeat %s: %w", name, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("registry: heartbeat %s: not registered", name)
	}
	if r.cache != nil {
		_ = r.cache.Set(ctx, name, time.Now())
	}
	return nil
}

// Liveness classifies a registration's current liveness from
// last_seen_at.
func (r *Registry) Liveness(reg models.ButlerRegistration, now time.Time) models.Liveness {
	age := now.Sub(reg.LastSeenAt)
	switch {
	case age < r.policy.LiveTTL:
		return models.LivenessOnline
	case age < r.policy.StaleTTL:
		return models.LivenessStale
	default:
		return models.LivenessOffline
	}
}

// Get returns one registration by name.
func (r *Registry) Get(ctx context.Context, name string) (*models.ButlerRegistration, error) {
	query := fmt.Sprintf(`SELECT * FROM %s WHERE name = $1`, r.table)
	var reg models.ButlerRegistration
	if err := r.db.GetContext(ctx, &reg, query, name); err != nil {
		return nil, fmt.Errorf("registry: get %s: %w", name, err)
	}
	return &reg, nil
}

// RoutableTargets returns every advertised registration that is online,
// plus stale ones when includeStale is true — the candidate set for
// Switchboard's classifier and router. Offline targets are always excluded.
func (r *Registry) RoutableTargets(ctx context.Context, now time.Time, includeStale bool) ([]models.ButlerRegistration, error) {
	query := fmt.Sprintf(`SELECT * FROM %s WHERE advertise_flag ORDER BY name ASC`, r.table)
	var regs []models.ButlerRegistration
	if err := r.db.SelectContext(ctx, &regs, query); err != nil {
		return nil, fmt.Errorf("registry: list routable targets: %w", err)
	}

	var out []models.ButlerRegistration
	for _, reg := range regs {
		live := r.Liveness(reg, now)
		if live == models.LivenessOnline || (includeStale && live == models.LivenessStale) {
			out = append(out, reg)
		}
	}
	return out, nil
}

// NegotiateVersion checks a route envelope's schema version against a
// target's advertised [route_contract_min, route_contract_max].
// Incompatible envelopes yield validation_error with the supported range
// — callers format that message from the returned bounds.
func (r *Registry) NegotiateVersion(reg models.ButlerRegistration, envelopeVersion int) (ok bool, min, max int) {
	return envelopeVersion >= reg.RouteContractMin && envelopeVersion <= reg.RouteContractMax, reg.RouteContractMin, reg.RouteContractMax
}
