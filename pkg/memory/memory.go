// Package memory implements the episode/fact/rule memory
// subsystem, its three independent lifecycle state machines, and the
// token-budgeted retrieval (memory_context) that feeds the spawner's
// system prompt composition. The consolidation worker's
// *internals* — how an episode's free text actually gets turned into
// facts and rules — live outside this repository; this package builds
// the hook surface (Consolidator) and the scoring/decay math, and a
// Worker that drives state transitions around whatever a Consolidator
// implementation decides.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkoukk/tiktoken-go"

	"github.com/butler-fleet/butlers/pkg/database"
	"github.com/butler-fleet/butlers/pkg/models"
)

// MigrationChain is this module's schema contribution.
func MigrationChain() database.MigrationChain {
	return database.MigrationChain{Name: "memory", FS: migrationsFS, Dir: "migrations"}
}

// GlobalScope is the scope name visible to every tenant regardless of
// caller_scope.
const GlobalScope = "global"

// Budget configures retrieval's token budget and per-section quotas.
type Budget struct {
	MaxTokens     int
	FactQuota     int
	RuleQuota     int
	EpisodeQuota  int // 0 disables episode inclusion in retrieval
	FadingThreshold float64
}

// DefaultBudget mirrors the manifest defaults documented in
// the memory module manifest defaults.
var DefaultBudget = Budget{MaxTokens: 2000, FactQuota: 20, RuleQuota: 10, EpisodeQuota: 5, FadingThreshold: 0.3}

// Tokenizer counts tokens the way retrieval's budget enforcement does.
type Tokenizer interface {
	Count(text string) int
}

// tiktokenCounter wraps github.com/pkoukk/tiktoken-go's cl100k_base
// encoding, the configured tokenizer the retrieval budget counts with.
type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func (t tiktokenCounter) Count(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

// NewTiktokenCounter builds the default Tokenizer.
func NewTiktokenCounter() (Tokenizer, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("memory: load tokenizer: %w", err)
	}
	return tiktokenCounter{enc: enc}, nil
}

// Store is the episode/fact/rule repository plus retrieval, scoped to
// one butler schema.
type Store struct {
	db        *sqlx.DB
	episodes  string
	facts     string
	rules     string
	budget    Budget
	tokenizer Tokenizer
	log       *slog.Logger
}

// New returns a Store scoped to schema. tokenizer may be nil to use the
// default tiktoken-go cl100k_base counter.
func New(db *sqlx.DB, schema string, budget Budget, tokenizer Tokenizer, log *slog.Logger) (*Store, error) {
	if tokenizer == nil {
		var err error
		tokenizer, err = NewTiktokenCounter()
		if err != nil {
			return nil, err
		}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		db:        db,
		episodes:  database.QualifyTable(schema, "episodes"),
		facts:     database.QualifyTable(schema, "facts"),
		rules:     database.QualifyTable(schema, "rules"),
		budget:    budget,
		tokenizer: tokenizer,
		log:       log.With("component", "memory"),
	}, nil
}

// RecordEpisode appends a new pending episode, satisfying the
// spawner.MemoryProvider interface's RecordEpisode method (fail-open
// callers treat errors as non-fatal).
func (s *Store) RecordEpisode(ctx context.Context, tenant, content string) error {
	return s.RecordEpisodeTTL(ctx, tenant, GlobalScope, content, nil, 30*24*time.Hour)
}

// RecordEpisodeTTL appends a pending episode with an explicit scope,
// source session, and TTL.
func (s *Store) RecordEpisodeTTL(ctx context.Context, tenant, scope, content string, sourceSessionID *string, ttl time.Duration) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (tenant, scope, content, source_session_id, expires_at, state)
		VALUES ($1, $2, $3, $4, $5, 'pending')`, s.episodes)
	_, err := s.db.ExecContext(ctx, query, tenant, scope, content, sourceSessionID, time.Now().Add(ttl))
	if err != nil {
		return fmt.Errorf("memory: record episode: %w", err)
	}
	return nil
}

// UpsertFact inserts or refreshes one active fact, enforced unique on
// (tenant, scope, subject, predicate) while active. A
// conflicting insert supersedes nothing automatically — callers that
// intend to replace an existing fact should call SupersedeFact first;
// this mirrors the DB-level uniqueness constraint being the sole source
// of truth rather than application-side read-then-write races.
func (s *Store) UpsertFact(ctx context.Context, f models.Fact) (int64, error) {
	query := fmt.Sprintf(`
		INSERT INTO %s (tenant, scope, subject, predicate, content, confidence, decay_rate, importance, state, last_confirmed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'active', now())
		ON CONFLICT (tenant, scope, subject, predicate) WHERE state = 'active'
		DO UPDATE SET content = EXCLUDED.content, confidence = EXCLUDED.confidence,
			decay_rate = EXCLUDED.decay_rate, importance = EXCLUDED.importance,
			last_confirmed_at = now(), updated_at = now()
		RETURNING id`, s.facts)
	var id int64
	err := s.db.GetContext(ctx, &id, query, f.Tenant, f.Scope, f.Subject, f.Predicate, f.Content, f.Confidence, f.DecayRate, f.Importance)
	if err != nil {
		return 0, fmt.Errorf("memory: upsert fact: %w", err)
	}
	return id, nil
}

// ConfirmFact bumps last_confirmed_at, resetting effective-confidence
// decay.
func (s *Store) ConfirmFact(ctx context.Context, id int64) error {
	query := fmt.Sprintf(`UPDATE %s SET last_confirmed_at = now(), updated_at = now() WHERE id = $1 AND state = 'active'`, s.facts)
	_, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("memory: confirm fact %d: %w", id, err)
	}
	return nil
}

// RetractFact soft-deletes a fact by moving it to the retracted state.
// The legacy input
// alias "forgotten" is normalized by models.NormalizeFactState before
// reaching here.
func (s *Store) RetractFact(ctx context.Context, id int64) error {
	return s.transitionFact(ctx, id, models.FactRetracted)
}

// SupersedeFact marks a fact superseded, typically just before inserting
// its replacement via UpsertFact.
func (s *Store) SupersedeFact(ctx context.Context, id int64) error {
	return s.transitionFact(ctx, id, models.FactSuperseded)
}

func (s *Store) transitionFact(ctx context.Context, id int64, state models.FactState) error {
	query := fmt.Sprintf(`UPDATE %s SET state = $2, updated_at = now() WHERE id = $1`, s.facts)
	_, err := s.db.ExecContext(ctx, query, id, state)
	if err != nil {
		return fmt.Errorf("memory: transition fact %d to %s: %w", id, state, err)
	}
	return nil
}

// RunDecaySweep moves active facts whose effective confidence has
// dropped below the configured fading threshold into the fading state,
// and expires facts whose effective confidence has decayed to
// negligible. The decay math is run
// periodically (e.g. from a scheduled task), not as a continuous
// background worker (one
// goroutine per butler at most, not per-tenant-sharded).
func (s *Store) RunDecaySweep(ctx context.Context, now time.Time) (fading, expired int64, err error) {
	var active []models.Fact
	query := fmt.Sprintf(`SELECT * FROM %s WHERE state = 'active'`, s.facts)
	if err := s.db.SelectContext(ctx, &active, query); err != nil {
		return 0, 0, fmt.Errorf("memory: decay sweep: load active facts: %w", err)
	}

	for _, f := range active {
		eff := f.EffectiveConfidence(now)
		switch {
		case eff < 0.01:
			if err := s.transitionFact(ctx, f.ID, models.FactExpired); err != nil {
				return fading, expired, err
			}
			expired++
		case eff < s.budget.FadingThreshold:
			if err := s.transitionFact(ctx, f.ID, models.FactFading); err != nil {
				return fading, expired, err
			}
			fading++
		}
	}
	return fading, expired, nil
}

// CreateRule registers a new candidate rule.
func (s *Store) CreateRule(ctx context.Context, tenant, scope, content string) (int64, error) {
	query := fmt.Sprintf(`
		INSERT INTO %s (tenant, scope, content, maturity)
		VALUES ($1, $2, $3, 'candidate') RETURNING id`, s.rules)
	var id int64
	if err := s.db.GetContext(ctx, &id, query, tenant, scope, content); err != nil {
		return 0, fmt.Errorf("memory: create rule: %w", err)
	}
	return id, nil
}

// RecordRuleEvidence increments a rule's helpful/harmful counter and
// reclassifies its maturity from the resulting net effectiveness;
// harmful evidence outweighs helpful.
func (s *Store) RecordRuleEvidence(ctx context.Context, id int64, helpful bool) error {
	col := "helpful_count"
	if !helpful {
		col = "harmful_count"
	}
	query := fmt.Sprintf(`UPDATE %s SET %s = %s + 1, updated_at = now() WHERE id = $1 RETURNING helpful_count, harmful_count, maturity`, s.rules, col, col)
	var r models.Rule
	if err := s.db.GetContext(ctx, &r, query, id); err != nil {
		return fmt.Errorf("memory: record rule evidence %d: %w", id, err)
	}
	newMaturity := reclassify(r)
	if newMaturity != r.Maturity {
		upd := fmt.Sprintf(`UPDATE %s SET maturity = $2, updated_at = now() WHERE id = $1`, s.rules)
		if _, err := s.db.ExecContext(ctx, upd, id, newMaturity); err != nil {
			return fmt.Errorf("memory: reclassify rule %d: %w", id, err)
		}
	}
	return nil
}

func reclassify(r models.Rule) models.RuleMaturity {
	eff := r.Effectiveness()
	switch {
	case eff < 0:
		return models.RuleAntiPattern
	case r.HelpfulCount >= 10 && eff >= 8:
		return models.RuleProven
	case r.HelpfulCount >= 3 && eff > 0:
		return models.RuleEstablished
	default:
		return r.Maturity
	}
}

// Context builds the memory_context block appended to a butler's system
// prompt, satisfying the spawner.MemoryProvider interface.
// tenant is treated as caller_scope; retrieval always also includes
// GlobalScope.
func (s *Store) Context(ctx context.Context, tenant string) (string, error) {
	items, err := s.Retrieve(ctx, tenant, tenant)
	if err != nil {
		return "", err
	}
	if len(items) == 0 {
		return "", nil
	}
	out := "## Memory context\n"
	for _, it := range items {
		out += fmt.Sprintf("- [%s] %s\n", it.Kind, it.Text)
	}
	return out, nil
}

// Retrieve returns a deterministically ordered, token-budgeted set of
// facts and rules (and recent episodes, if EpisodeQuota > 0) for tenant,
// scoped to callerScope ∪ GlobalScope. Tie-breakers are score
// DESC, created_at DESC, id ASC, applied per section quota before the
// overall token budget is enforced across the combined, score-ordered
// list.
func (s *Store) Retrieve(ctx context.Context, tenant, callerScope string) ([]models.MemoryItem, error) {
	facts, err := s.retrieveFacts(ctx, tenant, callerScope)
	if err != nil {
		return nil, err
	}
	rules, err := s.retrieveRules(ctx, tenant, callerScope)
	if err != nil {
		return nil, err
	}

	items := append(facts, rules...)
	if s.budget.EpisodeQuota > 0 {
		episodes, err := s.retrieveEpisodes(ctx, tenant, callerScope)
		if err != nil {
			return nil, err
		}
		items = append(items, episodes...)
	}

	sortByScore(items)
	return s.enforceBudget(items), nil
}

func (s *Store) retrieveFacts(ctx context.Context, tenant, callerScope string) ([]models.MemoryItem, error) {
	query := fmt.Sprintf(`
		SELECT id, content, confidence, decay_rate, importance, last_confirmed_at, created_at
		FROM %s
		WHERE tenant = $1 AND scope IN ($2, $3) AND state IN ('active', 'fading')
		ORDER BY created_at DESC LIMIT $4`, s.facts)

	rows, err := s.db.QueryxContext(ctx, query, tenant, callerScope, GlobalScope, s.budget.FactQuota)
	if err != nil {
		return nil, fmt.Errorf("memory: retrieve facts: %w", err)
	}
	defer rows.Close()

	now := time.Now()
	var out []models.MemoryItem
	for rows.Next() {
		var id int64
		var content string
		var confidence, decayRate, importance float64
		var lastConfirmed, createdAt time.Time
		if err := rows.Scan(&id, &content, &confidence, &decayRate, &importance, &lastConfirmed, &createdAt); err != nil {
			return nil, fmt.Errorf("memory: retrieve facts: scan: %w", err)
		}
		eff := models.Fact{Confidence: confidence, DecayRate: decayRate, LastConfirmedAt: lastConfirmed}.EffectiveConfidence(now)
		out = append(out, models.MemoryItem{
			Kind: "fact", ID: id, Text: content, Relevance: 1.0,
			Importance: importance, Recency: recencyScore(createdAt, now), Confidence: eff,
			CreatedAt: createdAt,
		})
	}
	return out, nil
}

func (s *Store) retrieveRules(ctx context.Context, tenant, callerScope string) ([]models.MemoryItem, error) {
	query := fmt.Sprintf(`
		SELECT id, content, helpful_count, harmful_count, created_at
		FROM %s
		WHERE tenant = $1 AND scope IN ($2, $3) AND maturity IN ('established', 'proven')
		ORDER BY created_at DESC LIMIT $4`, s.rules)

	rows, err := s.db.QueryxContext(ctx, query, tenant, callerScope, GlobalScope, s.budget.RuleQuota)
	if err != nil {
		return nil, fmt.Errorf("memory: retrieve rules: %w", err)
	}
	defer rows.Close()

	now := time.Now()
	var out []models.MemoryItem
	for rows.Next() {
		var id, helpful, harmful int64
		var content string
		var createdAt time.Time
		if err := rows.Scan(&id, &content, &helpful, &harmful, &createdAt); err != nil {
			return nil, fmt.Errorf("memory: retrieve rules: scan: %w", err)
		}
		importance := clamp01(float64(helpful-2*harmful) / 10)
		out = append(out, models.MemoryItem{
			Kind: "rule", ID: id, Text: content, Relevance: 1.0,
			Importance: importance, Recency: recencyScore(createdAt, now), Confidence: 1.0,
			CreatedAt: createdAt,
		})
	}
	return out, nil
}

func (s *Store) retrieveEpisodes(ctx context.Context, tenant, callerScope string) ([]models.MemoryItem, error) {
	query := fmt.Sprintf(`
		SELECT id, content, created_at FROM %s
		WHERE tenant = $1 AND scope IN ($2, $3) AND state = 'consolidated'
		ORDER BY created_at DESC LIMIT $4`, s.episodes)

	rows, err := s.db.QueryxContext(ctx, query, tenant, callerScope, GlobalScope, s.budget.EpisodeQuota)
	if err != nil {
		return nil, fmt.Errorf("memory: retrieve episodes: %w", err)
	}
	defer rows.Close()

	now := time.Now()
	var out []models.MemoryItem
	for rows.Next() {
		var id int64
		var content string
		var createdAt time.Time
		if err := rows.Scan(&id, &content, &createdAt); err != nil {
			return nil, fmt.Errorf("memory: retrieve episodes: scan: %w", err)
		}
		out = append(out, models.MemoryItem{
			Kind: "episode", ID: id, Text: content, Relevance: 0.6,
			Importance: 0.3, Recency: recencyScore(createdAt, now), Confidence: 1.0,
			CreatedAt: createdAt,
		})
	}
	return out, nil
}

func recencyScore(t, now time.Time) float64 {
	days := now.Sub(t).Hours() / 24
	if days < 0 {
		days = 0
	}
	// 1 at creation, 1/2 at 14 days, 1/3 at 28 days (hyperbolic, never
	// reaching 0); clamps to [0, 1].
	return clamp01(1.0 / (1.0 + days/14.0))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// sortByScore orders items by Score() DESC, CreatedAt DESC, ID ASC.
func sortByScore(items []models.MemoryItem) {
	// Simple insertion sort: retrieval sets are small (bounded by
	// per-section quotas), so O(n^2) is fine and keeps the tie-break
	// comparison in one readable place.
	for i := 1; i < len(items); i++ {
		j := i
		for j > 0 && less(items[j], items[j-1]) {
			items[j], items[j-1] = items[j-1], items[j]
			j--
		}
	}
}

// less reports whether a sorts before b under score DESC, created_at
// DESC, id ASC.
func less(a, b models.MemoryItem) bool {
	sa, sb := a.Score(), b.Score()
	if sa != sb {
		return sa > sb
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (s *Store) enforceBudget(items []models.MemoryItem) []models.MemoryItem {
	var out []models.MemoryItem
	used := 0
	for _, it := range items {
		cost := s.tokenizer.Count(it.Text)
		if used+cost > s.budget.MaxTokens {
			continue
		}
		used += cost
		out = append(out, it)
	}
	return out
}

// Consolidator turns one pending episode into durable facts/rules. Its
// implementation is an external collaborator; this package only defines
// the hook and drives the episode state machine around it.
type Consolidator interface {
	Consolidate(ctx context.Context, episode models.Episode) ([]models.Fact, []models.Rule, error)
}

// Worker drains pending episodes through a Consolidator, advancing each
// episode's state machine: pending -> consolidated | failed ->
// dead_letter after MaxRetries.
type Worker struct {
	store       *Store
	consolidator Consolidator
	maxRetries  int
	log         *slog.Logger
}

// NewWorker builds a consolidation worker. One instance runs per butler
// process.
func NewWorker(store *Store, consolidator Consolidator, maxRetries int, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Worker{store: store, consolidator: consolidator, maxRetries: maxRetries, log: log.With("component", "memory_worker")}
}

// RunOnce processes up to limit pending or failed episodes, so a failed
// episode is retried until it consolidates or reaches dead_letter. Intended
// to be invoked from a scheduled task tick rather than a tight in-process
// loop, keeping the CPU-bound portion (deciding what to do) short.
func (w *Worker) RunOnce(ctx context.Context, limit int) (processed int, err error) {
	query := fmt.Sprintf(`SELECT * FROM %s WHERE state IN ('pending', 'failed') ORDER BY created_at ASC LIMIT $1`, w.store.episodes)
	var episodes []models.Episode
	if err := w.store.db.SelectContext(ctx, &episodes, query, limit); err != nil {
		return 0, fmt.Errorf("memory worker: load pending episodes: %w", err)
	}

	for _, ep := range episodes {
		w.processOne(ctx, ep)
		processed++
	}
	return processed, nil
}

func (w *Worker) processOne(ctx context.Context, ep models.Episode) {
	facts, rules, err := w.consolidator.Consolidate(ctx, ep)
	if err != nil {
		w.handleFailure(ctx, ep, err)
		return
	}
	for _, f := range facts {
		if _, uerr := w.store.UpsertFact(ctx, f); uerr != nil {
			w.handleFailure(ctx, ep, uerr)
			return
		}
	}
	for _, r := range rules {
		if _, cerr := w.store.CreateRule(ctx, r.Tenant, r.Scope, r.Content); cerr != nil {
			w.handleFailure(ctx, ep, cerr)
			return
		}
	}
	w.setState(ctx, ep.ID, models.EpisodeConsolidated, ep.RetryCount, nil)
}

func (w *Worker) handleFailure(ctx context.Context, ep models.Episode, err error) {
	errStr := err.Error()
	retryCount := ep.RetryCount + 1
	state := models.EpisodeFailed
	if retryCount >= w.maxRetries {
		state = models.EpisodeDeadLetter
	}
	w.log.Warn("episode consolidation failed", "episode_id", ep.ID, "retry_count", retryCount, "state", state, "error", err)
	w.setState(ctx, ep.ID, state, retryCount, &errStr)
}

func (w *Worker) setState(ctx context.Context, id int64, state models.EpisodeState, retryCount int, lastErr *string) {
	query := fmt.Sprintf(`UPDATE %s SET state = $2, retry_count = $3, last_error = $4 WHERE id = $1`, w.store.episodes)
	if _, err := w.store.db.ExecContext(ctx, query, id, state, retryCount, lastErr); err != nil {
		w.log.Error("failed to update episode state", "episode_id", id, "error", err)
	}
}
