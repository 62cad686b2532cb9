package models

import (
	"math"
	"time"
)

// EpisodeState is the consolidation lifecycle of one raw memory
// observation.
type EpisodeState string

const (
	EpisodePending      EpisodeState = "pending"
	EpisodeConsolidated EpisodeState = "consolidated"
	EpisodeFailed       EpisodeState = "failed"
	EpisodeDeadLetter   EpisodeState = "dead_letter"
)

// Episode is an append-only, TTL-managed observation awaiting
// consolidation into facts/rules.
type Episode struct {
	ID             int64        `db:"id"`
	Tenant         string       `db:"tenant"`
	Scope          string       `db:"scope"`
	Content        string       `db:"content"`
	SourceSessionID *string     `db:"source_session_id"`
	CreatedAt      time.Time    `db:"created_at"`
	ExpiresAt      time.Time    `db:"expires_at"`
	State          EpisodeState `db:"state"`
	RetryCount     int          `db:"retry_count"`
	LastError      *string      `db:"last_error"`
}

// FactState is the lifecycle state machine of one memorized fact.
// The legacy string "forgotten" is an input alias
// normalized to canonical FactRetracted.
type FactState string

const (
	FactActive     FactState = "active"
	FactFading     FactState = "fading"
	FactSuperseded FactState = "superseded"
	FactExpired    FactState = "expired"
	FactRetracted  FactState = "retracted"
)

// NormalizeFactState canonicalizes legacy aliases. "forgotten" was the
// source system's string for what this implementation calls "retracted".
func NormalizeFactState(s string) FactState {
	if s == "forgotten" {
		return FactRetracted
	}
	return FactState(s)
}

// Fact is one subject/predicate/content memory fact, unique per
// (tenant, scope, subject, predicate) while active (DB-enforced).
type Fact struct {
	ID                int64     `db:"id"`
	Tenant            string    `db:"tenant"`
	Scope             string    `db:"scope"`
	Subject           string    `db:"subject"`
	Predicate         string    `db:"predicate"`
	Content           string    `db:"content"`
	Confidence        float64   `db:"confidence"`
	DecayRate         float64   `db:"decay_rate"`
	State             FactState `db:"state"`
	Importance        float64   `db:"importance"`
	LastConfirmedAt   time.Time `db:"last_confirmed_at"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

// EffectiveConfidence applies exponential decay since the fact was last
// confirmed: confidence · exp(-decay_rate · days_since_last_confirmed).
func (f Fact) EffectiveConfidence(now time.Time) float64 {
	days := now.Sub(f.LastConfirmedAt).Hours() / 24
	if days < 0 {
		days = 0
	}
	return f.Confidence * math.Exp(-f.DecayRate*days)
}

// RuleMaturity is the lifecycle of a learned behavioral rule.
type RuleMaturity string

const (
	RuleCandidate   RuleMaturity = "candidate"
	RuleEstablished RuleMaturity = "established"
	RuleProven      RuleMaturity = "proven"
	RuleAntiPattern RuleMaturity = "anti_pattern"
)

// Rule is one learned behavioral guideline tracked by helpful/harmful
// evidence counts; harmful evidence outweighs helpful.
type Rule struct {
	ID               int64        `db:"id"`
	Tenant           string       `db:"tenant"`
	Scope            string       `db:"scope"`
	Content          string       `db:"content"`
	Maturity         RuleMaturity `db:"maturity"`
	HelpfulCount     int64        `db:"helpful_count"`
	HarmfulCount     int64        `db:"harmful_count"`
	CreatedAt        time.Time    `db:"created_at"`
	UpdatedAt        time.Time    `db:"updated_at"`
}

// Effectiveness is a simple net score where harmful evidence is weighted
// more heavily than helpful.
func (r Rule) Effectiveness() float64 {
	return float64(r.HelpfulCount) - 2*float64(r.HarmfulCount)
}

// MemoryItem is the common shape returned by retrieval for scoring and
// ordering, regardless of whether it's backed by a Fact or a Rule.
type MemoryItem struct {
	Kind       string // "fact" | "rule" | "episode"
	ID         int64
	Text       string
	Relevance  float64
	Importance float64
	Recency    float64
	Confidence float64
	CreatedAt  time.Time
}

// Score computes the retrieval ranking score:
// 0.4·relevance + 0.3·importance + 0.2·recency + 0.1·effective_confidence.
func (m MemoryItem) Score() float64 {
	return 0.4*m.Relevance + 0.3*m.Importance + 0.2*m.Recency + 0.1*m.Confidence
}
