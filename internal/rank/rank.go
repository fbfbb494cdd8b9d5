// Package rank orders candidate Pro-Move actions for a role and target week.
//
// Scorer is the pluggable boundary; NeedScorer is the default. Every scorer
// must be deterministic for identical inputs so automated regeneration is
// idempotent.
package rank

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"weekline/internal/weeks"
)

const (
	// MinCandidates is the number of eligible actions a role must have.
	MinCandidates = 3
	// MaxPriorities caps coach-declared priority actions per role.
	MaxPriorities = 5
	// recencyHorizonWeeks saturates the recency term.
	recencyHorizonWeeks = 26
	maxConfidence       = 4.0
	minConfidence       = 1.0
)

var ErrInsufficientCandidates = errors.New("insufficient eligible candidates")

// Candidate is one action in a role's pool with its history metadata.
type Candidate struct {
	ActionID     int64  `json:"action_id"`
	CompetencyID int64  `json:"competency_id"`
	DomainName   string `json:"domain_name,omitempty"`
	// LastUsed is the latest plan week before the target week that used the action.
	LastUsed *weeks.Date `json:"last_used,omitempty"`
	UseCount int         `json:"use_count"`
	// AvgConfidence is the mean self-rating (1-4) across staff, nil when never rated.
	AvgConfidence *float64 `json:"avg_confidence,omitempty"`
}

type Weights struct {
	Need     float64 `json:"need" yaml:"need"`
	Recency  float64 `json:"recency" yaml:"recency"`
	Coverage float64 `json:"coverage" yaml:"coverage"`
	Priority float64 `json:"priority" yaml:"priority"`
}

type Priority struct {
	ActionID int64   `json:"action_id" yaml:"action_id"`
	Weight   float64 `json:"weight" yaml:"weight"`
}

// Config tunes a ranking run.
type Config struct {
	Weights        Weights    `json:"weights"`
	ExclusionWeeks int        `json:"exclusion_weeks"`
	Priorities     []Priority `json:"priorities,omitempty"`
}

type Request struct {
	RoleID        int64
	EffectiveDate weeks.Date
	Candidates    []Candidate
	Config        Config
}

// Ranked is a scored candidate.
type Ranked struct {
	Candidate
	Score float64 `json:"score"`
}

// Scorer ranks a candidate pool. Implementations return at least
// MinCandidates entries or an error wrapping ErrInsufficientCandidates.
type Scorer interface {
	Rank(ctx context.Context, req Request) ([]Ranked, error)
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(ctx context.Context, req Request) ([]Ranked, error)

func (f ScorerFunc) Rank(ctx context.Context, req Request) ([]Ranked, error) { return f(ctx, req) }

// NeedScorer favors low-confidence, long-unused, rarely-covered and
// coach-prioritized actions.
type NeedScorer struct{}

func (NeedScorer) Rank(ctx context.Context, req Request) ([]Ranked, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	boosts := priorityBoosts(req.Config.Priorities)
	seen := map[int64]bool{}
	var out []Ranked
	for _, c := range req.Candidates {
		if seen[c.ActionID] {
			continue
		}
		seen[c.ActionID] = true
		if excluded(c, req.EffectiveDate, req.Config.ExclusionWeeks) {
			continue
		}
		out = append(out, Ranked{Candidate: c, Score: score(c, req.EffectiveDate, req.Config.Weights, boosts[c.ActionID])})
	}
	if len(out) < MinCandidates {
		return nil, fmt.Errorf("%w: role %d has %d eligible for %s, need %d", ErrInsufficientCandidates, req.RoleID, len(out), req.EffectiveDate, MinCandidates)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ActionID < out[j].ActionID
	})
	return out, nil
}

// priorityBoosts honors only the first MaxPriorities entries.
func priorityBoosts(ps []Priority) map[int64]float64 {
	res := map[int64]float64{}
	for i, p := range ps {
		if i >= MaxPriorities {
			break
		}
		if _, ok := res[p.ActionID]; ok {
			continue
		}
		res[p.ActionID] = p.Weight
	}
	return res
}

func excluded(c Candidate, target weeks.Date, window int) bool {
	if c.LastUsed == nil || window <= 0 {
		return false
	}
	gap := weeksBetween(*c.LastUsed, target)
	return gap >= 0 && gap <= window
}

func score(c Candidate, target weeks.Date, w Weights, boost float64) float64 {
	need := 1.0
	if c.AvgConfidence != nil {
		need = clamp((maxConfidence - *c.AvgConfidence) / (maxConfidence - minConfidence))
	}
	recency := 1.0
	if c.LastUsed != nil {
		recency = clamp(float64(weeksBetween(*c.LastUsed, target)) / recencyHorizonWeeks)
	}
	coverage := 1.0 / float64(1+c.UseCount)
	return w.Need*need + w.Recency*recency + w.Coverage*coverage + w.Priority*boost
}

func weeksBetween(from, to weeks.Date) int {
	return to.DaysSince(from) / 7
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
