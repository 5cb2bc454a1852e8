package services

import (
	"encoding/json"
	"fmt"
	"sort"

	"contest-settlement-system/models"

	"github.com/shopspring/decimal"
)

// UnknownStrategyError means a contest template names a scoring strategy
// nobody registered. Settlement halts on it; there is no partial
// computation and no fallback strategy.
type UnknownStrategyError struct {
	Key string
}

func (e *UnknownStrategyError) Error() string {
	return fmt.Sprintf("no scoring strategy registered for key %q", e.Key)
}

// PayoutTier is one line of a contest's payout structure: the share of the
// prize pool awarded to a finishing rank. Shares are decimal fractions and
// should sum to at most 1.
type PayoutTier struct {
	Rank  int             `json:"rank"`
	Share decimal.Decimal `json:"share"`
}

// ScoringStrategy turns a finalized score snapshot into final rankings and
// payouts. Implementations must be deterministic: same snapshot, same
// payout structure, same output, always.
type ScoringStrategy interface {
	Compute(contest *models.ContestInstance, snapshot *models.ScoreSnapshot, pool decimal.Decimal, tiers []PayoutTier) (*models.SettlementResult, error)
}

// StrategyRegistry maps template strategy keys to implementations. It is
// constructed explicitly and injected wherever settlement runs; adding a
// contest type means registering here, never editing the engine.
type StrategyRegistry struct {
	strategies map[string]ScoringStrategy
}

func NewStrategyRegistry() *StrategyRegistry {
	return &StrategyRegistry{strategies: make(map[string]ScoringStrategy)}
}

func (r *StrategyRegistry) Register(key string, s ScoringStrategy) {
	r.strategies[key] = s
}

func (r *StrategyRegistry) Resolve(key string) (ScoringStrategy, error) {
	s, ok := r.strategies[key]
	if !ok {
		return nil, &UnknownStrategyError{Key: key}
	}
	return s, nil
}

// DefaultStrategyRegistry registers the built-in strategies.
func DefaultStrategyRegistry() *StrategyRegistry {
	r := NewStrategyRegistry()
	r.Register("total_points", TotalPointsStrategy{})
	r.Register("best_score", BestScoreStrategy{})
	return r
}

// ParsePayoutTiers decodes the JSONB payout structure stored on a contest.
func ParsePayoutTiers(spec string) ([]PayoutTier, error) {
	if spec == "" {
		return nil, nil
	}
	var tiers []PayoutTier
	if err := json.Unmarshal([]byte(spec), &tiers); err != nil {
		return nil, fmt.Errorf("invalid payout spec: %w", err)
	}
	return tiers, nil
}

// rankTotals builds the final standings from per-user totals. Ties break on
// user id so the ordering is stable across runs. Determinism matters more
// here than tie fairness, which the payout tiers can address separately.
func rankTotals(totals map[string]decimal.Decimal) []models.Ranking {
	users := make([]string, 0, len(totals))
	for u := range totals {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool {
		a, b := totals[users[i]], totals[users[j]]
		if !a.Equal(b) {
			return a.GreaterThan(b)
		}
		return users[i] < users[j]
	})

	rankings := make([]models.Ranking, 0, len(users))
	for i, u := range users {
		rankings = append(rankings, models.Ranking{Rank: i + 1, UserID: u, Points: totals[u]})
	}
	return rankings
}

// applyTiers maps payout tiers onto the standings. Tiers past the number of
// ranked participants are skipped; amounts are rounded to cents.
func applyTiers(rankings []models.Ranking, pool decimal.Decimal, tiers []PayoutTier) []models.WinnerPayout {
	byRank := make(map[int]models.Ranking, len(rankings))
	for _, r := range rankings {
		byRank[r.Rank] = r
	}

	payouts := make([]models.WinnerPayout, 0, len(tiers))
	for _, t := range tiers {
		r, ok := byRank[t.Rank]
		if !ok {
			continue
		}
		amount := pool.Mul(t.Share).Round(2)
		if amount.IsPositive() {
			payouts = append(payouts, models.WinnerPayout{Rank: t.Rank, UserID: r.UserID, Amount: amount})
		}
	}
	sort.Slice(payouts, func(i, j int) bool { return payouts[i].Rank < payouts[j].Rank })
	return payouts
}

// TotalPointsStrategy ranks participants by the sum of their snapshot
// points. This is the default for season-long and slate contests.
type TotalPointsStrategy struct{}

func (TotalPointsStrategy) Compute(_ *models.ContestInstance, snapshot *models.ScoreSnapshot, pool decimal.Decimal, tiers []PayoutTier) (*models.SettlementResult, error) {
	totals := make(map[string]decimal.Decimal)
	for _, e := range snapshot.Entries {
		totals[e.UserID] = totals[e.UserID].Add(e.Points)
	}
	rankings := rankTotals(totals)
	return &models.SettlementResult{
		Rankings: rankings,
		Payouts:  applyTiers(rankings, pool, tiers),
	}, nil
}

// BestScoreStrategy ranks participants by their single highest snapshot
// entry, for contests where only the best attempt counts.
type BestScoreStrategy struct{}

func (BestScoreStrategy) Compute(_ *models.ContestInstance, snapshot *models.ScoreSnapshot, pool decimal.Decimal, tiers []PayoutTier) (*models.SettlementResult, error) {
	best := make(map[string]decimal.Decimal)
	for _, e := range snapshot.Entries {
		if cur, ok := best[e.UserID]; !ok || e.Points.GreaterThan(cur) {
			best[e.UserID] = e.Points
		}
	}
	rankings := rankTotals(best)
	return &models.SettlementResult{
		Rankings: rankings,
		Payouts:  applyTiers(rankings, pool, tiers),
	}, nil
}
