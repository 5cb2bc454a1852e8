package services

import (
	"errors"
	"testing"

	"contest-settlement-system/models"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func snapshotWith(entries ...models.ScoreEntry) *models.ScoreSnapshot {
	return &models.ScoreSnapshot{ID: "snap-1", ContestID: "contest-1", Entries: entries}
}

func TestRegistryResolveUnknownKey(t *testing.T) {
	r := DefaultStrategyRegistry()

	if _, err := r.Resolve("total_points"); err != nil {
		t.Fatalf("total_points should be registered: %v", err)
	}
	if _, err := r.Resolve("best_score"); err != nil {
		t.Fatalf("best_score should be registered: %v", err)
	}

	_, err := r.Resolve("quidditch")
	var unknown *UnknownStrategyError
	if !errors.As(err, &unknown) {
		t.Fatalf("want UnknownStrategyError, got %v", err)
	}
	if unknown.Key != "quidditch" {
		t.Errorf("error should carry the key, got %q", unknown.Key)
	}
}

func TestTotalPointsStrategyRanksAndPays(t *testing.T) {
	snapshot := snapshotWith(
		models.ScoreEntry{UserID: "user-b", Points: dec("10.5")},
		models.ScoreEntry{UserID: "user-a", Points: dec("7")},
		models.ScoreEntry{UserID: "user-b", Points: dec("4.5")},
		models.ScoreEntry{UserID: "user-c", Points: dec("20")},
	)
	tiers := []PayoutTier{
		{Rank: 1, Share: dec("0.7")},
		{Rank: 2, Share: dec("0.3")},
	}

	result, err := TotalPointsStrategy{}.Compute(nil, snapshot, dec("1000"), tiers)
	if err != nil {
		t.Fatal(err)
	}

	wantOrder := []string{"user-c", "user-b", "user-a"}
	if len(result.Rankings) != len(wantOrder) {
		t.Fatalf("want %d rankings, got %d", len(wantOrder), len(result.Rankings))
	}
	for i, want := range wantOrder {
		r := result.Rankings[i]
		if r.UserID != want || r.Rank != i+1 {
			t.Errorf("rank %d: got (%s, %d), want (%s, %d)", i+1, r.UserID, r.Rank, want, i+1)
		}
	}
	// user-b's two entries sum to 15.
	if !result.Rankings[1].Points.Equal(dec("15")) {
		t.Errorf("user-b total = %s, want 15", result.Rankings[1].Points)
	}

	if len(result.Payouts) != 2 {
		t.Fatalf("want 2 payouts, got %d", len(result.Payouts))
	}
	if result.Payouts[0].UserID != "user-c" || !result.Payouts[0].Amount.Equal(dec("700")) {
		t.Errorf("first payout = (%s, %s), want (user-c, 700)", result.Payouts[0].UserID, result.Payouts[0].Amount)
	}
	if result.Payouts[1].UserID != "user-b" || !result.Payouts[1].Amount.Equal(dec("300")) {
		t.Errorf("second payout = (%s, %s), want (user-b, 300)", result.Payouts[1].UserID, result.Payouts[1].Amount)
	}
}

func TestBestScoreStrategyTakesHighestAttempt(t *testing.T) {
	snapshot := snapshotWith(
		models.ScoreEntry{UserID: "user-a", Points: dec("50")},
		models.ScoreEntry{UserID: "user-a", Points: dec("90")},
		models.ScoreEntry{UserID: "user-a", Points: dec("10")},
		models.ScoreEntry{UserID: "user-b", Points: dec("80")},
	)

	result, err := BestScoreStrategy{}.Compute(nil, snapshot, dec("100"), []PayoutTier{{Rank: 1, Share: dec("1")}})
	if err != nil {
		t.Fatal(err)
	}
	if result.Rankings[0].UserID != "user-a" || !result.Rankings[0].Points.Equal(dec("90")) {
		t.Errorf("winner = (%s, %s), want (user-a, 90)", result.Rankings[0].UserID, result.Rankings[0].Points)
	}
}

func TestRankingTieBreaksOnUserID(t *testing.T) {
	snapshot := snapshotWith(
		models.ScoreEntry{UserID: "zed", Points: dec("10")},
		models.ScoreEntry{UserID: "amy", Points: dec("10")},
	)

	for i := 0; i < 5; i++ {
		result, err := TotalPointsStrategy{}.Compute(nil, snapshot, decimal.Zero, nil)
		if err != nil {
			t.Fatal(err)
		}
		if result.Rankings[0].UserID != "amy" || result.Rankings[1].UserID != "zed" {
			t.Fatalf("tie break must be deterministic on user id, got %s then %s",
				result.Rankings[0].UserID, result.Rankings[1].UserID)
		}
	}
}

func TestApplyTiersSkipsUnfilledRanksAndZeroAmounts(t *testing.T) {
	snapshot := snapshotWith(
		models.ScoreEntry{UserID: "solo", Points: dec("1")},
	)
	tiers := []PayoutTier{
		{Rank: 1, Share: dec("0.5")},
		{Rank: 2, Share: dec("0.5")}, // nobody finished second
	}

	result, err := TotalPointsStrategy{}.Compute(nil, snapshot, dec("100"), tiers)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Payouts) != 1 {
		t.Fatalf("want 1 payout, got %d", len(result.Payouts))
	}

	// Zero pool means no payable winners at all.
	result, err = TotalPointsStrategy{}.Compute(nil, snapshot, decimal.Zero, tiers)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Payouts) != 0 {
		t.Fatalf("zero pool must produce no payouts, got %d", len(result.Payouts))
	}
}

func TestParsePayoutTiers(t *testing.T) {
	tiers, err := ParsePayoutTiers(`[{"rank":1,"share":"0.6"},{"rank":2,"share":"0.4"}]`)
	if err != nil {
		t.Fatal(err)
	}
	if len(tiers) != 2 || tiers[0].Rank != 1 || !tiers[1].Share.Equal(dec("0.4")) {
		t.Errorf("unexpected tiers: %+v", tiers)
	}

	if tiers, err := ParsePayoutTiers(""); err != nil || tiers != nil {
		t.Errorf("empty spec should parse to nil, got (%v, %v)", tiers, err)
	}

	if _, err := ParsePayoutTiers("{not json"); err == nil {
		t.Error("malformed spec must fail")
	}
}
