package services

import (
	"testing"

	"contest-settlement-system/models"
)

func TestCanonicalJSONIsStable(t *testing.T) {
	result := &models.SettlementResult{
		Rankings: []models.Ranking{
			{Rank: 1, UserID: "user-a", Points: dec("42.5")},
			{Rank: 2, UserID: "user-b", Points: dec("40")},
		},
		Payouts: []models.WinnerPayout{
			{Rank: 1, UserID: "user-a", Amount: dec("700.00")},
		},
	}

	first, err := CanonicalJSON(result)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		again, err := CanonicalJSON(result)
		if err != nil {
			t.Fatal(err)
		}
		if string(again) != string(first) {
			t.Fatalf("canonical form drifted:\n%s\n%s", first, again)
		}
	}
	if ContentHash(first) != ContentHash(first) {
		t.Fatal("hash must be deterministic")
	}
}

func TestCanonicalJSONSortsMapKeys(t *testing.T) {
	a := map[string]interface{}{"zulu": 1, "alpha": 2, "mike": 3}
	b := map[string]interface{}{"mike": 3, "alpha": 2, "zulu": 1}

	ca, err := CanonicalJSON(a)
	if err != nil {
		t.Fatal(err)
	}
	cb, err := CanonicalJSON(b)
	if err != nil {
		t.Fatal(err)
	}
	if string(ca) != string(cb) {
		t.Fatalf("same content must canonicalize identically:\n%s\n%s", ca, cb)
	}
	if ContentHash(ca) != ContentHash(cb) {
		t.Fatal("same content must hash identically")
	}
}

func TestContentHashChangesWithContent(t *testing.T) {
	a, _ := CanonicalJSON(map[string]int{"amount": 500})
	b, _ := CanonicalJSON(map[string]int{"amount": 501})
	if ContentHash(a) == ContentHash(b) {
		t.Fatal("different content must hash differently")
	}
	if len(ContentHash(a)) != 64 {
		t.Fatalf("want hex sha256 (64 chars), got %d", len(ContentHash(a)))
	}
}
