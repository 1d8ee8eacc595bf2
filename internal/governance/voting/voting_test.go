package voting

import (
	"testing"

	"marscolony.ai/internal/governance/model"
)

func TestDecideExamples(t *testing.T) {
	cases := []struct {
		name   string
		shares map[string]int
		votes  map[string]bool
		want   model.Status
		app    int
		deny   int
	}{
		{"single majority holder approves", map[string]int{"A": 60, "B": 40}, map[string]bool{"A": true}, model.StatusApproved, 60, 0},
		{"majority holder denies", map[string]int{"A": 60, "B": 40}, map[string]bool{"A": false, "B": true}, model.StatusDenied, 40, 60},
		{"split below quorum stays pending", map[string]int{"A": 40, "B": 40}, map[string]bool{"A": true, "B": false}, model.StatusPending, 40, 40},
		{"low turnout never resolves", map[string]int{"A": 30, "B": 30, "C": 40}, map[string]bool{"A": true}, model.StatusPending, 30, 0},
	}
	for _, tc := range cases {
		tally := Count(tc.votes, tc.shares, 100)
		if tally.Approve != tc.app || tally.Deny != tc.deny {
			t.Fatalf("%s: tally=%+v", tc.name, tally)
		}
		if got := Decide(tally); got != tc.want {
			t.Fatalf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}
}

func TestExactHalfIsNotQuorum(t *testing.T) {
	if Quorum(Tally{Approve: 50, Total: 100}) {
		t.Fatalf("50/100 must not reach quorum")
	}
	if !Quorum(Tally{Approve: 51, Total: 100}) {
		t.Fatalf("51/100 must reach quorum")
	}
}

func TestQuorumTieResolvesDenied(t *testing.T) {
	// Only reachable when both sides exceed half, which needs oversold
	// shares; the tie-break must still deny.
	if got := Decide(Tally{Approve: 3, Deny: 3, Total: 4}); got != model.StatusDenied {
		t.Fatalf("expected denied on tie, got %s", got)
	}
}

func TestNonShareholderVoteHasZeroWeight(t *testing.T) {
	tally := Count(map[string]bool{"stranger": true}, map[string]int{"A": 100}, 100)
	if tally.Approve != 0 || tally.Deny != 0 {
		t.Fatalf("expected zero weight, got %+v", tally)
	}
}

func TestTotalFloorsAtOne(t *testing.T) {
	tally := Count(map[string]bool{"A": true}, map[string]int{"A": 1}, 0)
	if tally.Total != 1 || Decide(tally) != model.StatusApproved {
		t.Fatalf("unexpected %+v", tally)
	}
}

func TestCountIsDeterministic(t *testing.T) {
	shares := map[string]int{"A": 10, "B": 25, "C": 65}
	votes := map[string]bool{"A": true, "B": false, "C": true}
	first := Count(votes, shares, 100)
	for i := 0; i < 100; i++ {
		if got := Count(votes, shares, 100); got != first || Decide(got) != Decide(first) {
			t.Fatalf("run %d differs: %+v vs %+v", i, got, first)
		}
	}
}

func TestRepeatVoteLastValueWins(t *testing.T) {
	shares := map[string]int{"A": 30, "B": 70}
	votes := map[string]bool{}
	votes["A"] = true
	votes["A"] = true
	if got := Count(votes, shares, 100); got.Approve != 30 {
		t.Fatalf("repeat vote must not accumulate, got %+v", got)
	}
	votes["A"] = false
	if got := Count(votes, shares, 100); got.Approve != 0 || got.Deny != 30 {
		t.Fatalf("overwrite expected, got %+v", got)
	}
}

func TestMajority(t *testing.T) {
	yes, no, ok := Majority(map[string]bool{"a": true, "b": false, "c": true})
	if yes != 2 || no != 1 || !ok {
		t.Fatalf("unexpected %d %d %v", yes, no, ok)
	}
	if _, _, ok := Majority(map[string]bool{"a": true, "b": false}); ok {
		t.Fatalf("tie must not pass")
	}
}
