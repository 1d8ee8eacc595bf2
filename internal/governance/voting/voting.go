// Package voting computes share-weighted tallies and the quorum rule used by
// institution proposals.
package voting

import "marscolony.ai/internal/governance/model"

type Tally struct {
	Approve int `json:"approve"`
	Deny    int `json:"deny"`
	Total   int `json:"total"`
}

// Count weighs each recorded vote by the voter's shares. Voters without
// shares are kept in the vote map but contribute nothing.
func Count(votes map[string]bool, shares map[string]int, totalShares int) Tally {
	t := Tally{Total: totalShares}
	if t.Total < 1 {
		t.Total = 1
	}
	for voter, approve := range votes {
		w := shares[voter]
		if w <= 0 {
			continue
		}
		if approve {
			t.Approve += w
		} else {
			t.Deny += w
		}
	}
	return t
}

// Quorum reports whether either side holds a strict majority of all
// authorized shares, not just of the shares that voted.
func Quorum(t Tally) bool {
	total := t.Total
	if total < 1 {
		total = 1
	}
	return 2*t.Approve > total || 2*t.Deny > total
}

// Decide applies the quorum rule and the tie-break: once quorum is reached
// the proposal is approved only when approvals strictly exceed denials.
func Decide(t Tally) model.Status {
	if !Quorum(t) {
		return model.StatusPending
	}
	if t.Approve > t.Deny {
		return model.StatusApproved
	}
	return model.StatusDenied
}

// Majority is the unweighted one-stakeholder-one-vote rule used by referenda.
func Majority(votes map[string]bool) (yes, no int, passed bool) {
	for _, v := range votes {
		if v {
			yes++
		} else {
			no++
		}
	}
	return yes, no, yes > no
}
