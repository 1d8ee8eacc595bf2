package model

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

type Vec3 [3]float64

type Kind string

const (
	KindGeneral Kind = "general"
	KindDefence Kind = "defence"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusRejected Status = "rejected"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusDenied, StatusRejected:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s.Valid() && s != StatusPending
}

type BuildStatus string

const (
	BuildScaffolding BuildStatus = "scaffolding"
	BuildCompleted   BuildStatus = "completed"
	BuildConsumed    BuildStatus = "consumed"
)

// Effects are running totals granted by feasible proposals.
type Effects struct {
	Hydration float64 `json:"hydration"`
	Oxygen    float64 `json:"oxygen"`
	Health    float64 `json:"health"`
	Money     float64 `json:"money"`
}

// Add merges the numeric fields of gains into e. Unknown keys and
// non-finite values are ignored.
func (e *Effects) Add(gains map[string]float64) {
	for k, v := range gains {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		switch k {
		case "hydration":
			e.Hydration += v
		case "oxygen":
			e.Oxygen += v
		case "health":
			e.Health += v
		case "money":
			e.Money += v
		}
	}
}

type Worker struct {
	Name      string  `json:"name"`
	Role      string  `json:"role,omitempty"`
	Backstory string  `json:"backstory,omitempty"`
	Resume    string  `json:"resume,omitempty"`
	Image     string  `json:"image,omitempty"`
	Wage      int     `json:"wage,omitempty"`
	Effects   Effects `json:"effects"`
}

type Prerequisite struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Range is a declared gain. It accepts either a bare number or a [min, max]
// pair on the wire.
type Range struct {
	Min float64
	Max float64
}

func (r Range) Mid() float64 { return (r.Min + r.Max) / 2 }

func (r Range) MarshalJSON() ([]byte, error) {
	if r.Min == r.Max {
		return json.Marshal(r.Min)
	}
	return json.Marshal([2]float64{r.Min, r.Max})
}

func (r *Range) UnmarshalJSON(b []byte) error {
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		r.Min, r.Max = f, f
		return nil
	}
	var pair []float64
	if err := json.Unmarshal(b, &pair); err != nil {
		return fmt.Errorf("gain must be a number or [min,max]: %w", err)
	}
	switch len(pair) {
	case 1:
		r.Min, r.Max = pair[0], pair[0]
	case 2:
		r.Min, r.Max = pair[0], pair[1]
		if r.Min > r.Max {
			r.Min, r.Max = r.Max, r.Min
		}
	default:
		return fmt.Errorf("gain range must have 1 or 2 elements, got %d", len(pair))
	}
	return nil
}

// Judgment is the feasibility verdict attached to an approved proposal.
type Judgment struct {
	Feasible bool               `json:"feasible"`
	Gains    map[string]float64 `json:"gains"`
	Reason   string             `json:"reason,omitempty"`
}

type Proposal struct {
	ID            int64            `json:"id"`
	Project       string           `json:"project"`
	Description   string           `json:"description,omitempty"`
	Prerequisites []Prerequisite   `json:"prerequisites"`
	Cost          float64          `json:"cost"`
	Gains         map[string]Range `json:"gains"`
	Risk          string           `json:"risk,omitempty"`
	ProposedBy    string           `json:"proposedBy,omitempty"`
	Status        Status           `json:"status"`
	Votes         map[string]bool  `json:"votes"`
	CostPaid      bool             `json:"costPaid,omitempty"`
	Judgment      *Judgment        `json:"judgeResult,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	ResolvedAt    *time.Time       `json:"resolvedAt,omitempty"`
}

func (p Proposal) Clone() Proposal {
	out := p
	out.Prerequisites = append([]Prerequisite(nil), p.Prerequisites...)
	out.Gains = make(map[string]Range, len(p.Gains))
	for k, v := range p.Gains {
		out.Gains[k] = v
	}
	out.Votes = make(map[string]bool, len(p.Votes))
	for k, v := range p.Votes {
		out.Votes[k] = v
	}
	if p.Judgment != nil {
		j := *p.Judgment
		if p.Judgment.Gains != nil {
			j.Gains = make(map[string]float64, len(p.Judgment.Gains))
			for k, v := range p.Judgment.Gains {
				j.Gains[k] = v
			}
		}
		out.Judgment = &j
	}
	if p.ResolvedAt != nil {
		t := *p.ResolvedAt
		out.ResolvedAt = &t
	}
	return out
}

type Construction struct {
	ID         int64       `json:"id"`
	ProposalID int64       `json:"proposalId"`
	Name       string      `json:"name"`
	Status     BuildStatus `json:"status"`
	Model      string      `json:"model"`
	Scale      float64     `json:"scale"`
	Offset     Vec3        `json:"offset"`
}

type Institution struct {
	ID              int64          `json:"id"`
	Owner           string         `json:"owner"`
	Name            string         `json:"name"`
	Kind            Kind           `json:"kind"`
	Position        Vec3           `json:"position"`
	TotalShares     int            `json:"totalShares"`
	SoldShares      int            `json:"soldShares"`
	Shares          map[string]int `json:"shares"`
	Funded          bool           `json:"funded"`
	Workforce       []Worker       `json:"workforce"`
	Proposals       []Proposal     `json:"proposals"`
	ProposalHistory []Proposal     `json:"proposalHistory"`
	Constructions   []Construction `json:"constructions"`
	ExtraEffects    Effects        `json:"extraEffects"`
	Destroyed       bool           `json:"destroyed"`
}

// Clone deep-copies the record so callers can read it outside the store lock.
func (in *Institution) Clone() Institution {
	out := *in
	out.Shares = make(map[string]int, len(in.Shares))
	for k, v := range in.Shares {
		out.Shares[k] = v
	}
	out.Workforce = append([]Worker(nil), in.Workforce...)
	out.Proposals = make([]Proposal, len(in.Proposals))
	for i, p := range in.Proposals {
		out.Proposals[i] = p.Clone()
	}
	out.ProposalHistory = make([]Proposal, len(in.ProposalHistory))
	for i, p := range in.ProposalHistory {
		out.ProposalHistory[i] = p.Clone()
	}
	out.Constructions = append([]Construction(nil), in.Constructions...)
	return out
}

// Offsets returns the placement offsets already used by constructions.
func (in *Institution) Offsets() []Vec3 {
	out := make([]Vec3, 0, len(in.Constructions))
	for _, c := range in.Constructions {
		out = append(out, c.Offset)
	}
	return out
}

type WeaponParams struct {
	Weight float64 `json:"weight"`
	Ammo   float64 `json:"ammo"`
	Force  float64 `json:"force"`
	Fuel   float64 `json:"fuel"`
}

// Movement is (force / weight) * fuel, or 0 for weightless designs.
func (p WeaponParams) Movement() float64 {
	if p.Weight <= 0 {
		return 0
	}
	return (p.Force / p.Weight) * p.Fuel
}

type WeaponProposal struct {
	ID         int64           `json:"id"`
	Name       string          `json:"name"`
	Category   string          `json:"category,omitempty"`
	Technology []string        `json:"technology,omitempty"`
	Parameters WeaponParams    `json:"parameters"`
	Look       string          `json:"look,omitempty"`
	Cost       float64         `json:"cost,omitempty"`
	ProposedBy string          `json:"proposedBy,omitempty"`
	Status     Status          `json:"status"`
	Votes      map[string]bool `json:"votes"`
	CreatedAt  time.Time       `json:"createdAt"`
	ResolvedAt *time.Time      `json:"resolvedAt,omitempty"`
}

func (p WeaponProposal) Clone() WeaponProposal {
	out := p
	out.Technology = append([]string(nil), p.Technology...)
	out.Votes = make(map[string]bool, len(p.Votes))
	for k, v := range p.Votes {
		out.Votes[k] = v
	}
	if p.ResolvedAt != nil {
		t := *p.ResolvedAt
		out.ResolvedAt = &t
	}
	return out
}

type Weapon struct {
	ID         int64        `json:"id"`
	ProposalID int64        `json:"proposalId"`
	Name       string       `json:"name"`
	Category   string       `json:"category,omitempty"`
	Parameters WeaponParams `json:"parameters"`
	Look       string       `json:"look,omitempty"`
	Model      string       `json:"model"`
	Movement   float64      `json:"movement"`
	Status     BuildStatus  `json:"status"`
	Scale      float64      `json:"scale"`
	Offset     Vec3         `json:"offset"`
}

// CloneWeapon duplicates w under a new id. Rebuilds start from a completed
// copy of the same model.
func CloneWeapon(w Weapon, id int64) Weapon {
	out := w
	out.ID = id
	out.Movement = w.Parameters.Movement()
	if out.Status == BuildConsumed {
		out.Status = BuildCompleted
	}
	return out
}
