package proposals

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"marscolony.ai/internal/governance/institutions"
	"marscolony.ai/internal/governance/model"
	"marscolony.ai/internal/governance/voting"
	"marscolony.ai/internal/logger"
)

var (
	ErrNotFound   = errors.New("proposal not found")
	ErrBadRequest = errors.New("bad request")
)

// Ref addresses an active proposal either by its stable id or by its
// current position in the active list. ID wins when both are set.
type Ref struct {
	ID    int64
	Index *int
}

func ByIndex(i int) Ref { return Ref{Index: &i} }
func ByID(id int64) Ref { return Ref{ID: id} }

// Set reports whether r addresses anything. A set ref may still resolve to
// no proposal.
func (r Ref) Set() bool { return r.ID != 0 || r.Index != nil }

type Draft struct {
	Project       string                 `json:"project"`
	Title         string                 `json:"title,omitempty"`
	Description   string                 `json:"description,omitempty"`
	Prerequisites []model.Prerequisite   `json:"prerequisites,omitempty"`
	Cost          float64                `json:"cost,omitempty"`
	Gains         map[string]model.Range `json:"gains,omitempty"`
	Risk          string                 `json:"risk,omitempty"`
	ProposedBy    string                 `json:"proposedBy,omitempty"`
}

// Patch is merged into a proposal. Votes are merged key by key.
type Patch struct {
	Status   *model.Status
	Votes    map[string]bool
	Judgment *model.Judgment
	CostPaid *bool
}

type Store struct {
	reg *institutions.Registry
	log *logger.Logger
	now func() time.Time
}

func NewStore(reg *institutions.Registry, log *logger.Logger) *Store {
	if log == nil {
		log = logger.Nop()
	}
	return &Store{reg: reg, log: log.With("component", "proposals"), now: time.Now}
}

func normalize(d Draft, id int64, now time.Time) (model.Proposal, error) {
	project := strings.TrimSpace(d.Project)
	if project == "" {
		project = strings.TrimSpace(d.Title)
	}
	if project == "" {
		return model.Proposal{}, fmt.Errorf("%w: project required", ErrBadRequest)
	}
	if d.Cost < 0 {
		return model.Proposal{}, fmt.Errorf("%w: cost must be >= 0", ErrBadRequest)
	}
	p := model.Proposal{
		ID:            id,
		Project:       project,
		Description:   strings.TrimSpace(d.Description),
		Prerequisites: append([]model.Prerequisite{}, d.Prerequisites...),
		Cost:          d.Cost,
		Gains:         map[string]model.Range{},
		Risk:          strings.TrimSpace(d.Risk),
		ProposedBy:    strings.TrimSpace(d.ProposedBy),
		Status:        model.StatusPending,
		Votes:         map[string]bool{},
		CreatedAt:     now.UTC(),
	}
	for k, v := range d.Gains {
		p.Gains[k] = v
	}
	return p, nil
}

// Add appends a normalized pending proposal and returns its current index.
func (s *Store) Add(instID int64, d Draft) (int, model.Proposal, error) {
	idx := -1
	var out model.Proposal
	err := s.reg.Update(instID, func(inst *model.Institution, ids *institutions.Counters) error {
		p, err := normalize(d, 0, s.now())
		if err != nil {
			return err
		}
		p.ID = ids.NextProposal()
		inst.Proposals = append(inst.Proposals, p)
		idx = len(inst.Proposals) - 1
		out = p.Clone()
		return nil
	})
	if err != nil {
		return -1, model.Proposal{}, mapErr(err)
	}
	s.log.Info("proposal added", "institution", instID, "proposal", out.ID, "project", out.Project)
	return idx, out, nil
}

// Pending lists active proposals in order.
func (s *Store) Pending(instID int64) ([]model.Proposal, error) {
	inst, ok := s.reg.Get(instID)
	if !ok || inst.Destroyed {
		return nil, institutions.ErrNotFound
	}
	out := make([]model.Proposal, 0, len(inst.Proposals))
	for _, p := range inst.Proposals {
		if p.Status == model.StatusPending {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) History(instID int64) ([]model.Proposal, error) {
	inst, ok := s.reg.Get(instID)
	if !ok || inst.Destroyed {
		return nil, institutions.ErrNotFound
	}
	return inst.ProposalHistory, nil
}

// Get resolves ref against the active list.
func (s *Store) Get(instID int64, ref Ref) (int, model.Proposal, error) {
	inst, ok := s.reg.Get(instID)
	if !ok || inst.Destroyed {
		return -1, model.Proposal{}, institutions.ErrNotFound
	}
	i := locate(inst.Proposals, ref)
	if i < 0 {
		return -1, model.Proposal{}, ErrNotFound
	}
	return i, inst.Proposals[i], nil
}

// Update merges patch into the active proposal at index. A non-pending
// result is archived and removed from the active list, which shifts every
// later index down by one. ok is false when nothing resolved.
func (s *Store) Update(instID int64, index int, patch Patch) (model.Proposal, bool) {
	return s.update(instID, ByIndex(index), patch)
}

func (s *Store) UpdateByID(instID, id int64, patch Patch) (model.Proposal, bool) {
	return s.update(instID, ByID(id), patch)
}

func (s *Store) update(instID int64, ref Ref, patch Patch) (model.Proposal, bool) {
	var out model.Proposal
	err := s.reg.Update(instID, func(inst *model.Institution, _ *institutions.Counters) error {
		i := locate(inst.Proposals, ref)
		if i < 0 {
			return ErrNotFound
		}
		p := &inst.Proposals[i]
		applyPatch(p, patch)
		out = p.Clone()
		if p.Status != model.StatusPending {
			s.archive(inst, i)
		}
		return nil
	})
	return out, err == nil
}

// VoteResult describes the state right after a vote was recorded.
type VoteResult struct {
	Index    int
	Proposal model.Proposal
	Tally    voting.Tally
	Status   model.Status
	Owner    string
	Position model.Vec3
}

// Vote records voter's choice, tallies against the institution's shares and
// archives the proposal when quorum is reached, all in one atomic step.
func (s *Store) Vote(instID int64, ref Ref, voter string, approve bool) (VoteResult, error) {
	voter = strings.TrimSpace(voter)
	if voter == "" {
		return VoteResult{}, fmt.Errorf("%w: voter identity required", ErrBadRequest)
	}
	var res VoteResult
	err := s.reg.Update(instID, func(inst *model.Institution, _ *institutions.Counters) error {
		i := locate(inst.Proposals, ref)
		if i < 0 {
			return ErrNotFound
		}
		p := &inst.Proposals[i]
		if p.Votes == nil {
			p.Votes = map[string]bool{}
		}
		p.Votes[voter] = approve
		tally := voting.Count(p.Votes, inst.Shares, inst.TotalShares)
		status := voting.Decide(tally)
		p.Status = status
		res = VoteResult{
			Index:    i,
			Tally:    tally,
			Status:   status,
			Owner:    inst.Owner,
			Position: inst.Position,
		}
		if status != model.StatusPending {
			s.archive(inst, i)
			res.Proposal = inst.ProposalHistory[len(inst.ProposalHistory)-1].Clone()
		} else {
			res.Proposal = p.Clone()
		}
		return nil
	})
	if err != nil {
		return VoteResult{}, mapErr(err)
	}
	return res, nil
}

// PatchHistory amends an archived proposal, e.g. to attach a judgment.
// Status may move between terminal values but never back to pending.
func (s *Store) PatchHistory(instID, id int64, patch Patch) (model.Proposal, error) {
	if patch.Status != nil && !patch.Status.Terminal() {
		return model.Proposal{}, fmt.Errorf("%w: archived proposals stay terminal", ErrBadRequest)
	}
	var out model.Proposal
	err := s.reg.Update(instID, func(inst *model.Institution, _ *institutions.Counters) error {
		for i := range inst.ProposalHistory {
			if inst.ProposalHistory[i].ID == id {
				applyPatch(&inst.ProposalHistory[i], patch)
				out = inst.ProposalHistory[i].Clone()
				return nil
			}
		}
		return ErrNotFound
	})
	return out, mapErr(err)
}

func (s *Store) archive(inst *model.Institution, i int) {
	p := inst.Proposals[i]
	now := s.now().UTC()
	p.ResolvedAt = &now
	inst.ProposalHistory = append(inst.ProposalHistory, p)
	inst.Proposals = append(inst.Proposals[:i], inst.Proposals[i+1:]...)
}

func applyPatch(p *model.Proposal, patch Patch) {
	if patch.Status != nil && patch.Status.Valid() {
		p.Status = *patch.Status
	}
	if len(patch.Votes) > 0 {
		if p.Votes == nil {
			p.Votes = map[string]bool{}
		}
		for k, v := range patch.Votes {
			p.Votes[k] = v
		}
	}
	if patch.Judgment != nil {
		j := *patch.Judgment
		p.Judgment = &j
	}
	if patch.CostPaid != nil {
		p.CostPaid = *patch.CostPaid
	}
}

func locate(list []model.Proposal, ref Ref) int {
	if ref.ID > 0 {
		for i := range list {
			if list[i].ID == ref.ID && list[i].Status == model.StatusPending {
				return i
			}
		}
		return -1
	}
	if ref.Index == nil || *ref.Index < 0 || *ref.Index >= len(list) {
		return -1
	}
	if list[*ref.Index].Status != model.StatusPending {
		return -1
	}
	return *ref.Index
}

func mapErr(err error) error {
	if errors.Is(err, institutions.ErrDestroyed) {
		return institutions.ErrNotFound
	}
	return err
}
