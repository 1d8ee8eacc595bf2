// Package defence keeps weapon proposals and the weapon arsenal of defence
// institutions in their own record, keyed by institution id.
package defence

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"marscolony.ai/internal/governance/model"
	"marscolony.ai/internal/governance/voting"
	"marscolony.ai/internal/logger"
	"marscolony.ai/internal/persistence/recordstore"
)

const RecordKey = "defence"

// Scaffolding model used until the generated asset arrives.
const (
	ScaffoldModel = "scof1.glb"
	ScaffoldScale = 6
)

var (
	ErrNotFound     = errors.New("not found")
	ErrBadRequest   = errors.New("bad request")
	ErrNotDefence   = errors.New("institution is not a defence base")
	ErrWrongStatus  = errors.New("weapon is in the wrong state")
	ErrInstNotFound = errors.New("institution not found")
)

type Base struct {
	Proposals []model.WeaponProposal `json:"proposals"`
	History   []model.WeaponProposal `json:"history"`
	Weapons   []model.Weapon         `json:"weapons"`
}

type State struct {
	NextProposal int64          `json:"nextProposal"`
	NextWeapon   int64          `json:"nextWeapon"`
	Bases        map[int64]Base `json:"bases"`
}

func DefaultState() State { return State{Bases: map[int64]Base{}} }

// Institutions resolves the owning institution. The registry satisfies it.
type Institutions interface {
	Get(id int64) (model.Institution, bool)
}

type Draft struct {
	Name       string             `json:"name"`
	Category   string             `json:"category,omitempty"`
	Technology []string           `json:"technology,omitempty"`
	Parameters model.WeaponParams `json:"parameters"`
	Look       string             `json:"look,omitempty"`
	Cost       float64            `json:"cost,omitempty"`
	ProposedBy string             `json:"proposedBy,omitempty"`
}

type Patch struct {
	Status *model.Status
	Votes  map[string]bool
}

type Store struct {
	store *recordstore.Store[State]
	insts Institutions
	log   *logger.Logger
	now   func() time.Time
}

func NewStore(store *recordstore.Store[State], insts Institutions, log *logger.Logger) *Store {
	if log == nil {
		log = logger.Nop()
	}
	return &Store{store: store, insts: insts, log: log.With("component", "defence"), now: time.Now}
}

func (s *Store) institution(id int64) (model.Institution, error) {
	inst, ok := s.insts.Get(id)
	if !ok || inst.Destroyed {
		return model.Institution{}, ErrInstNotFound
	}
	if inst.Kind != model.KindDefence {
		return model.Institution{}, ErrNotDefence
	}
	return inst, nil
}

// updateBase runs fn on a copy of the base and stores it back only when fn
// succeeds. The institution is resolved again under the lock, so a base is
// never written for an institution destroyed in the meantime.
func (s *Store) updateBase(instID int64, fn func(b *Base, st *State, inst model.Institution) error) error {
	return s.store.Update(func(st *State) error {
		inst, err := s.institution(instID)
		if err != nil {
			return err
		}
		if st.Bases == nil {
			st.Bases = map[int64]Base{}
		}
		b := st.Bases[instID]
		if err := fn(&b, st, inst); err != nil {
			return err
		}
		st.Bases[instID] = b
		return nil
	})
}

func (s *Store) base(instID int64) Base {
	var out Base
	s.store.View(func(st State) {
		b := st.Bases[instID]
		for _, p := range b.Proposals {
			out.Proposals = append(out.Proposals, p.Clone())
		}
		for _, p := range b.History {
			out.History = append(out.History, p.Clone())
		}
		out.Weapons = append(out.Weapons, b.Weapons...)
	})
	return out
}

func (s *Store) Add(instID int64, d Draft) (int, model.WeaponProposal, error) {
	if _, err := s.institution(instID); err != nil {
		return -1, model.WeaponProposal{}, err
	}
	name := strings.TrimSpace(d.Name)
	if name == "" {
		return -1, model.WeaponProposal{}, fmt.Errorf("%w: weapon name required", ErrBadRequest)
	}
	if d.Cost < 0 {
		return -1, model.WeaponProposal{}, fmt.Errorf("%w: cost must be >= 0", ErrBadRequest)
	}
	idx := -1
	var out model.WeaponProposal
	err := s.updateBase(instID, func(b *Base, st *State, _ model.Institution) error {
		st.NextProposal++
		p := model.WeaponProposal{
			ID:         st.NextProposal,
			Name:       name,
			Category:   strings.TrimSpace(d.Category),
			Technology: append([]string{}, d.Technology...),
			Parameters: d.Parameters,
			Look:       strings.TrimSpace(d.Look),
			Cost:       d.Cost,
			ProposedBy: strings.TrimSpace(d.ProposedBy),
			Status:     model.StatusPending,
			Votes:      map[string]bool{},
			CreatedAt:  s.now().UTC(),
		}
		b.Proposals = append(b.Proposals, p)
		idx = len(b.Proposals) - 1
		out = p.Clone()
		return nil
	})
	if err != nil {
		return -1, model.WeaponProposal{}, err
	}
	s.log.Info("weapon proposal added", "institution", instID, "proposal", out.ID, "name", out.Name)
	return idx, out, nil
}

func (s *Store) Pending(instID int64) ([]model.WeaponProposal, error) {
	if _, err := s.institution(instID); err != nil {
		return nil, err
	}
	return s.base(instID).Proposals, nil
}

func (s *Store) History(instID int64) ([]model.WeaponProposal, error) {
	if _, err := s.institution(instID); err != nil {
		return nil, err
	}
	return s.base(instID).History, nil
}

// Update merges patch into the pending weapon proposal at index. Resolved
// proposals move to history.
func (s *Store) Update(instID int64, index int, patch Patch) (model.WeaponProposal, bool) {
	return s.update(instID, func(list []model.WeaponProposal) int {
		if index < 0 || index >= len(list) {
			return -1
		}
		return index
	}, patch)
}

func (s *Store) UpdateByID(instID, id int64, patch Patch) (model.WeaponProposal, bool) {
	return s.update(instID, byID(id), patch)
}

func (s *Store) update(instID int64, pick func([]model.WeaponProposal) int, patch Patch) (model.WeaponProposal, bool) {
	var out model.WeaponProposal
	err := s.updateBase(instID, func(b *Base, _ *State, _ model.Institution) error {
		i := pick(b.Proposals)
		if i < 0 {
			return ErrNotFound
		}
		p := &b.Proposals[i]
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
		out = p.Clone()
		if p.Status != model.StatusPending {
			s.archive(b, i)
		}
		return nil
	})
	return out, err == nil
}

type VoteResult struct {
	Index    int
	Proposal model.WeaponProposal
	Tally    voting.Tally
	Status   model.Status
	Owner    string
	Position model.Vec3
}

// Vote records a share-weighted vote on a weapon proposal. index is used
// when id is zero.
func (s *Store) Vote(instID, id int64, index int, voter string, approve bool) (VoteResult, error) {
	voter = strings.TrimSpace(voter)
	if voter == "" {
		return VoteResult{}, fmt.Errorf("%w: voter identity required", ErrBadRequest)
	}
	if _, err := s.institution(instID); err != nil {
		return VoteResult{}, err
	}
	pick := byID(id)
	if id <= 0 {
		pick = func(list []model.WeaponProposal) int {
			if index < 0 || index >= len(list) {
				return -1
			}
			return index
		}
	}
	var res VoteResult
	err := s.updateBase(instID, func(b *Base, _ *State, inst model.Institution) error {
		i := pick(b.Proposals)
		if i < 0 {
			return ErrNotFound
		}
		p := &b.Proposals[i]
		if p.Votes == nil {
			p.Votes = map[string]bool{}
		}
		p.Votes[voter] = approve
		tally := voting.Count(p.Votes, inst.Shares, inst.TotalShares)
		p.Status = voting.Decide(tally)
		res = VoteResult{Index: i, Tally: tally, Status: p.Status, Owner: inst.Owner, Position: inst.Position}
		if p.Status != model.StatusPending {
			s.archive(b, i)
			res.Proposal = b.History[len(b.History)-1].Clone()
		} else {
			res.Proposal = p.Clone()
		}
		return nil
	})
	return res, err
}

func (s *Store) archive(b *Base, i int) {
	p := b.Proposals[i]
	now := s.now().UTC()
	p.ResolvedAt = &now
	b.History = append(b.History, p)
	b.Proposals = append(b.Proposals[:i], b.Proposals[i+1:]...)
}

func byID(id int64) func([]model.WeaponProposal) int {
	return func(list []model.WeaponProposal) int {
		for i := range list {
			if list[i].ID == id {
				return i
			}
		}
		return -1
	}
}

func (s *Store) Weapons(instID int64) ([]model.Weapon, error) {
	if _, err := s.institution(instID); err != nil {
		return nil, err
	}
	return s.base(instID).Weapons, nil
}

// AddWeapon appends w in scaffolding state. place is called under the lock
// with the offsets already in use.
func (s *Store) AddWeapon(instID int64, w model.Weapon, place func(existing []model.Vec3) model.Vec3) (int, model.Weapon, error) {
	if _, err := s.institution(instID); err != nil {
		return -1, model.Weapon{}, err
	}
	idx := -1
	err := s.updateBase(instID, func(b *Base, st *State, _ model.Institution) error {
		st.NextWeapon++
		w.ID = st.NextWeapon
		w.Movement = w.Parameters.Movement()
		if w.Status == "" {
			w.Status = model.BuildScaffolding
		}
		if w.Model == "" {
			w.Model = ScaffoldModel
		}
		if w.Scale == 0 {
			w.Scale = ScaffoldScale
		}
		if place != nil {
			w.Offset = place(offsets(b.Weapons))
		}
		w.Offset[1] = 0
		b.Weapons = append(b.Weapons, w)
		idx = len(b.Weapons) - 1
		return nil
	})
	return idx, w, err
}

// UpdateWeapon applies fn to the weapon with the given id.
func (s *Store) UpdateWeapon(instID, weaponID int64, fn func(w *model.Weapon) error) (int, model.Weapon, error) {
	if _, err := s.institution(instID); err != nil {
		return -1, model.Weapon{}, err
	}
	idx := -1
	var out model.Weapon
	err := s.updateBase(instID, func(b *Base, _ *State, _ model.Institution) error {
		for i := range b.Weapons {
			if b.Weapons[i].ID != weaponID {
				continue
			}
			if err := fn(&b.Weapons[i]); err != nil {
				return err
			}
			idx, out = i, b.Weapons[i]
			return nil
		}
		return ErrNotFound
	})
	return idx, out, err
}

func (s *Store) CompleteWeapon(instID, weaponID int64, modelRef string) (int, model.Weapon, error) {
	return s.UpdateWeapon(instID, weaponID, func(w *model.Weapon) error {
		if w.Status != model.BuildScaffolding {
			return ErrWrongStatus
		}
		w.Status = model.BuildCompleted
		w.Model = modelRef
		if w.Scale == 0 {
			w.Scale = ScaffoldScale
		}
		return nil
	})
}

// ConsumeWeapon marks a completed weapon as used up.
func (s *Store) ConsumeWeapon(instID, weaponID int64) (int, model.Weapon, error) {
	return s.UpdateWeapon(instID, weaponID, func(w *model.Weapon) error {
		if w.Status != model.BuildCompleted {
			return ErrWrongStatus
		}
		w.Status = model.BuildConsumed
		return nil
	})
}

// CloneWeapon rebuilds a consumed weapon as a new completed copy placed next
// to the rest of the arsenal.
func (s *Store) CloneWeapon(instID, weaponID int64, place func(existing []model.Vec3) model.Vec3) (int, model.Weapon, error) {
	if _, err := s.institution(instID); err != nil {
		return -1, model.Weapon{}, err
	}
	idx := -1
	var out model.Weapon
	err := s.updateBase(instID, func(b *Base, st *State, _ model.Institution) error {
		var src *model.Weapon
		for i := range b.Weapons {
			if b.Weapons[i].ID == weaponID {
				src = &b.Weapons[i]
				break
			}
		}
		if src == nil {
			return ErrNotFound
		}
		if src.Status != model.BuildConsumed {
			return ErrWrongStatus
		}
		st.NextWeapon++
		w := model.CloneWeapon(*src, st.NextWeapon)
		if place != nil {
			w.Offset = place(offsets(b.Weapons))
		}
		w.Offset[1] = 0
		b.Weapons = append(b.Weapons, w)
		idx, out = len(b.Weapons)-1, w
		return nil
	})
	return idx, out, err
}

// ProposalCost returns the cost of the proposal a weapon was built from.
func (s *Store) ProposalCost(instID, proposalID int64) (float64, bool) {
	for _, p := range s.base(instID).History {
		if p.ID == proposalID {
			return p.Cost, true
		}
	}
	return 0, false
}

// Drop removes every record for a destroyed institution.
func (s *Store) Drop(instID int64) error {
	return s.store.Update(func(st *State) error {
		delete(st.Bases, instID)
		return nil
	})
}

func offsets(ws []model.Weapon) []model.Vec3 {
	out := make([]model.Vec3, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.Offset)
	}
	return out
}
