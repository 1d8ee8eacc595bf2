package institutions

import (
	"errors"
	"fmt"
	"strings"

	"marscolony.ai/internal/governance/model"
	"marscolony.ai/internal/logger"
	"marscolony.ai/internal/persistence/recordstore"
)

const RecordKey = "institutions"

var (
	ErrNotFound   = errors.New("institution not found")
	ErrDestroyed  = errors.New("institution destroyed")
	ErrBadRequest = errors.New("bad request")
	ErrSoldOut    = errors.New("not enough unsold shares")
)

// Counters hand out ids that stay unique across every institution.
type Counters struct {
	Institution  int64 `json:"institution"`
	Proposal     int64 `json:"proposal"`
	Construction int64 `json:"construction"`
}

func (c *Counters) NextProposal() int64     { c.Proposal++; return c.Proposal }
func (c *Counters) NextConstruction() int64 { c.Construction++; return c.Construction }

type State struct {
	Counters Counters            `json:"counters"`
	List     []model.Institution `json:"list"`
}

func DefaultState() State { return State{} }

func (s *State) find(id int64) *model.Institution {
	for i := range s.List {
		if s.List[i].ID == id {
			return &s.List[i]
		}
	}
	return nil
}

type Registry struct {
	store *recordstore.Store[State]
	log   *logger.Logger
}

func NewRegistry(store *recordstore.Store[State], log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Nop()
	}
	return &Registry{store: store, log: log.With("component", "institutions")}
}

type Draft struct {
	Owner       string     `json:"owner"`
	Name        string     `json:"name"`
	Kind        model.Kind `json:"kind"`
	Position    model.Vec3 `json:"position"`
	TotalShares int        `json:"totalShares"`
	// OwnerShares are granted to the owner on creation.
	OwnerShares int `json:"ownerShares"`
}

func (r *Registry) Create(d Draft) (model.Institution, error) {
	d.Owner = strings.TrimSpace(d.Owner)
	d.Name = strings.TrimSpace(d.Name)
	if d.Owner == "" || d.Name == "" {
		return model.Institution{}, fmt.Errorf("%w: owner and name required", ErrBadRequest)
	}
	if d.TotalShares < 1 {
		d.TotalShares = 1
	}
	if d.OwnerShares < 0 || d.OwnerShares > d.TotalShares {
		return model.Institution{}, fmt.Errorf("%w: owner shares out of range", ErrBadRequest)
	}
	if d.Kind == "" {
		d.Kind = model.KindGeneral
	}
	if d.Kind != model.KindGeneral && d.Kind != model.KindDefence {
		return model.Institution{}, fmt.Errorf("%w: unknown kind %q", ErrBadRequest, d.Kind)
	}

	var out model.Institution
	err := r.store.Update(func(s *State) error {
		s.Counters.Institution++
		inst := model.Institution{
			ID:          s.Counters.Institution,
			Owner:       d.Owner,
			Name:        d.Name,
			Kind:        d.Kind,
			Position:    d.Position,
			TotalShares: d.TotalShares,
			Shares:      map[string]int{},
		}
		if d.OwnerShares > 0 {
			inst.Shares[d.Owner] = d.OwnerShares
		}
		recount(&inst)
		s.List = append(s.List, inst)
		out = inst.Clone()
		return nil
	})
	if err != nil {
		return model.Institution{}, err
	}
	r.log.Info("institution created", "id", out.ID, "name", out.Name, "kind", out.Kind)
	return out, nil
}

// Get returns a copy of the institution, destroyed or not.
func (r *Registry) Get(id int64) (model.Institution, bool) {
	var (
		out model.Institution
		ok  bool
	)
	r.store.View(func(s State) {
		if inst := s.find(id); inst != nil {
			out, ok = inst.Clone(), true
		}
	})
	return out, ok
}

func (r *Registry) List() []model.Institution {
	var out []model.Institution
	r.store.View(func(s State) {
		out = make([]model.Institution, 0, len(s.List))
		for i := range s.List {
			out = append(out, s.List[i].Clone())
		}
	})
	return out
}

// Update runs fn against a live institution under the store lock. Destroyed
// institutions are reported as ErrDestroyed and fn is not called.
func (r *Registry) Update(id int64, fn func(inst *model.Institution, ids *Counters) error) error {
	return r.store.Update(func(s *State) error {
		inst := s.find(id)
		if inst == nil {
			return ErrNotFound
		}
		if inst.Destroyed {
			return ErrDestroyed
		}
		if err := fn(inst, &s.Counters); err != nil {
			return err
		}
		recount(inst)
		return nil
	})
}

// BuyShares grants n unsold shares to identity.
func (r *Registry) BuyShares(id int64, identity string, n int) (model.Institution, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" || n <= 0 {
		return model.Institution{}, fmt.Errorf("%w: identity and positive share count required", ErrBadRequest)
	}
	var out model.Institution
	err := r.Update(id, func(inst *model.Institution, _ *Counters) error {
		if n > inst.TotalShares-inst.SoldShares {
			return ErrSoldOut
		}
		if inst.Shares == nil {
			inst.Shares = map[string]int{}
		}
		inst.Shares[identity] += n
		recount(inst)
		out = inst.Clone()
		return nil
	})
	return out, err
}

func (r *Registry) Hire(id int64, w model.Worker) (int, error) {
	if strings.TrimSpace(w.Name) == "" {
		return 0, fmt.Errorf("%w: worker name required", ErrBadRequest)
	}
	idx := -1
	err := r.Update(id, func(inst *model.Institution, _ *Counters) error {
		inst.Workforce = append(inst.Workforce, w)
		idx = len(inst.Workforce) - 1
		return nil
	})
	return idx, err
}

// Destroy is terminal: collections are cleared and effects zeroed.
func (r *Registry) Destroy(id int64) error {
	err := r.store.Update(func(s *State) error {
		inst := s.find(id)
		if inst == nil {
			return ErrNotFound
		}
		if inst.Destroyed {
			return nil
		}
		inst.Destroyed = true
		inst.Shares = map[string]int{}
		inst.Workforce = nil
		inst.Proposals = nil
		inst.ProposalHistory = nil
		inst.Constructions = nil
		inst.ExtraEffects = model.Effects{}
		recount(inst)
		return nil
	})
	if err == nil {
		r.log.Info("institution destroyed", "id", id)
	}
	return err
}

// ApplyEffects adds gains to the running extra effects and returns the new
// totals.
func (r *Registry) ApplyEffects(id int64, gains map[string]float64) (model.Effects, error) {
	var out model.Effects
	err := r.Update(id, func(inst *model.Institution, _ *Counters) error {
		inst.ExtraEffects.Add(gains)
		out = inst.ExtraEffects
		return nil
	})
	return out, err
}

// AddConstruction appends a new construction. place is called under the
// lock with the offsets already taken.
func (r *Registry) AddConstruction(id int64, c model.Construction, place func(existing []model.Vec3) model.Vec3) (int, model.Construction, error) {
	idx := -1
	err := r.Update(id, func(inst *model.Institution, ids *Counters) error {
		c.ID = ids.NextConstruction()
		if place != nil {
			c.Offset = place(inst.Offsets())
		}
		c.Offset[1] = 0
		inst.Constructions = append(inst.Constructions, c)
		idx = len(inst.Constructions) - 1
		return nil
	})
	return idx, c, err
}

// CompleteConstruction moves a scaffolding construction to completed. It
// looks the construction up by id, so late completions after a destroy are
// reported as errors instead of touching another record.
func (r *Registry) CompleteConstruction(id, constructionID int64, modelRef string) (int, model.Construction, error) {
	idx := -1
	var out model.Construction
	err := r.Update(id, func(inst *model.Institution, _ *Counters) error {
		for i := range inst.Constructions {
			if inst.Constructions[i].ID != constructionID {
				continue
			}
			inst.Constructions[i].Status = model.BuildCompleted
			inst.Constructions[i].Model = modelRef
			idx, out = i, inst.Constructions[i]
			return nil
		}
		return ErrNotFound
	})
	return idx, out, err
}

// Stakeholder is one worker together with the owner of its employer.
// Index is the worker's position in the employer's workforce.
type Stakeholder struct {
	InstitutionID int64
	Index         int
	Owner         string
	Worker        model.Worker
}

// Key identifies one ballot. Worker names are not unique, so the key is
// built from the employer and the workforce position.
func (s Stakeholder) Key() string {
	return fmt.Sprintf("%d|%d|%s", s.InstitutionID, s.Index, s.Worker.Name)
}

// Stakeholders enumerates every worker of every live institution in
// registry order.
func (r *Registry) Stakeholders() []Stakeholder {
	var out []Stakeholder
	r.store.View(func(s State) {
		for _, inst := range s.List {
			if inst.Destroyed {
				continue
			}
			for i, w := range inst.Workforce {
				out = append(out, Stakeholder{InstitutionID: inst.ID, Index: i, Owner: inst.Owner, Worker: w})
			}
		}
	})
	return out
}

// OwnedBy lists live institutions owned by identity.
func (r *Registry) OwnedBy(identity string) []model.Institution {
	var out []model.Institution
	r.store.View(func(s State) {
		for i := range s.List {
			if s.List[i].Owner == identity && !s.List[i].Destroyed {
				out = append(out, s.List[i].Clone())
			}
		}
	})
	return out
}

func recount(inst *model.Institution) {
	sold := 0
	for k, v := range inst.Shares {
		if v <= 0 {
			delete(inst.Shares, k)
			continue
		}
		sold += v
	}
	inst.SoldShares = sold
	inst.Funded = inst.SoldShares >= inst.TotalShares
}

// CheckInvariants reports share bookkeeping violations.
func CheckInvariants(inst model.Institution) error {
	sum := 0
	for _, v := range inst.Shares {
		sum += v
	}
	if sum != inst.SoldShares {
		return fmt.Errorf("institution %d: soldShares=%d but shares sum to %d", inst.ID, inst.SoldShares, sum)
	}
	if inst.Funded != (inst.SoldShares >= inst.TotalShares) {
		return fmt.Errorf("institution %d: funded=%v with %d/%d shares", inst.ID, inst.Funded, inst.SoldShares, inst.TotalShares)
	}
	if inst.TotalShares < 1 || inst.SoldShares > inst.TotalShares {
		return fmt.Errorf("institution %d: shares out of range %d/%d", inst.ID, inst.SoldShares, inst.TotalShares)
	}
	return nil
}
