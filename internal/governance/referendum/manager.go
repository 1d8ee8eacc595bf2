// Package referendum runs colony-wide votes in which every worker of every
// live institution casts exactly one ballot.
package referendum

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"marscolony.ai/internal/logger"
	"marscolony.ai/internal/persistence/recordstore"
)

const RecordKey = "referenda"

var (
	ErrReferendumActive = errors.New("a referendum is already running")
	ErrBadRequest       = errors.New("bad request")
	ErrNotActive        = errors.New("referendum is not active")
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusVoting   Status = "voting"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Types with side effects on the planet hall board.
const (
	TypeCandidate = "candidate"
	TypeFire      = "fire"
)

type Result struct {
	Yes int `json:"yes"`
	No  int `json:"no"`
}

type Referendum struct {
	ID           int64           `json:"id"`
	Type         string          `json:"type"`
	Data         map[string]any  `json:"data"`
	ProposedBy   string          `json:"proposedBy"`
	Status       Status          `json:"status"`
	Votes        map[string]bool `json:"votes"`
	TotalWorkers int             `json:"totalWorkers"`
	Voted        int             `json:"voted"`
	Result       *Result         `json:"result,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	FinishedAt   *time.Time      `json:"finishedAt,omitempty"`
}

func (r Referendum) Clone() Referendum {
	out := r
	out.Data = make(map[string]any, len(r.Data))
	for k, v := range r.Data {
		out.Data[k] = v
	}
	out.Votes = make(map[string]bool, len(r.Votes))
	for k, v := range r.Votes {
		out.Votes[k] = v
	}
	if r.Result != nil {
		res := *r.Result
		out.Result = &res
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

type State struct {
	Active  *Referendum  `json:"active"`
	History []Referendum `json:"history"`
	NextID  int64        `json:"nextId"`
}

func DefaultState() State { return State{NextID: 1} }

// Manager persists the active referendum and the archive.
type Manager struct {
	store *recordstore.Store[State]
	log   *logger.Logger
	now   func() time.Time
}

func NewManager(store *recordstore.Store[State], log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Nop()
	}
	return &Manager{store: store, log: log.With("component", "referenda"), now: time.Now}
}

func (m *Manager) Active() (Referendum, bool) {
	var (
		out Referendum
		ok  bool
	)
	m.store.View(func(s State) {
		if s.Active != nil {
			out, ok = s.Active.Clone(), true
		}
	})
	return out, ok
}

func (m *Manager) History() []Referendum {
	var out []Referendum
	m.store.View(func(s State) {
		out = make([]Referendum, 0, len(s.History))
		for _, r := range s.History {
			out = append(out, r.Clone())
		}
	})
	return out
}

// Create opens a new referendum in pending status. Only one may be active.
func (m *Manager) Create(typ string, data map[string]any, proposedBy string) (Referendum, error) {
	typ = strings.TrimSpace(typ)
	if typ == "" {
		return Referendum{}, fmt.Errorf("%w: referendum type required", ErrBadRequest)
	}
	var out Referendum
	err := m.store.Update(func(s *State) error {
		if s.Active != nil {
			return ErrReferendumActive
		}
		if s.NextID < 1 {
			s.NextID = 1
		}
		r := Referendum{
			ID:         s.NextID,
			Type:       typ,
			Data:       data,
			ProposedBy: strings.TrimSpace(proposedBy),
			Status:     StatusPending,
			Votes:      map[string]bool{},
			CreatedAt:  m.now().UTC(),
		}
		s.NextID++
		r = r.Clone()
		s.Active = &r
		out = r.Clone()
		return nil
	})
	if err != nil {
		return Referendum{}, err
	}
	m.log.Info("referendum created", "id", out.ID, "type", out.Type, "proposedBy", out.ProposedBy)
	return out, nil
}

// Open moves the active referendum to voting with the given electorate size.
func (m *Manager) Open(id int64, total int) (Referendum, error) {
	return m.mutate(id, func(r *Referendum) {
		r.Status = StatusVoting
		r.TotalWorkers = total
		r.Voted = 0
	})
}

// Record stores one stakeholder ballot on the active referendum.
func (m *Manager) Record(id int64, key string, yes bool) (Referendum, error) {
	return m.mutate(id, func(r *Referendum) {
		if _, seen := r.Votes[key]; !seen {
			r.Voted++
		}
		r.Votes[key] = yes
	})
}

// Finalize tallies the active referendum, archives it and clears the active
// slot. reason is set only when the run did not complete.
func (m *Manager) Finalize(id int64, reason string) (Referendum, error) {
	var out Referendum
	err := m.store.Update(func(s *State) error {
		if s.Active == nil || s.Active.ID != id {
			return ErrNotActive
		}
		r := s.Active
		res := Tally(r.Votes)
		r.Result = &res
		r.Status = StatusRejected
		if reason == "" && res.Yes > res.No {
			r.Status = StatusApproved
		}
		r.Reason = reason
		t := m.now().UTC()
		r.FinishedAt = &t
		s.History = append(s.History, r.Clone())
		s.Active = nil
		out = s.History[len(s.History)-1].Clone()
		return nil
	})
	return out, err
}

// Abandon archives a referendum left active by a previous process.
func (m *Manager) Abandon() (Referendum, bool) {
	r, ok := m.Active()
	if !ok {
		return Referendum{}, false
	}
	out, err := m.Finalize(r.ID, "interrupted")
	if err != nil {
		return Referendum{}, false
	}
	m.log.Warn("abandoned interrupted referendum", "id", out.ID, "voted", out.Voted, "total", out.TotalWorkers)
	return out, true
}

func (m *Manager) mutate(id int64, fn func(r *Referendum)) (Referendum, error) {
	var out Referendum
	err := m.store.Update(func(s *State) error {
		if s.Active == nil || s.Active.ID != id {
			return ErrNotActive
		}
		if s.Active.Votes == nil {
			s.Active.Votes = map[string]bool{}
		}
		fn(s.Active)
		out = s.Active.Clone()
		return nil
	})
	return out, err
}

// Tally counts yes and no ballots. Approval needs a strict majority of the
// ballots cast, so an empty referendum is rejected.
func Tally(votes map[string]bool) Result {
	var res Result
	for _, yes := range votes {
		if yes {
			res.Yes++
		} else {
			res.No++
		}
	}
	return res
}
