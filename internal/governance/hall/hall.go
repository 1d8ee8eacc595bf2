// Package hall is the planet hall: a board of at most five elected members
// who vote on colony policies. Referenda add and remove board members.
package hall

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"marscolony.ai/internal/logger"
	"marscolony.ai/internal/persistence/recordstore"
)

const (
	RecordKey    = "hall"
	MaxBoardSize = 5
)

var (
	ErrNotFound       = errors.New("policy not found")
	ErrNotBoardMember = errors.New("not a board member")
	ErrClosed         = errors.New("policy is no longer open for voting")
	ErrBadRequest     = errors.New("bad request")
)

type PolicyStatus string

const (
	PolicyVoting   PolicyStatus = "voting"
	PolicyApproved PolicyStatus = "approved"
	PolicyRejected PolicyStatus = "rejected"
)

type Member struct {
	Identity  string    `json:"identity"`
	Name      string    `json:"name"`
	ElectedAt time.Time `json:"electedAt"`
}

type Policy struct {
	ID          int64           `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	ProposedBy  string          `json:"proposedBy"`
	Votes       map[string]bool `json:"votes"`
	Status      PolicyStatus    `json:"status"`
	CreatedAt   time.Time       `json:"createdAt"`
	ApprovedAt  *time.Time      `json:"approvedAt,omitempty"`
}

func (p Policy) clone() Policy {
	out := p
	out.Votes = make(map[string]bool, len(p.Votes))
	for k, v := range p.Votes {
		out.Votes[k] = v
	}
	return out
}

type State struct {
	Board        []Member `json:"boardMembers"`
	Policies     []Policy `json:"policies"`
	NextPolicyID int64    `json:"nextPolicyId"`
}

func DefaultState() State { return State{NextPolicyID: 1} }

type Hall struct {
	store *recordstore.Store[State]
	log   *logger.Logger
	now   func() time.Time
}

func New(store *recordstore.Store[State], log *logger.Logger) *Hall {
	if log == nil {
		log = logger.Nop()
	}
	return &Hall{store: store, log: log.With("component", "hall"), now: time.Now}
}

func (h *Hall) Board() []Member {
	var out []Member
	h.store.View(func(s State) { out = append([]Member{}, s.Board...) })
	return out
}

func (h *Hall) IsBoardMember(identity string) bool {
	ok := false
	h.store.View(func(s State) { ok = isMember(s.Board, identity) })
	return ok
}

// AddBoardMember seats identity unless the board is full or it already
// holds a seat.
func (h *Hall) AddBoardMember(identity, name string) bool {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return false
	}
	added := false
	h.store.Update(func(s *State) error {
		if len(s.Board) >= MaxBoardSize || isMember(s.Board, identity) {
			return errors.New("seat unavailable")
		}
		s.Board = append(s.Board, Member{Identity: identity, Name: strings.TrimSpace(name), ElectedAt: h.now().UTC()})
		added = true
		return nil
	})
	if added {
		h.log.Info("board member added", "identity", identity)
	}
	return added
}

func (h *Hall) RemoveBoardMember(identity string) bool {
	removed := false
	h.store.Update(func(s *State) error {
		for i, m := range s.Board {
			if m.Identity == identity {
				s.Board = append(s.Board[:i], s.Board[i+1:]...)
				removed = true
				return nil
			}
		}
		return errors.New("not seated")
	})
	if removed {
		h.log.Info("board member removed", "identity", identity)
	}
	return removed
}

func (h *Hall) Policies() []Policy {
	var out []Policy
	h.store.View(func(s State) {
		out = make([]Policy, 0, len(s.Policies))
		for _, p := range s.Policies {
			out = append(out, p.clone())
		}
	})
	return out
}

func (h *Hall) CreatePolicy(title, description, proposedBy string) (Policy, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return Policy{}, fmt.Errorf("%w: title required", ErrBadRequest)
	}
	var out Policy
	err := h.store.Update(func(s *State) error {
		if !isMember(s.Board, proposedBy) {
			return ErrNotBoardMember
		}
		if s.NextPolicyID < 1 {
			s.NextPolicyID = 1
		}
		p := Policy{
			ID:          s.NextPolicyID,
			Title:       title,
			Description: strings.TrimSpace(description),
			ProposedBy:  proposedBy,
			Votes:       map[string]bool{},
			Status:      PolicyVoting,
			CreatedAt:   h.now().UTC(),
		}
		s.NextPolicyID++
		s.Policies = append(s.Policies, p)
		out = p.clone()
		return nil
	})
	return out, err
}

// VotePolicy records a board member's vote. A policy is approved once yes
// votes exceed half the board and rejected once no votes reach half.
func (h *Hall) VotePolicy(id int64, identity string, yes bool) (Policy, error) {
	var out Policy
	err := h.store.Update(func(s *State) error {
		var p *Policy
		for i := range s.Policies {
			if s.Policies[i].ID == id {
				p = &s.Policies[i]
				break
			}
		}
		if p == nil {
			return ErrNotFound
		}
		if p.Status != PolicyVoting {
			return ErrClosed
		}
		if !isMember(s.Board, identity) {
			return ErrNotBoardMember
		}
		if p.Votes == nil {
			p.Votes = map[string]bool{}
		}
		p.Votes[identity] = yes
		board := len(s.Board)
		ayes, nays := 0, 0
		for _, v := range p.Votes {
			if v {
				ayes++
			} else {
				nays++
			}
		}
		switch {
		case 2*ayes > board:
			p.Status = PolicyApproved
			now := h.now().UTC()
			p.ApprovedAt = &now
		case 2*nays >= board:
			p.Status = PolicyRejected
		}
		out = p.clone()
		return nil
	})
	return out, err
}

func isMember(board []Member, identity string) bool {
	for _, m := range board {
		if m.Identity == identity {
			return true
		}
	}
	return false
}
