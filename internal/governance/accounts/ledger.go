// Package accounts holds each player's money and vitals. The resolution
// orchestrator debits proposal and rebuild costs from it.
package accounts

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"marscolony.ai/internal/governance/model"
	"marscolony.ai/internal/logger"
	"marscolony.ai/internal/persistence/recordstore"
)

const RecordKey = "accounts"

const (
	DefaultMoney  = 1000
	DefaultVitals = 100
)

var (
	ErrNotFound     = errors.New("account not found")
	ErrInsufficient = errors.New("insufficient funds")
	ErrBadRequest   = errors.New("bad request")
)

type Account struct {
	Identity  string     `json:"identity"`
	Position  model.Vec3 `json:"position"`
	Money     float64    `json:"money"`
	Health    float64    `json:"health"`
	Hydration float64    `json:"hydration"`
	Oxygen    float64    `json:"oxygen"`
}

type State struct {
	Accounts map[string]Account `json:"accounts"`
}

func DefaultState() State { return State{Accounts: map[string]Account{}} }

// Patch fields left nil keep their value.
type Patch struct {
	Position  *model.Vec3 `json:"position,omitempty"`
	Money     *float64    `json:"money,omitempty"`
	Health    *float64    `json:"health,omitempty"`
	Hydration *float64    `json:"hydration,omitempty"`
	Oxygen    *float64    `json:"oxygen,omitempty"`
}

type Ledger struct {
	store *recordstore.Store[State]
	log   *logger.Logger
}

func NewLedger(store *recordstore.Store[State], log *logger.Logger) *Ledger {
	if log == nil {
		log = logger.Nop()
	}
	return &Ledger{store: store, log: log.With("component", "accounts")}
}

func (l *Ledger) Get(identity string) (Account, bool) {
	var (
		out Account
		ok  bool
	)
	l.store.View(func(s State) {
		out, ok = s.Accounts[identity]
	})
	return out, ok
}

// Upsert creates the account on first use with default money and vitals,
// then applies p.
func (l *Ledger) Upsert(identity string, p Patch) (Account, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return Account{}, fmt.Errorf("%w: identity required", ErrBadRequest)
	}
	for _, v := range []*float64{p.Money, p.Health, p.Hydration, p.Oxygen} {
		if v != nil && (math.IsNaN(*v) || math.IsInf(*v, 0)) {
			return Account{}, fmt.Errorf("%w: non-finite value", ErrBadRequest)
		}
	}
	var out Account
	err := l.store.Update(func(s *State) error {
		if s.Accounts == nil {
			s.Accounts = map[string]Account{}
		}
		a, ok := s.Accounts[identity]
		if !ok {
			a = Account{
				Identity:  identity,
				Money:     DefaultMoney,
				Health:    DefaultVitals,
				Hydration: DefaultVitals,
				Oxygen:    DefaultVitals,
			}
		}
		if p.Position != nil {
			a.Position = *p.Position
		}
		if p.Money != nil {
			a.Money = *p.Money
		}
		if p.Health != nil {
			a.Health = *p.Health
		}
		if p.Hydration != nil {
			a.Hydration = *p.Hydration
		}
		if p.Oxygen != nil {
			a.Oxygen = *p.Oxygen
		}
		s.Accounts[identity] = a
		out = a
		return nil
	})
	return out, err
}

// Debit takes amount from identity's money. Nothing changes when the
// account is missing or cannot afford it.
func (l *Ledger) Debit(identity string, amount float64) (float64, error) {
	if amount < 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return 0, fmt.Errorf("%w: invalid amount %v", ErrBadRequest, amount)
	}
	var balance float64
	err := l.store.Update(func(s *State) error {
		a, ok := s.Accounts[identity]
		if !ok {
			return ErrNotFound
		}
		if a.Money < amount {
			balance = a.Money
			return ErrInsufficient
		}
		a.Money -= amount
		s.Accounts[identity] = a
		balance = a.Money
		return nil
	})
	if err == nil {
		l.log.Info("account debited", "identity", identity, "amount", amount, "balance", balance)
	}
	return balance, err
}

// Credit adds amount to an existing account.
func (l *Ledger) Credit(identity string, amount float64) (float64, error) {
	if amount < 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return 0, fmt.Errorf("%w: invalid amount %v", ErrBadRequest, amount)
	}
	var balance float64
	err := l.store.Update(func(s *State) error {
		a, ok := s.Accounts[identity]
		if !ok {
			return ErrNotFound
		}
		a.Money += amount
		s.Accounts[identity] = a
		balance = a.Money
		return nil
	})
	return balance, err
}
