// Package prereq evaluates proposal prerequisites for a would-be voter:
// "hire" needs a worker with that role in one of the voter's institutions,
// "institution" needs an owned institution with that name, and "expr" runs
// a boolean expression over the voter's holdings.
package prereq

import (
	"fmt"
	"sort"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"marscolony.ai/internal/governance/accounts"
	"marscolony.ai/internal/governance/model"
)

const (
	TypeHire        = "hire"
	TypeInstitution = "institution"
	TypeExpr        = "expr"
)

// Subject is everything a prerequisite may look at.
type Subject struct {
	Identity string
	Owned    []model.Institution
	Account  *accounts.Account
}

type Result struct {
	Type  string `json:"type"`
	Value string `json:"value"`
	Met   bool   `json:"met"`
	Error string `json:"error,omitempty"`
}

type Checker struct {
	mu    sync.Mutex
	cache map[string]*vm.Program
}

func NewChecker() *Checker {
	return &Checker{cache: map[string]*vm.Program{}}
}

func (c *Checker) Check(pr model.Prerequisite, s Subject) (bool, error) {
	switch pr.Type {
	case TypeHire:
		for _, inst := range s.Owned {
			for _, w := range inst.Workforce {
				if w.Role == pr.Value {
					return true, nil
				}
			}
		}
		return false, nil
	case TypeInstitution:
		for _, inst := range s.Owned {
			if inst.Name == pr.Value {
				return true, nil
			}
		}
		return false, nil
	case TypeExpr:
		prog, err := c.compile(pr.Value)
		if err != nil {
			return false, err
		}
		out, err := expr.Run(prog, environment(s))
		if err != nil {
			return false, fmt.Errorf("evaluate %q: %w", pr.Value, err)
		}
		ok, _ := out.(bool)
		return ok, nil
	}
	return false, fmt.Errorf("unknown prerequisite type %q", pr.Type)
}

// CheckAll reports every prerequisite in order. Errors mark the entry unmet.
func (c *Checker) CheckAll(prs []model.Prerequisite, s Subject) []Result {
	out := make([]Result, 0, len(prs))
	for _, pr := range prs {
		ok, err := c.Check(pr, s)
		r := Result{Type: pr.Type, Value: pr.Value, Met: ok}
		if err != nil {
			r.Error = err.Error()
		}
		out = append(out, r)
	}
	return out
}

// AllMet is true when every result is met, including the empty list.
func AllMet(rs []Result) bool {
	for _, r := range rs {
		if !r.Met {
			return false
		}
	}
	return true
}

func (c *Checker) compile(src string) (*vm.Program, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.cache[src]; ok {
		return p, nil
	}
	p, err := expr.Compile(src, expr.Env(map[string]any{}), expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", src, err)
	}
	c.cache[src] = p
	return p, nil
}

func environment(s Subject) map[string]any {
	roles := map[string]bool{}
	names := make([]string, 0, len(s.Owned))
	workers := 0
	for _, inst := range s.Owned {
		names = append(names, inst.Name)
		workers += len(inst.Workforce)
		for _, w := range inst.Workforce {
			if w.Role != "" {
				roles[w.Role] = true
			}
		}
	}
	roleList := make([]string, 0, len(roles))
	for r := range roles {
		roleList = append(roleList, r)
	}
	sort.Strings(roleList)
	env := map[string]any{
		"identity":     s.Identity,
		"institutions": names,
		"roles":        roleList,
		"workers":      workers,
		"money":        0.0,
		"health":       0.0,
		"hydration":    0.0,
		"oxygen":       0.0,
	}
	if a := s.Account; a != nil {
		env["money"] = a.Money
		env["health"] = a.Health
		env["hydration"] = a.Hydration
		env["oxygen"] = a.Oxygen
	}
	return env
}
