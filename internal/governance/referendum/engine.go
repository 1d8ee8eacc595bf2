package referendum

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"marscolony.ai/internal/governance/institutions"
	"marscolony.ai/internal/governance/model"
	"marscolony.ai/internal/logger"
	"marscolony.ai/internal/metrics"
	plog "marscolony.ai/internal/persistence/log"
	"marscolony.ai/internal/protocol"
)

type Stakeholders interface {
	Stakeholders() []institutions.Stakeholder
}

// Advisor answers for one worker. On error the returned vote is still used.
type Advisor interface {
	Vote(ctx context.Context, w model.Worker, owner, question string) (bool, error)
}

type Board interface {
	AddBoardMember(identity, name string) bool
	RemoveBoardMember(identity string) bool
}

type Engine struct {
	refs    *Manager
	insts   Stakeholders
	advisor Advisor
	board   Board
	bus     protocol.Broadcaster
	audit   plog.AuditSink
	metrics *metrics.Metrics
	log     *logger.Logger
}

type Option func(*Engine)

func WithBroadcaster(b protocol.Broadcaster) Option { return func(e *Engine) { e.bus = b } }
func WithAudit(a plog.AuditSink) Option             { return func(e *Engine) { e.audit = a } }
func WithMetrics(m *metrics.Metrics) Option         { return func(e *Engine) { e.metrics = m } }
func WithLogger(l *logger.Logger) Option            { return func(e *Engine) { e.log = l } }

func NewEngine(refs *Manager, insts Stakeholders, advisor Advisor, board Board, opts ...Option) *Engine {
	e := &Engine{refs: refs, insts: insts, advisor: advisor, board: board, bus: protocol.Discard, log: logger.Nop()}
	for _, o := range opts {
		o(e)
	}
	e.log = e.log.With("component", "referendum")
	return e
}

func (e *Engine) Active() (Referendum, bool) { return e.refs.Active() }
func (e *Engine) History() []Referendum      { return e.refs.History() }

// Run creates a referendum and polls every stakeholder in registry order,
// one at a time. It returns the archived referendum. If ctx is cancelled
// mid-poll the referendum is archived as rejected and ctx's error returned.
func (e *Engine) Run(ctx context.Context, typ string, data map[string]any, proposedBy string) (Referendum, error) {
	if data == nil {
		data = map[string]any{}
	}
	ref, err := e.refs.Create(typ, data, proposedBy)
	if err != nil {
		return Referendum{}, err
	}
	voters := e.insts.Stakeholders()
	if ref, err = e.refs.Open(ref.ID, len(voters)); err != nil {
		return Referendum{}, err
	}
	e.bus.Broadcast(protocol.ReferendumStartMsg{
		Type:       protocol.TypeReferendumStart,
		Referendum: protocol.ReferendumStartInfo{ID: ref.ID, Kind: ref.Type, Total: ref.TotalWorkers},
	})
	e.log.Info("referendum started", "id", ref.ID, "type", ref.Type, "voters", len(voters))

	question := Question(ref.Type, ref.Data)
	for _, s := range voters {
		if err := ctx.Err(); err != nil {
			out, ferr := e.refs.Finalize(ref.ID, "interrupted")
			if ferr == nil {
				e.finish(out)
			}
			return out, err
		}
		yes, verr := e.advisor.Vote(ctx, s.Worker, s.Owner, question)
		if verr != nil {
			e.log.Warn("advisor failed; using fallback vote", "referendum", ref.ID, "stakeholder", s.Key(), "error", verr)
		}
		if ref, err = e.refs.Record(ref.ID, s.Key(), yes); err != nil {
			return Referendum{}, err
		}
		if e.metrics != nil {
			e.metrics.ReferendumVotes.Inc()
		}
		e.bus.Broadcast(protocol.ReferendumProgressMsg{Type: protocol.TypeReferendumProgress, Voted: ref.Voted, Total: ref.TotalWorkers})
	}

	out, err := e.refs.Finalize(ref.ID, "")
	if err != nil {
		return Referendum{}, err
	}
	if out.Status == StatusApproved {
		e.apply(out)
	}
	e.finish(out)
	return out, nil
}

// apply carries out board changes for approved candidate and fire votes.
func (e *Engine) apply(r Referendum) {
	if e.board == nil {
		return
	}
	email, name := str(r.Data, "email"), str(r.Data, "name")
	switch r.Type {
	case TypeCandidate:
		if email != "" && name != "" {
			seated := e.board.AddBoardMember(email, name)
			e.log.Info("board candidate approved", "referendum", r.ID, "identity", email, "seated", seated)
		}
	case TypeFire:
		if email != "" {
			removed := e.board.RemoveBoardMember(email)
			e.log.Info("board member fired", "referendum", r.ID, "identity", email, "removed", removed)
		}
	}
}

func (e *Engine) finish(r Referendum) {
	e.log.Info("referendum finished", "id", r.ID, "status", r.Status, "yes", r.Result.Yes, "no", r.Result.No)
	e.bus.Broadcast(protocol.ReferendumResultMsg{Type: protocol.TypeReferendumResult, Referendum: r})
	if e.metrics != nil {
		e.metrics.Referenda.WithLabelValues(string(r.Status)).Inc()
	}
	if e.audit == nil {
		return
	}
	err := e.audit.WriteAudit(protocol.AuditEntry{
		Time:      time.Now().UTC().Format(time.RFC3339Nano),
		Kind:      protocol.AuditReferendum,
		SubjectID: r.ID,
		Title:     r.Type,
		Status:    string(r.Status),
		Approve:   r.Result.Yes,
		Deny:      r.Result.No,
		Total:     r.TotalWorkers,
		Reason:    r.Reason,
	})
	if err != nil {
		e.log.Warn("audit write failed", "referendum", r.ID, "error", err)
	}
}

// Question is the text put to each stakeholder.
func Question(typ string, data map[string]any) string {
	b, err := json.Marshal(struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}{typ, data})
	if err != nil {
		return typ
	}
	return string(b)
}

func str(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return strings.TrimSpace(s)
}
