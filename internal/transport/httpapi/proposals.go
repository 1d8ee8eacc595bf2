package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"marscolony.ai/internal/governance/prereq"
	"marscolony.ai/internal/governance/proposals"
	"marscolony.ai/internal/protocol"
)

// voteRequest addresses a proposal by stable id or by its current index.
type voteRequest struct {
	Index         *int   `json:"index"`
	ProposalID    int64  `json:"proposalId"`
	Approve       bool   `json:"approve"`
	VoterIdentity string `json:"voterIdentity"`
}

// ref is a bad request only when nothing addresses a proposal. An index or
// id that resolves to nothing is left for the store to report as not found.
func (v voteRequest) ref() (proposals.Ref, error) {
	ref := proposals.Ref{ID: v.ProposalID, Index: v.Index}
	if !ref.Set() {
		return ref, badRequest("index or proposalId required")
	}
	return ref, nil
}

type addRequest struct {
	Proposal json.RawMessage `json:"proposal"`
}

func (s *Server) listProposals(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	list, err := s.d.Proposals.Pending(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"proposals": nonNil(list)})
}

func (s *Server) proposalHistory(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	list, err := s.d.Proposals.History(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": nonNil(list)})
}

func (s *Server) addProposal(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req addRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if isEmptyJSON(req.Proposal) {
		s.fail(w, r, badRequest("proposal required"))
		return
	}
	if err := protocol.Validate(protocol.SchemaProposal, req.Proposal); err != nil {
		s.fail(w, r, badRequest("%v", err))
		return
	}
	var d proposals.Draft
	if err := json.Unmarshal(req.Proposal, &d); err != nil {
		s.fail(w, r, badRequest("%v", err))
		return
	}
	idx, p, err := s.d.Proposals.Add(id, d)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.d.Broadcast.Broadcast(protocol.UpdateInstitution(id))
	writeJSON(w, http.StatusOK, map[string]any{"index": idx, "id": p.ID})
}

func (s *Server) voteProposal(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req voteRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	ref, err := req.ref()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := s.d.Orchestrator.CastVote(r.Context(), id, ref, req.VoterIdentity, req.Approve)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// checkPrerequisites evaluates a proposal's prerequisites for one identity.
func (s *Server) checkPrerequisites(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	q := r.URL.Query()
	identity := strings.TrimSpace(q.Get("identity"))
	if identity == "" {
		s.fail(w, r, badRequest("identity required"))
		return
	}
	var ref proposals.Ref
	if v := q.Get("proposalId"); v != "" {
		pid, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.fail(w, r, badRequest("invalid proposalId %q", v))
			return
		}
		ref.ID = pid
	} else if v := q.Get("index"); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			s.fail(w, r, badRequest("invalid index %q", v))
			return
		}
		ref.Index = &i
	}
	if !ref.Set() {
		s.fail(w, r, badRequest("index or proposalId required"))
		return
	}
	_, p, err := s.d.Proposals.Get(id, ref)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	subject := prereq.Subject{Identity: identity, Owned: s.d.Registry.OwnedBy(identity)}
	if s.d.Ledger != nil {
		if acct, ok := s.d.Ledger.Get(identity); ok {
			subject.Account = &acct
		}
	}
	results := s.d.Prereq.CheckAll(p.Prerequisites, subject)
	writeJSON(w, http.StatusOK, map[string]any{
		"proposalId": p.ID,
		"results":    nonNil(results),
		"met":        prereq.AllMet(results),
	})
}

func isEmptyJSON(raw json.RawMessage) bool {
	t := strings.TrimSpace(string(raw))
	return t == "" || t == "null"
}

// nonNil keeps empty lists encoded as [] instead of null.
func nonNil[T any](list []T) []T {
	if list == nil {
		return []T{}
	}
	return list
}
