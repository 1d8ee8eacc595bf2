package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"marscolony.ai/internal/governance/hall"
	"marscolony.ai/internal/protocol"
)

type referendumRequest struct {
	Type             string         `json:"type"`
	Data             map[string]any `json:"data"`
	ProposerIdentity string         `json:"proposerIdentity"`
	// Email is accepted as the proposer when proposerIdentity is absent.
	Email string `json:"email"`
}

func (s *Server) getReferenda(w http.ResponseWriter, r *http.Request) {
	var active any
	if ref, ok := s.d.Referenda.Active(); ok {
		active = ref
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": active, "history": nonNil(s.d.Referenda.History())})
}

// runReferendum blocks until every stakeholder has voted.
func (s *Server) runReferendum(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := protocol.Validate(protocol.SchemaReferendum, raw); err != nil {
		s.fail(w, r, badRequest("%v", err))
		return
	}
	var req referendumRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		s.fail(w, r, badRequest("%v", err))
		return
	}
	proposer := strings.TrimSpace(req.ProposerIdentity)
	if proposer == "" {
		proposer = strings.TrimSpace(req.Email)
	}
	ref, err := s.d.Referenda.Run(s.d.Base, req.Type, req.Data, proposer)
	if err != nil && ref.ID == 0 {
		s.fail(w, r, err)
		return
	}
	if err != nil {
		s.log.Warn("referendum interrupted", "id", ref.ID, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"referendum": ref})
}

func (s *Server) getBoard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"board": nonNil(s.d.Hall.Board())})
}

func (s *Server) listPolicies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"policies": nonNil(s.d.Hall.Policies())})
}

func (s *Server) createPolicy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title            string `json:"title"`
		Description      string `json:"description"`
		ProposerIdentity string `json:"proposerIdentity"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	p, err := s.d.Hall.CreatePolicy(req.Title, req.Description, strings.TrimSpace(req.ProposerIdentity))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.d.Broadcast.Broadcast(protocol.PolicyMsg{Type: protocol.TypeNewPolicy, Policy: p})
	writeJSON(w, http.StatusOK, map[string]any{"policy": p})
}

func (s *Server) votePolicy(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req struct {
		Identity string `json:"identity"`
		Vote     bool   `json:"vote"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	p, err := s.d.Hall.VotePolicy(id, strings.TrimSpace(req.Identity), req.Vote)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.d.Broadcast.Broadcast(protocol.PolicyMsg{Type: protocol.TypePolicyVote, Policy: p})
	if p.Status != hall.PolicyVoting {
		yes, no := 0, 0
		for _, v := range p.Votes {
			if v {
				yes++
			} else {
				no++
			}
		}
		s.audit(protocol.AuditEntry{
			Kind:      protocol.AuditPolicy,
			SubjectID: p.ID,
			Title:     p.Title,
			Status:    string(p.Status),
			Approve:   yes,
			Deny:      no,
			Total:     len(s.d.Hall.Board()),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"policy": p})
}

func (s *Server) recentResolutions(w http.ResponseWriter, r *http.Request) {
	if s.d.Index == nil {
		writeError(w, http.StatusNotFound, protocol.ErrNotFound, "resolution index disabled")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.fail(w, r, badRequest("invalid limit %q", v))
			return
		}
		limit = n
	}
	entries, err := s.d.Index.Recent(r.Context(), strings.TrimSpace(r.URL.Query().Get("kind")), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": nonNil(entries)})
}

func (s *Server) resolutionSummary(w http.ResponseWriter, r *http.Request) {
	if s.d.Index == nil {
		writeError(w, http.StatusNotFound, protocol.ErrNotFound, "resolution index disabled")
		return
	}
	counts, err := s.d.Index.Summary(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"summary": nonNil(counts)})
}
