package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"marscolony.ai/internal/governance/accounts"
	"marscolony.ai/internal/governance/institutions"
	"marscolony.ai/internal/governance/model"
	"marscolony.ai/internal/protocol"
)

func (s *Server) listInstitutions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"institutions": nonNil(s.d.Registry.List())})
}

func (s *Server) createInstitution(w http.ResponseWriter, r *http.Request) {
	var d institutions.Draft
	if err := decode(r, &d); err != nil {
		s.fail(w, r, err)
		return
	}
	inst, err := s.d.Registry.Create(d)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.d.Broadcast.Broadcast(protocol.UpdateInstitution(inst.ID))
	writeJSON(w, http.StatusCreated, map[string]any{"institution": inst})
}

func (s *Server) getInstitution(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	inst, ok := s.d.Registry.Get(id)
	if !ok {
		s.fail(w, r, institutions.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"institution": inst})
}

func (s *Server) buyShares(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req struct {
		Identity string `json:"identity"`
		Shares   int    `json:"shares"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	inst, err := s.d.Registry.BuyShares(id, req.Identity, req.Shares)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.d.Broadcast.Broadcast(protocol.UpdateInstitution(id))
	writeJSON(w, http.StatusOK, map[string]any{"institution": inst})
}

func (s *Server) hire(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req struct {
		Worker model.Worker `json:"worker"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	idx, err := s.d.Registry.Hire(id, req.Worker)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.d.Broadcast.Broadcast(protocol.UpdateInstitution(id))
	writeJSON(w, http.StatusOK, map[string]any{"index": idx})
}

func (s *Server) destroyInstitution(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.d.Orchestrator.DestroyInstitution(id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"destroyed": true, "id": id})
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	identity := strings.TrimSpace(chi.URLParam(r, "identity"))
	acct, ok := s.d.Ledger.Get(identity)
	if !ok {
		s.fail(w, r, accounts.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": acct})
}

func (s *Server) upsertAccount(w http.ResponseWriter, r *http.Request) {
	identity := strings.TrimSpace(chi.URLParam(r, "identity"))
	var p accounts.Patch
	if err := decode(r, &p); err != nil {
		s.fail(w, r, err)
		return
	}
	acct, err := s.d.Ledger.Upsert(identity, p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": acct})
}
