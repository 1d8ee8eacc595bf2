package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"marscolony.ai/internal/governance/defence"
	"marscolony.ai/internal/protocol"
)

// weaponDraft accepts technology as a single string or a list.
type weaponDraft struct {
	defence.Draft
	Technology json.RawMessage `json:"technology"`
}

func (d weaponDraft) draft() (defence.Draft, error) {
	out := d.Draft
	out.Technology = nil
	if isEmptyJSON(d.Technology) {
		return out, nil
	}
	var one string
	if err := json.Unmarshal(d.Technology, &one); err == nil {
		for _, t := range strings.Split(one, ",") {
			if t = strings.TrimSpace(t); t != "" {
				out.Technology = append(out.Technology, t)
			}
		}
		return out, nil
	}
	if err := json.Unmarshal(d.Technology, &out.Technology); err != nil {
		return out, badRequest("technology must be a string or a list of strings")
	}
	return out, nil
}

type weaponRequest struct {
	WeaponID int64 `json:"weaponId"`
}

func (s *Server) listWeaponProposals(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	list, err := s.d.Defence.Pending(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"proposals": nonNil(list)})
}

func (s *Server) weaponProposalHistory(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	list, err := s.d.Defence.History(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": nonNil(list)})
}

func (s *Server) addWeaponProposal(w http.ResponseWriter, r *http.Request) {
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
	if err := protocol.Validate(protocol.SchemaWeapon, req.Proposal); err != nil {
		s.fail(w, r, badRequest("%v", err))
		return
	}
	var wd weaponDraft
	if err := json.Unmarshal(req.Proposal, &wd); err != nil {
		s.fail(w, r, badRequest("%v", err))
		return
	}
	d, err := wd.draft()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	idx, p, err := s.d.Defence.Add(id, d)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"index": idx, "id": p.ID})
}

func (s *Server) voteWeaponProposal(w http.ResponseWriter, r *http.Request) {
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
	index := -1
	if req.Index != nil {
		index = *req.Index
	}
	if req.ProposalID == 0 && req.Index == nil {
		s.fail(w, r, badRequest("index or proposalId required"))
		return
	}
	out, err := s.d.Orchestrator.CastWeaponVote(r.Context(), id, req.ProposalID, index, req.VoterIdentity, req.Approve)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listWeapons(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	list, err := s.d.Defence.Weapons(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"weapons": nonNil(list)})
}

func (s *Server) rebuildWeapon(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req weaponRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.WeaponID <= 0 {
		s.fail(w, r, badRequest("weaponId required"))
		return
	}
	idx, weapon, cost, err := s.d.Orchestrator.RebuildWeapon(id, req.WeaponID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"index": idx, "weapon": weapon, "cost": cost})
}

func (s *Server) consumeWeapon(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req weaponRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.WeaponID <= 0 {
		s.fail(w, r, badRequest("weaponId required"))
		return
	}
	idx, weapon, err := s.d.Orchestrator.ConsumeWeapon(id, req.WeaponID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"index": idx, "weapon": weapon})
}
