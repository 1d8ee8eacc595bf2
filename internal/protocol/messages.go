package protocol

import "marscolony.ai/internal/governance/model"

type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"sessionId"`
}

type UpdateInstitutionMsg struct {
	Type         string              `json:"type"`
	ID           int64               `json:"id"`
	ExtraEffects *model.Effects      `json:"extraEffects,omitempty"`
	Gains        map[string]float64  `json:"gains,omitempty"`
	Construction *model.Construction `json:"construction,omitempty"`
	Index        *int                `json:"index,omitempty"`
}

type UpdateWeaponMsg struct {
	Type   string       `json:"type"`
	ID     int64        `json:"id"`
	Weapon model.Weapon `json:"weapon"`
	Index  int          `json:"index"`
}

type ReferendumStartMsg struct {
	Type       string              `json:"type"`
	Referendum ReferendumStartInfo `json:"referendum"`
}

type ReferendumStartInfo struct {
	ID    int64  `json:"id"`
	Kind  string `json:"type"`
	Total int    `json:"total"`
}

type ReferendumProgressMsg struct {
	Type  string `json:"type"`
	Voted int    `json:"voted"`
	Total int    `json:"total"`
}

type ReferendumResultMsg struct {
	Type       string `json:"type"`
	Referendum any    `json:"referendum"`
}

type PolicyMsg struct {
	Type   string `json:"type"`
	Policy any    `json:"policy"`
}

func UpdateInstitution(id int64) UpdateInstitutionMsg {
	return UpdateInstitutionMsg{Type: TypeUpdateInstitution, ID: id}
}
