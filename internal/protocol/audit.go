package protocol

// AuditEntry records one governance outcome. Entries are appended to the
// compressed JSONL audit log and mirrored into the sqlite index.
type AuditEntry struct {
	Time          string             `json:"time"`
	Kind          string             `json:"kind"`
	InstitutionID int64              `json:"institution_id,omitempty"`
	SubjectID     int64              `json:"subject_id"`
	Title         string             `json:"title,omitempty"`
	Status        string             `json:"status"`
	Approve       int                `json:"approve"`
	Deny          int                `json:"deny"`
	Total         int                `json:"total"`
	Feasible      *bool              `json:"feasible,omitempty"`
	Gains         map[string]float64 `json:"gains,omitempty"`
	Reason        string             `json:"reason,omitempty"`
}

const (
	AuditProposal   = "PROPOSAL"
	AuditWeapon     = "WEAPON"
	AuditReferendum = "REFERENDUM"
	AuditPolicy     = "POLICY"
)
