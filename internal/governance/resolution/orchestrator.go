// Package resolution runs everything that follows a vote: quorum checks,
// cost debit, feasibility judgment, effects, placement and asset jobs.
package resolution

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path"
	"strings"
	"time"

	"marscolony.ai/internal/governance/assets"
	"marscolony.ai/internal/governance/defence"
	"marscolony.ai/internal/governance/institutions"
	"marscolony.ai/internal/governance/model"
	"marscolony.ai/internal/governance/placement"
	"marscolony.ai/internal/governance/proposals"
	"marscolony.ai/internal/governance/voting"
	"marscolony.ai/internal/logger"
	"marscolony.ai/internal/metrics"
	plog "marscolony.ai/internal/persistence/log"
	"marscolony.ai/internal/protocol"
)

// ErrInsufficient is returned when a paid action cannot be afforded.
var ErrInsufficient = errors.New("owner cannot afford this")

type Ledger interface {
	Debit(identity string, amount float64) (float64, error)
	Credit(identity string, amount float64) (float64, error)
}

type Judge interface {
	Judge(ctx context.Context, ecosystem map[string]float64, p model.Proposal) (model.Judgment, error)
}

type Environment interface {
	Properties(x, z float64) map[string]float64
}

type Assets interface {
	Submit(job assets.Job) (string, error)
}

type Config struct {
	ConstructionBand placement.Band
	WeaponBand       placement.Band
	MinClearance     float64
	ScaffoldModel    string
	ScaffoldScale    float64
	// ModelsDir prefixes generated model references.
	ModelsDir string
	// RebuildCost applies when a weapon's proposal carried no cost.
	RebuildCost float64
}

func DefaultConfig() Config {
	return Config{
		ConstructionBand: placement.ConstructionBand,
		WeaponBand:       placement.WeaponBand,
		MinClearance:     3,
		ScaffoldModel:    defence.ScaffoldModel,
		ScaffoldScale:    defence.ScaffoldScale,
		ModelsDir:        "generated_models",
		RebuildCost:      100,
	}
}

type Deps struct {
	Registry  *institutions.Registry
	Proposals *proposals.Store
	Defence   *defence.Store
	Ledger    Ledger
	Judge     Judge
	Env       Environment
	Assets    Assets
	Broadcast protocol.Broadcaster
	Audit     plog.AuditSink
	Metrics   *metrics.Metrics
	Log       *logger.Logger
	Rand      *rand.Rand
}

type Orchestrator struct {
	cfg   Config
	d     Deps
	log   *logger.Logger
	build *placement.Allocator
	arms  *placement.Allocator
}

func New(cfg Config, d Deps) *Orchestrator {
	if d.Log == nil {
		d.Log = logger.Nop()
	}
	if d.Broadcast == nil {
		d.Broadcast = protocol.Discard
	}
	if d.Rand == nil {
		d.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if cfg.ModelsDir == "" {
		cfg.ModelsDir = "generated_models"
	}
	// Each allocator owns its own source; rand.Rand is not safe to share.
	return &Orchestrator{
		cfg:   cfg,
		d:     d,
		log:   d.Log.With("component", "resolution"),
		build: placement.New(cfg.ConstructionBand, rand.New(rand.NewSource(d.Rand.Int63()))),
		arms:  placement.New(cfg.WeaponBand, rand.New(rand.NewSource(d.Rand.Int63()))),
	}
}

// VoteOutcome is returned to the voter.
type VoteOutcome struct {
	ProposalID int64        `json:"proposalId"`
	Status     model.Status `json:"status"`
	Votes      voting.Tally `json:"votes"`
	Result     *Result      `json:"result,omitempty"`
}

// Result describes what an approval set in motion.
type Result struct {
	CostPaid          bool                `json:"costPaid"`
	Judgment          *model.Judgment     `json:"judgeResult,omitempty"`
	ExtraEffects      *model.Effects      `json:"extraEffects,omitempty"`
	Construction      *model.Construction `json:"construction,omitempty"`
	ConstructionIndex *int                `json:"constructionIndex,omitempty"`
	Weapon            *model.Weapon       `json:"weapon,omitempty"`
	WeaponIndex       *int                `json:"weaponIndex,omitempty"`
	AssetJob          string              `json:"assetJob,omitempty"`
}

// CastVote records a vote on a general proposal and, when quorum is
// reached, resolves it. The proposal is archived before any external call so
// it can never be resolved twice.
func (o *Orchestrator) CastVote(ctx context.Context, instID int64, ref proposals.Ref, voter string, approve bool) (VoteOutcome, error) {
	vr, err := o.d.Proposals.Vote(instID, ref, voter, approve)
	if err != nil {
		return VoteOutcome{}, err
	}
	o.countVote(string(model.KindGeneral))
	out := VoteOutcome{ProposalID: vr.Proposal.ID, Status: vr.Status, Votes: vr.Tally}
	if vr.Status == model.StatusPending {
		return out, nil
	}
	o.log.Info("proposal resolved", "institution", instID, "proposal", vr.Proposal.ID, "status", vr.Status,
		"approve", vr.Tally.Approve, "deny", vr.Tally.Deny, "total", vr.Tally.Total)

	if vr.Status == model.StatusApproved {
		// Resolution outlives the request that triggered it.
		res, final := o.resolveApproved(context.WithoutCancel(ctx), instID, vr)
		out.Result = res
		out.Status = final
	}
	o.finish(protocol.AuditProposal, instID, vr.Proposal.ID, vr.Proposal.Project, out)
	return out, nil
}

func (o *Orchestrator) resolveApproved(ctx context.Context, instID int64, vr proposals.VoteResult) (*Result, model.Status) {
	p := vr.Proposal
	res := &Result{}

	if p.Cost > 0 {
		res.CostPaid = o.debit(vr.Owner, p.Cost, "proposal", p.ID)
	}

	var eco map[string]float64
	if o.d.Env != nil {
		eco = o.d.Env.Properties(vr.Position[0], vr.Position[2])
	}
	j, err := o.d.Judge.Judge(ctx, eco, p)
	if err != nil {
		o.log.Warn("judge failed; treating as infeasible", "proposal", p.ID, "error", err)
		j = model.Judgment{Feasible: false, Reason: err.Error()}
	}
	res.Judgment = &j
	o.countJudgment(j.Feasible)

	patch := proposals.Patch{Judgment: &j, CostPaid: &res.CostPaid}
	final := model.StatusApproved
	if !j.Feasible {
		final = model.StatusRejected
		patch.Status = &final
	}
	if _, err := o.d.Proposals.PatchHistory(instID, p.ID, patch); err != nil {
		o.log.Warn("could not annotate archived proposal", "proposal", p.ID, "error", err)
	}
	if !j.Feasible {
		return res, final
	}

	effects, err := o.d.Registry.ApplyEffects(instID, j.Gains)
	if err != nil {
		o.log.Warn("institution gone before effects applied", "institution", instID, "error", err)
		return res, final
	}
	res.ExtraEffects = &effects
	msg := protocol.UpdateInstitution(instID)
	msg.ExtraEffects = &effects
	msg.Gains = j.Gains
	o.d.Broadcast.Broadcast(msg)

	idx, c, err := o.d.Registry.AddConstruction(instID, model.Construction{
		ProposalID: p.ID,
		Name:       p.Project,
		Status:     model.BuildScaffolding,
		Model:      o.cfg.ScaffoldModel,
		Scale:      o.cfg.ScaffoldScale,
	}, func(existing []model.Vec3) model.Vec3 {
		return o.build.Allocate(existing, o.cfg.MinClearance)
	})
	if err != nil {
		o.log.Warn("institution gone before construction placed", "institution", instID, "error", err)
		return res, final
	}
	res.Construction, res.ConstructionIndex = &c, &idx
	o.broadcastConstruction(instID, idx, c)

	res.AssetJob = o.submit(assets.Job{
		Entity: fmt.Sprintf("construction:%d", c.ID),
		Prompt: prompt(p.Project, p.Description),
		Dest:   path.Join(o.cfg.ModelsDir, fmt.Sprintf("construction_%d_%d.glb", instID, c.ID)),
		Done: func(_ context.Context, ref string) error {
			i, done, err := o.d.Registry.CompleteConstruction(instID, c.ID, ref)
			if err != nil {
				return err
			}
			o.broadcastConstruction(instID, i, done)
			return nil
		},
	})
	return res, final
}

// CastWeaponVote records a vote on a defence proposal. Approval places a
// weapon and always starts asset generation; there is no feasibility gate.
func (o *Orchestrator) CastWeaponVote(ctx context.Context, instID, proposalID int64, index int, voter string, approve bool) (VoteOutcome, error) {
	vr, err := o.d.Defence.Vote(instID, proposalID, index, voter, approve)
	if err != nil {
		return VoteOutcome{}, err
	}
	o.countVote(string(model.KindDefence))
	out := VoteOutcome{ProposalID: vr.Proposal.ID, Status: vr.Status, Votes: vr.Tally}
	if vr.Status == model.StatusPending {
		return out, nil
	}
	o.log.Info("weapon proposal resolved", "institution", instID, "proposal", vr.Proposal.ID, "status", vr.Status)
	if vr.Status == model.StatusApproved {
		out.Result = o.buildWeapon(instID, vr)
	}
	o.finish(protocol.AuditWeapon, instID, vr.Proposal.ID, vr.Proposal.Name, out)
	return out, nil
}

func (o *Orchestrator) buildWeapon(instID int64, vr defence.VoteResult) *Result {
	p := vr.Proposal
	res := &Result{}
	if p.Cost > 0 {
		res.CostPaid = o.debit(vr.Owner, p.Cost, "weapon", p.ID)
	}
	idx, w, err := o.d.Defence.AddWeapon(instID, model.Weapon{
		ProposalID: p.ID,
		Name:       p.Name,
		Category:   p.Category,
		Parameters: p.Parameters,
		Look:       p.Look,
		Model:      o.cfg.ScaffoldModel,
		Scale:      o.cfg.ScaffoldScale,
	}, func(existing []model.Vec3) model.Vec3 {
		return o.arms.Allocate(existing, o.cfg.MinClearance)
	})
	if err != nil {
		o.log.Warn("could not place weapon", "institution", instID, "error", err)
		return res
	}
	res.Weapon, res.WeaponIndex = &w, &idx
	o.broadcastWeapon(instID, idx, w)

	look := p.Look
	if strings.TrimSpace(look) == "" {
		look = p.Name
	}
	res.AssetJob = o.submit(assets.Job{
		Entity: fmt.Sprintf("weapon:%d", w.ID),
		Prompt: look,
		Dest:   path.Join(o.cfg.ModelsDir, fmt.Sprintf("weapon_%d_%d.glb", instID, w.ID)),
		Done: func(_ context.Context, ref string) error {
			i, done, err := o.d.Defence.CompleteWeapon(instID, w.ID, ref)
			if err != nil {
				return err
			}
			o.broadcastWeapon(instID, i, done)
			return nil
		},
	})
	return res
}

// ConsumeWeapon marks a completed weapon as used.
func (o *Orchestrator) ConsumeWeapon(instID, weaponID int64) (int, model.Weapon, error) {
	idx, w, err := o.d.Defence.ConsumeWeapon(instID, weaponID)
	if err != nil {
		return -1, model.Weapon{}, err
	}
	o.broadcastWeapon(instID, idx, w)
	return idx, w, nil
}

// RebuildWeapon charges the owner and clones a consumed weapon. The charge
// is refunded if the clone cannot be placed.
func (o *Orchestrator) RebuildWeapon(instID, weaponID int64) (int, model.Weapon, float64, error) {
	inst, ok := o.d.Registry.Get(instID)
	if !ok || inst.Destroyed {
		return -1, model.Weapon{}, 0, institutions.ErrNotFound
	}
	weapons, err := o.d.Defence.Weapons(instID)
	if err != nil {
		return -1, model.Weapon{}, 0, err
	}
	var src *model.Weapon
	for i := range weapons {
		if weapons[i].ID == weaponID {
			src = &weapons[i]
			break
		}
	}
	if src == nil {
		return -1, model.Weapon{}, 0, defence.ErrNotFound
	}
	if src.Status != model.BuildConsumed {
		return -1, model.Weapon{}, 0, defence.ErrWrongStatus
	}
	cost, ok := o.d.Defence.ProposalCost(instID, src.ProposalID)
	if !ok || cost <= 0 {
		cost = o.cfg.RebuildCost
	}
	if cost > 0 {
		if _, err := o.d.Ledger.Debit(inst.Owner, cost); err != nil {
			return -1, model.Weapon{}, cost, fmt.Errorf("%w: %v", ErrInsufficient, err)
		}
	}
	idx, w, err := o.d.Defence.CloneWeapon(instID, weaponID, func(existing []model.Vec3) model.Vec3 {
		return o.arms.Allocate(existing, o.cfg.MinClearance)
	})
	if err != nil {
		if cost > 0 {
			if _, rerr := o.d.Ledger.Credit(inst.Owner, cost); rerr != nil {
				o.log.Error("rebuild refund failed", "owner", inst.Owner, "cost", cost, "error", rerr)
			}
		}
		return -1, model.Weapon{}, cost, err
	}
	o.log.Info("weapon rebuilt", "institution", instID, "from", weaponID, "weapon", w.ID, "cost", cost)
	o.broadcastWeapon(instID, idx, w)
	return idx, w, cost, nil
}

// DestroyInstitution destroys an institution and drops its defence records.
// Asset jobs still running for it become no-ops when they finish.
func (o *Orchestrator) DestroyInstitution(instID int64) error {
	if err := o.d.Registry.Destroy(instID); err != nil {
		return err
	}
	if o.d.Defence != nil {
		if err := o.d.Defence.Drop(instID); err != nil {
			o.log.Warn("drop defence records", "institution", instID, "error", err)
		}
	}
	o.d.Broadcast.Broadcast(protocol.UpdateInstitution(instID))
	return nil
}

func (o *Orchestrator) debit(owner string, cost float64, kind string, id int64) bool {
	if o.d.Ledger == nil {
		return false
	}
	balance, err := o.d.Ledger.Debit(owner, cost)
	if err != nil {
		o.log.Warn("cost not paid; resolution continues", "kind", kind, "proposal", id, "owner", owner,
			"cost", cost, "balance", balance, "error", err)
		return false
	}
	return true
}

func (o *Orchestrator) submit(job assets.Job) string {
	if o.d.Assets == nil {
		return ""
	}
	id, err := o.d.Assets.Submit(job)
	if err != nil {
		o.log.Warn("asset job not started", "entity", job.Entity, "error", err)
		return ""
	}
	return id
}

func (o *Orchestrator) broadcastConstruction(instID int64, idx int, c model.Construction) {
	msg := protocol.UpdateInstitution(instID)
	msg.Construction = &c
	msg.Index = &idx
	o.d.Broadcast.Broadcast(msg)
}

func (o *Orchestrator) broadcastWeapon(instID int64, idx int, w model.Weapon) {
	o.d.Broadcast.Broadcast(protocol.UpdateWeaponMsg{Type: protocol.TypeUpdateWeapon, ID: instID, Weapon: w, Index: idx})
}

func (o *Orchestrator) finish(kind string, instID, subjectID int64, title string, out VoteOutcome) {
	if o.d.Metrics != nil {
		k := string(model.KindGeneral)
		if kind == protocol.AuditWeapon {
			k = string(model.KindDefence)
		}
		o.d.Metrics.Resolutions.WithLabelValues(k, string(out.Status)).Inc()
	}
	if o.d.Audit == nil {
		return
	}
	e := protocol.AuditEntry{
		Time:          time.Now().UTC().Format(time.RFC3339Nano),
		Kind:          kind,
		InstitutionID: instID,
		SubjectID:     subjectID,
		Title:         title,
		Status:        string(out.Status),
		Approve:       out.Votes.Approve,
		Deny:          out.Votes.Deny,
		Total:         out.Votes.Total,
	}
	if out.Result != nil && out.Result.Judgment != nil {
		f := out.Result.Judgment.Feasible
		e.Feasible = &f
		e.Gains = out.Result.Judgment.Gains
		e.Reason = out.Result.Judgment.Reason
	}
	if err := o.d.Audit.WriteAudit(e); err != nil {
		o.log.Warn("audit write failed", "kind", kind, "subject", subjectID, "error", err)
	}
}

func (o *Orchestrator) countVote(kind string) {
	if o.d.Metrics != nil {
		o.d.Metrics.Votes.WithLabelValues(kind).Inc()
	}
}

func (o *Orchestrator) countJudgment(feasible bool) {
	if o.d.Metrics == nil {
		return
	}
	outcome := "infeasible"
	if feasible {
		outcome = "feasible"
	}
	o.d.Metrics.Judgments.WithLabelValues(outcome).Inc()
}

func prompt(project, description string) string {
	project, description = strings.TrimSpace(project), strings.TrimSpace(description)
	if description == "" {
		return project
	}
	return project + ": " + description
}
