package institutions

import (
	"errors"
	"math"
	"testing"
	"time"

	"marscolony.ai/internal/governance/model"
	"marscolony.ai/internal/persistence/recordstore"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	st, err := recordstore.Open(recordstore.NewMemoryBackend(), RecordKey, DefaultState, recordstore.WithDelay(time.Hour))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return NewRegistry(st, nil)
}

func TestCreateAndShareInvariants(t *testing.T) {
	r := newTestRegistry(t)
	inst, err := r.Create(Draft{Owner: "alice", Name: "WatOx", TotalShares: 100, OwnerShares: 60})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if inst.ID != 1 || inst.Kind != model.KindGeneral || inst.SoldShares != 60 || inst.Funded {
		t.Fatalf("unexpected institution: %+v", inst)
	}

	if _, err := r.BuyShares(inst.ID, "bob", 30); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if _, err := r.BuyShares(inst.ID, "carol", 11); !errors.Is(err, ErrSoldOut) {
		t.Fatalf("expected ErrSoldOut, got %v", err)
	}
	got, err := r.BuyShares(inst.ID, "carol", 10)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if !got.Funded || got.SoldShares != 100 {
		t.Fatalf("expected funded, got %+v", got)
	}
	for _, in := range r.List() {
		if err := CheckInvariants(in); err != nil {
			t.Fatalf("invariant: %v", err)
		}
	}
}

func TestCreateValidation(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Create(Draft{Name: "x"}); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected bad request, got %v", err)
	}
	if _, err := r.Create(Draft{Owner: "a", Name: "x", TotalShares: 5, OwnerShares: 6}); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected bad request, got %v", err)
	}
	inst, err := r.Create(Draft{Owner: "a", Name: "x"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if inst.TotalShares != 1 {
		t.Fatalf("total shares should floor at 1, got %d", inst.TotalShares)
	}
}

func TestDestroyIsTerminal(t *testing.T) {
	r := newTestRegistry(t)
	inst, _ := r.Create(Draft{Owner: "alice", Name: "Dome", TotalShares: 10, OwnerShares: 10})
	if _, err := r.Hire(inst.ID, model.Worker{Name: "Riley"}); err != nil {
		t.Fatalf("hire: %v", err)
	}
	if _, err := r.ApplyEffects(inst.ID, map[string]float64{"oxygen": 3}); err != nil {
		t.Fatalf("effects: %v", err)
	}
	if _, _, err := r.AddConstruction(inst.ID, model.Construction{Name: "tank", Status: model.BuildScaffolding}, nil); err != nil {
		t.Fatalf("construction: %v", err)
	}
	if err := r.Destroy(inst.ID); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	got, ok := r.Get(inst.ID)
	if !ok || !got.Destroyed {
		t.Fatalf("expected destroyed record, got %+v", got)
	}
	if len(got.Workforce) != 0 || len(got.Constructions) != 0 || got.ExtraEffects != (model.Effects{}) {
		t.Fatalf("expected cleared record, got %+v", got)
	}
	if len(got.Shares) != 0 || got.SoldShares != 0 || got.Funded {
		t.Fatalf("expected shares cleared, got shares=%v sold=%d funded=%v", got.Shares, got.SoldShares, got.Funded)
	}
	if _, err := r.Hire(inst.ID, model.Worker{Name: "Casey"}); !errors.Is(err, ErrDestroyed) {
		t.Fatalf("expected ErrDestroyed, got %v", err)
	}
	if len(r.Stakeholders()) != 0 {
		t.Fatalf("destroyed institutions have no stakeholders")
	}
}

func TestEffectsAccumulate(t *testing.T) {
	r := newTestRegistry(t)
	inst, _ := r.Create(Draft{Owner: "alice", Name: "Farm"})
	_, _ = r.ApplyEffects(inst.ID, map[string]float64{"hydration": 2, "money": 100, "unknown": 9})
	eff, err := r.ApplyEffects(inst.ID, map[string]float64{"hydration": 1.5})
	if err != nil {
		t.Fatalf("effects: %v", err)
	}
	if eff.Hydration != 3.5 || eff.Money != 100 || eff.Oxygen != 0 {
		t.Fatalf("unexpected effects: %+v", eff)
	}
}

func TestConstructionLifecycle(t *testing.T) {
	r := newTestRegistry(t)
	inst, _ := r.Create(Draft{Owner: "alice", Name: "Lab"})
	var seen []model.Vec3
	idx, c, err := r.AddConstruction(inst.ID, model.Construction{Name: "dish", Status: model.BuildScaffolding, Offset: model.Vec3{0, 9, 0}},
		func(existing []model.Vec3) model.Vec3 {
			seen = existing
			return model.Vec3{3, 5, 4}
		})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if idx != 0 || c.ID == 0 || c.Offset != (model.Vec3{3, 0, 4}) || len(seen) != 0 {
		t.Fatalf("unexpected construction idx=%d %+v", idx, c)
	}
	if _, _, err := r.CompleteConstruction(inst.ID, c.ID+99, "x.glb"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown construction, got %v", err)
	}
	_, done, err := r.CompleteConstruction(inst.ID, c.ID, "generated_models/x.glb")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != model.BuildCompleted || done.Model != "generated_models/x.glb" {
		t.Fatalf("unexpected: %+v", done)
	}
}

func TestStakeholderOrder(t *testing.T) {
	r := newTestRegistry(t)
	a, _ := r.Create(Draft{Owner: "alice", Name: "A"})
	b, _ := r.Create(Draft{Owner: "bob", Name: "B"})
	_, _ = r.Hire(b.ID, model.Worker{Name: "Jordan"})
	_, _ = r.Hire(a.ID, model.Worker{Name: "Alex"})
	_, _ = r.Hire(a.ID, model.Worker{Name: "Taylor"})

	got := r.Stakeholders()
	want := []string{"1|0|Alex", "1|1|Taylor", "2|0|Jordan"}
	if len(got) != len(want) {
		t.Fatalf("expected %d stakeholders, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].Key() != want[i] {
			t.Fatalf("stakeholder %d: got %s want %s", i, got[i].Key(), want[i])
		}
	}
}

func TestStakeholderKeysAreUniqueForSharedNames(t *testing.T) {
	r := newTestRegistry(t)
	a, _ := r.Create(Draft{Owner: "alice", Name: "A"})
	b, _ := r.Create(Draft{Owner: "alice", Name: "B"})
	_, _ = r.Hire(a.ID, model.Worker{Name: "Sam"})
	_, _ = r.Hire(a.ID, model.Worker{Name: "Sam"})
	_, _ = r.Hire(b.ID, model.Worker{Name: "Sam"})

	got := r.Stakeholders()
	keys := map[string]bool{}
	for _, s := range got {
		keys[s.Key()] = true
	}
	if len(got) != 3 || len(keys) != 3 {
		t.Fatalf("expected 3 stakeholders with distinct keys, got %d stakeholders and %d keys", len(got), len(keys))
	}
}

func TestBuySharesRejectsOverflow(t *testing.T) {
	r := newTestRegistry(t)
	inst, _ := r.Create(Draft{Owner: "alice", Name: "Dome", TotalShares: 10, OwnerShares: 5})
	if _, err := r.BuyShares(inst.ID, "mallory", math.MaxInt); !errors.Is(err, ErrSoldOut) {
		t.Fatalf("expected ErrSoldOut, got %v", err)
	}
	got, _ := r.Get(inst.ID)
	if got.SoldShares != 5 || got.Shares["mallory"] != 0 {
		t.Fatalf("failed purchase changed the record: sold=%d shares=%v", got.SoldShares, got.Shares)
	}
	if _, err := r.BuyShares(inst.ID, "bob", 5); err != nil {
		t.Fatalf("buying the remaining shares: %v", err)
	}
	if _, err := r.BuyShares(inst.ID, "carol", 1); !errors.Is(err, ErrSoldOut) {
		t.Fatalf("expected ErrSoldOut once funded, got %v", err)
	}
}
