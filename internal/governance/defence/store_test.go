package defence

import (
	"errors"
	"testing"
	"time"

	"marscolony.ai/internal/governance/model"
	"marscolony.ai/internal/persistence/recordstore"
)

type fakeInsts map[int64]model.Institution

func (f fakeInsts) Get(id int64) (model.Institution, bool) {
	inst, ok := f[id]
	return inst, ok
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := recordstore.Open(recordstore.NewMemoryBackend(), RecordKey, DefaultState, recordstore.WithDelay(time.Hour))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	insts := fakeInsts{
		1: {ID: 1, Owner: "alice", Kind: model.KindDefence, TotalShares: 10, Shares: map[string]int{"alice": 6, "bob": 4}},
		2: {ID: 2, Owner: "alice", Kind: model.KindGeneral, TotalShares: 10},
		3: {ID: 3, Owner: "alice", Kind: model.KindDefence, TotalShares: 10, Destroyed: true},
	}
	return NewStore(st, insts, nil)
}

func TestAddRequiresDefenceInstitution(t *testing.T) {
	s := newTestStore(t)
	if _, _, err := s.Add(2, Draft{Name: "Rail"}); !errors.Is(err, ErrNotDefence) {
		t.Fatalf("expected ErrNotDefence, got %v", err)
	}
	if _, _, err := s.Add(3, Draft{Name: "Rail"}); !errors.Is(err, ErrInstNotFound) {
		t.Fatalf("expected ErrInstNotFound, got %v", err)
	}
	if _, _, err := s.Add(1, Draft{}); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest, got %v", err)
	}
	idx, p, err := s.Add(1, Draft{Name: "Rail", Parameters: model.WeaponParams{Weight: 2, Force: 10, Fuel: 3}})
	if err != nil || idx != 0 || p.ID != 1 || p.Status != model.StatusPending {
		t.Fatalf("unexpected add idx=%d p=%+v err=%v", idx, p, err)
	}
}

func TestVoteArchivesOnQuorum(t *testing.T) {
	s := newTestStore(t)
	s.Add(1, Draft{Name: "Rail"})
	res, err := s.Vote(1, 0, 0, "bob", true)
	if err != nil || res.Status != model.StatusPending {
		t.Fatalf("unexpected vote res=%+v err=%v", res, err)
	}
	res, err = s.Vote(1, res.Proposal.ID, 0, "alice", true)
	if err != nil || res.Status != model.StatusApproved {
		t.Fatalf("unexpected vote res=%+v err=%v", res, err)
	}
	pending, _ := s.Pending(1)
	history, _ := s.History(1)
	if len(pending) != 0 || len(history) != 1 {
		t.Fatalf("pending=%d history=%d", len(pending), len(history))
	}
	if _, err := s.Vote(1, res.Proposal.ID, 0, "bob", false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestWeaponLifecycle(t *testing.T) {
	s := newTestStore(t)
	placed := model.Vec3{9, 4, 0}
	idx, w, err := s.AddWeapon(1, model.Weapon{Name: "Rail", Parameters: model.WeaponParams{Weight: 2, Force: 10, Fuel: 3}},
		func([]model.Vec3) model.Vec3 { return placed })
	if err != nil {
		t.Fatalf("add weapon: %v", err)
	}
	if idx != 0 || w.Status != model.BuildScaffolding || w.Model != ScaffoldModel || w.Movement != 15 || w.Offset[1] != 0 {
		t.Fatalf("unexpected weapon: %+v", w)
	}
	if _, _, err := s.ConsumeWeapon(1, w.ID); !errors.Is(err, ErrWrongStatus) {
		t.Fatalf("scaffolding weapon consumed: %v", err)
	}
	if _, w, err = s.CompleteWeapon(1, w.ID, "generated_models/w.glb"); err != nil || w.Status != model.BuildCompleted {
		t.Fatalf("complete: %+v %v", w, err)
	}
	if _, _, err := s.CloneWeapon(1, w.ID, nil); !errors.Is(err, ErrWrongStatus) {
		t.Fatalf("completed weapon cloned: %v", err)
	}
	if _, w, err = s.ConsumeWeapon(1, w.ID); err != nil || w.Status != model.BuildConsumed {
		t.Fatalf("consume: %+v %v", w, err)
	}
	idx, clone, err := s.CloneWeapon(1, w.ID, nil)
	if err != nil {
		t.Fatalf("clone: %v", err)
	}
	if idx != 1 || clone.ID == w.ID || clone.Status != model.BuildCompleted || clone.Model != "generated_models/w.glb" {
		t.Fatalf("unexpected clone: %+v", clone)
	}
	weapons, _ := s.Weapons(1)
	if len(weapons) != 2 || weapons[0].Status != model.BuildConsumed {
		t.Fatalf("unexpected arsenal: %+v", weapons)
	}
}

// shiftingInsts serves each call the next institution in the list and keeps
// repeating the last one.
type shiftingInsts struct {
	list  []model.Institution
	calls int
}

func (f *shiftingInsts) Get(int64) (model.Institution, bool) {
	i := f.calls
	if i >= len(f.list) {
		i = len(f.list) - 1
	}
	f.calls++
	return f.list[i], true
}

func TestVoteWeighsSharesHeldAtCommit(t *testing.T) {
	st, err := recordstore.Open(recordstore.NewMemoryBackend(), RecordKey, DefaultState, recordstore.WithDelay(time.Hour))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	before := model.Institution{ID: 1, Kind: model.KindDefence, TotalShares: 10, Shares: map[string]int{"alice": 6, "bob": 4}}
	after := model.Institution{ID: 1, Kind: model.KindDefence, TotalShares: 10, Shares: map[string]int{"alice": 2, "bob": 8}}
	insts := &shiftingInsts{list: []model.Institution{before, before, before, after}}
	s := NewStore(st, insts, nil)
	if _, _, err := s.Add(1, Draft{Name: "Rail"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	res, err := s.Vote(1, 0, 0, "bob", true)
	if err != nil {
		t.Fatalf("vote: %v", err)
	}
	if res.Status != model.StatusApproved || res.Tally.Approve != 8 {
		t.Fatalf("vote used stale shares: %+v", res)
	}
}

func TestDroppedBaseStaysDropped(t *testing.T) {
	st, err := recordstore.Open(recordstore.NewMemoryBackend(), RecordKey, DefaultState, recordstore.WithDelay(time.Hour))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	live := model.Institution{ID: 1, Kind: model.KindDefence, TotalShares: 10, Shares: map[string]int{"alice": 10}}
	gone := live
	gone.Destroyed = true
	// Add resolves twice. The vote and the weapon pass their first check and
	// find the institution destroyed under the lock.
	insts := &shiftingInsts{list: []model.Institution{live, live, live, gone}}
	s := NewStore(st, insts, nil)
	if _, _, err := s.Add(1, Draft{Name: "Rail"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Drop(1); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if _, err := s.Vote(1, 0, 0, "alice", true); !errors.Is(err, ErrInstNotFound) {
		t.Fatalf("late vote: %v", err)
	}
	insts.list, insts.calls = []model.Institution{live, gone}, 0
	if _, _, err := s.AddWeapon(1, model.Weapon{Name: "Rail"}, nil); !errors.Is(err, ErrInstNotFound) {
		t.Fatalf("late weapon: %v", err)
	}
	st.View(func(state State) {
		if _, ok := state.Bases[1]; ok {
			t.Fatalf("base recreated after drop: %+v", state.Bases[1])
		}
	})
}
