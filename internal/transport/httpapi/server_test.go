package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"marscolony.ai/internal/governance/accounts"
	"marscolony.ai/internal/governance/assets"
	"marscolony.ai/internal/governance/defence"
	"marscolony.ai/internal/governance/hall"
	"marscolony.ai/internal/governance/institutions"
	"marscolony.ai/internal/governance/model"
	"marscolony.ai/internal/governance/proposals"
	"marscolony.ai/internal/governance/referendum"
	"marscolony.ai/internal/governance/resolution"
	"marscolony.ai/internal/metrics"
	"marscolony.ai/internal/persistence/recordstore"
	"marscolony.ai/internal/protocol"
)

type feasibleJudge struct{}

func (feasibleJudge) Judge(_ context.Context, _ map[string]float64, p model.Proposal) (model.Judgment, error) {
	return model.Judgment{Feasible: true, Gains: map[string]float64{"hydration": 1}}, nil
}

type inlineAssets struct{}

func (inlineAssets) Submit(job assets.Job) (string, error) {
	return "inline", job.Done(context.Background(), job.Dest)
}

type yesAdvisor struct{}

func (yesAdvisor) Vote(context.Context, model.Worker, string, string) (bool, error) { return true, nil }

type testEnv struct {
	srv  *httptest.Server
	hall *hall.Hall
	m    *metrics.Metrics
}

func open[T any](t *testing.T, key string, def func() T) *recordstore.Store[T] {
	t.Helper()
	st, err := recordstore.Open(recordstore.NewMemoryBackend(), key, def, recordstore.WithDelay(time.Hour))
	if err != nil {
		t.Fatalf("open %s: %v", key, err)
	}
	return st
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	reg := institutions.NewRegistry(open(t, institutions.RecordKey, institutions.DefaultState), nil)
	props := proposals.NewStore(reg, nil)
	arms := defence.NewStore(open(t, defence.RecordKey, defence.DefaultState), reg, nil)
	ledger := accounts.NewLedger(open(t, accounts.RecordKey, accounts.DefaultState), nil)
	h := hall.New(open(t, hall.RecordKey, hall.DefaultState), nil)
	refs := referendum.NewManager(open(t, referendum.RecordKey, referendum.DefaultState), nil)
	m := metrics.New()

	orch := resolution.New(resolution.DefaultConfig(), resolution.Deps{
		Registry:  reg,
		Proposals: props,
		Defence:   arms,
		Ledger:    ledger,
		Judge:     feasibleJudge{},
		Assets:    inlineAssets{},
		Metrics:   m,
		Rand:      rand.New(rand.NewSource(7)),
	})
	api := New(Deps{
		Registry:     reg,
		Proposals:    props,
		Defence:      arms,
		Orchestrator: orch,
		Referenda:    referendum.NewEngine(refs, reg, yesAdvisor{}, h),
		Hall:         h,
		Ledger:       ledger,
		Metrics:      m,
	})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, hall: h, m: m}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (e *testEnv) seed(t *testing.T, kind string) {
	t.Helper()
	code, _ := e.do(t, "POST", "/institutions", map[string]any{
		"owner": "alice", "name": "Dome", "kind": kind, "totalShares": 10, "ownerShares": 6,
	})
	if code != http.StatusCreated {
		t.Fatalf("create institution: %d", code)
	}
	if code, body := e.do(t, "POST", "/institutions/1/shares", map[string]any{"identity": "bob", "shares": 4}); code != 200 {
		t.Fatalf("buy shares: %d %v", code, body)
	}
	if code, _ := e.do(t, "POST", "/accounts/alice", map[string]any{"money": 500}); code != 200 {
		t.Fatalf("account: %d", code)
	}
}

func TestProposalFlow(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t, "general")

	code, body := e.do(t, "POST", "/proposals/add/1", map[string]any{"proposal": map[string]any{"cost": -1}})
	if code != 400 || body["code"] != protocol.ErrBadRequest {
		t.Fatalf("invalid draft: %d %v", code, body)
	}
	code, body = e.do(t, "POST", "/proposals/add/1", map[string]any{})
	if code != 400 {
		t.Fatalf("missing proposal: %d %v", code, body)
	}
	code, body = e.do(t, "POST", "/proposals/add/1", map[string]any{"proposal": map[string]any{
		"project": "Water tank", "cost": 100, "gains": map[string]any{"hydration": []float64{1, 3}},
		"prerequisites": []map[string]string{{"type": "institution", "value": "Dome"}},
	}})
	if code != 200 || body["index"] != float64(0) || body["id"] != float64(1) {
		t.Fatalf("add: %d %v", code, body)
	}

	code, body = e.do(t, "GET", "/proposals/prerequisites/1?index=0&identity=alice", nil)
	if code != 200 || body["met"] != true {
		t.Fatalf("prerequisites: %d %v", code, body)
	}

	code, body = e.do(t, "POST", "/proposals/1", map[string]any{"index": 5, "approve": true, "voterIdentity": "alice"})
	if code != 404 || body["code"] != protocol.ErrNotFound {
		t.Fatalf("unknown index: %d %v", code, body)
	}
	code, body = e.do(t, "POST", "/proposals/1", map[string]any{"index": -1, "approve": true, "voterIdentity": "alice"})
	if code != 404 || body["code"] != protocol.ErrNotFound {
		t.Fatalf("negative index: %d %v", code, body)
	}
	code, body = e.do(t, "POST", "/proposals/1", map[string]any{"approve": true, "voterIdentity": "alice"})
	if code != 400 || body["code"] != protocol.ErrBadRequest {
		t.Fatalf("missing index: %d %v", code, body)
	}
	code, body = e.do(t, "POST", "/proposals/1", map[string]any{"index": 0, "approve": true, "voterIdentity": "bob"})
	if code != 200 || body["status"] != "pending" {
		t.Fatalf("first vote: %d %v", code, body)
	}
	code, body = e.do(t, "POST", "/proposals/1", map[string]any{"proposalId": 1, "approve": true, "voterIdentity": "alice"})
	if code != 200 || body["status"] != "approved" {
		t.Fatalf("second vote: %d %v", code, body)
	}
	votes := body["votes"].(map[string]any)
	if votes["approve"] != float64(10) || votes["total"] != float64(10) {
		t.Fatalf("unexpected tally %v", votes)
	}
	result := body["result"].(map[string]any)
	if result["costPaid"] != true || result["construction"] == nil {
		t.Fatalf("unexpected result %v", result)
	}

	_, body = e.do(t, "GET", "/proposals/1", nil)
	if len(body["proposals"].([]any)) != 0 {
		t.Fatalf("resolved proposal still pending: %v", body)
	}
	_, body = e.do(t, "GET", "/proposals/history/1", nil)
	if len(body["history"].([]any)) != 1 {
		t.Fatalf("history: %v", body)
	}
	_, body = e.do(t, "GET", "/accounts/alice", nil)
	if body["account"].(map[string]any)["money"] != float64(400) {
		t.Fatalf("cost not debited: %v", body)
	}
}

func TestDefenceFlow(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t, "defence")

	code, body := e.do(t, "POST", "/defence/proposals/add/1", map[string]any{"proposal": map[string]any{
		"name": "Rail", "technology": "magnetic, copper", "cost": 50,
		"parameters": map[string]any{"weight": 2, "force": 10, "fuel": 3},
	}})
	if code != 200 {
		t.Fatalf("add weapon proposal: %d %v", code, body)
	}
	_, body = e.do(t, "GET", "/defence/proposals/1", nil)
	p := body["proposals"].([]any)[0].(map[string]any)
	if tech := p["technology"].([]any); len(tech) != 2 || tech[1] != "copper" {
		t.Fatalf("technology not split: %v", p["technology"])
	}
	if code, body := e.do(t, "POST", "/defence/proposals/1", map[string]any{"index": -2, "approve": true, "voterIdentity": "alice"}); code != 404 {
		t.Fatalf("negative weapon index: %d %v", code, body)
	}
	if code, body := e.do(t, "POST", "/defence/proposals/1", map[string]any{"approve": true, "voterIdentity": "alice"}); code != 400 {
		t.Fatalf("missing weapon index: %d %v", code, body)
	}
	code, body = e.do(t, "POST", "/defence/proposals/1", map[string]any{"index": 0, "approve": true, "voterIdentity": "alice"})
	if code != 200 || body["status"] != "approved" {
		t.Fatalf("vote: %d %v", code, body)
	}
	_, body = e.do(t, "GET", "/defence/weapons/1", nil)
	weapons := body["weapons"].([]any)
	if len(weapons) != 1 {
		t.Fatalf("weapons: %v", body)
	}
	w := weapons[0].(map[string]any)
	if w["status"] != "completed" || w["movement"] != float64(15) {
		t.Fatalf("unexpected weapon %v", w)
	}
	wid := w["id"]

	code, body = e.do(t, "POST", "/defence/weapons/1/rebuild", map[string]any{"weaponId": wid})
	if code != 409 || body["code"] != protocol.ErrConflict {
		t.Fatalf("rebuild of live weapon: %d %v", code, body)
	}
	if code, body = e.do(t, "POST", "/defence/weapons/1/consume", map[string]any{"weaponId": wid}); code != 200 {
		t.Fatalf("consume: %d %v", code, body)
	}
	code, body = e.do(t, "POST", "/defence/weapons/1/rebuild", map[string]any{"weaponId": wid})
	if code != 200 || body["cost"] != float64(50) {
		t.Fatalf("rebuild: %d %v", code, body)
	}
}

func TestDestroyedInstitutionIsGone(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t, "general")
	if code, _ := e.do(t, "POST", "/institutions/1/destroy", nil); code != 200 {
		t.Fatalf("destroy: %d", code)
	}
	if code, _ := e.do(t, "GET", "/proposals/1", nil); code != 404 {
		t.Fatalf("expected 404 after destroy, got %d", code)
	}
	if code, body := e.do(t, "POST", "/institutions/1/workforce", map[string]any{"worker": map[string]any{"name": "Riley"}}); code != 409 {
		t.Fatalf("hire after destroy: %d %v", code, body)
	}
	if code, _ := e.do(t, "GET", "/institutions/abc", nil); code != 400 {
		t.Fatalf("bad id should be 400, got %d", code)
	}
}

func TestReferendumSeatsCandidate(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t, "general")
	e.do(t, "POST", "/institutions/1/workforce", map[string]any{"worker": map[string]any{"name": "Riley", "role": "Engineer"}})

	code, body := e.do(t, "POST", "/referendum", map[string]any{
		"type": "candidate", "data": map[string]any{"email": "sam@colony", "name": "Sam"}, "proposerIdentity": "alice",
	})
	if code != 200 {
		t.Fatalf("referendum: %d %v", code, body)
	}
	ref := body["referendum"].(map[string]any)
	if ref["status"] != "approved" || ref["voted"] != float64(1) {
		t.Fatalf("unexpected referendum %v", ref)
	}
	if !e.hall.IsBoardMember("sam@colony") {
		t.Fatalf("candidate not seated")
	}
	_, body = e.do(t, "GET", "/referendum", nil)
	if body["active"] != nil || len(body["history"].([]any)) != 1 {
		t.Fatalf("unexpected referendum listing %v", body)
	}
	if code, _ := e.do(t, "POST", "/referendum", map[string]any{"data": map[string]any{}}); code != 400 {
		t.Fatalf("missing type should be 400, got %d", code)
	}
}

func TestHallPolicies(t *testing.T) {
	e := newTestEnv(t)
	code, body := e.do(t, "POST", "/hall/policies", map[string]any{"title": "Curfew", "proposerIdentity": "mallory"})
	if code != 403 || body["code"] != protocol.ErrNoPermission {
		t.Fatalf("non-member policy: %d %v", code, body)
	}
	e.hall.AddBoardMember("ann", "Ann")
	e.hall.AddBoardMember("ben", "Ben")
	code, body = e.do(t, "POST", "/hall/policies", map[string]any{"title": "Curfew", "proposerIdentity": "ann"})
	if code != 200 {
		t.Fatalf("create policy: %d %v", code, body)
	}
	code, body = e.do(t, "POST", "/hall/policies/1/vote", map[string]any{"identity": "ann", "vote": false})
	if code != 200 || body["policy"].(map[string]any)["status"] != "rejected" {
		t.Fatalf("vote: %d %v", code, body)
	}
	if code, _ := e.do(t, "POST", "/hall/policies/1/vote", map[string]any{"identity": "ben", "vote": true}); code != 409 {
		t.Fatalf("closed policy vote should conflict, got %d", code)
	}
}

func TestMetricsAndHealth(t *testing.T) {
	e := newTestEnv(t)
	if code, _ := e.do(t, "GET", "/healthz", nil); code != 200 {
		t.Fatalf("healthz: %d", code)
	}
	e.do(t, "GET", "/institutions", nil)
	resp, err := http.Get(e.srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), `route="GET /institutions`) {
		t.Fatalf("request not counted:\n%s", b)
	}
	if code, _ := e.do(t, "GET", "/resolutions", nil); code != 404 {
		t.Fatalf("resolutions without an index should 404, got %d", code)
	}
}
