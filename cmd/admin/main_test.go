package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"

	"marscolony.ai/internal/governance/institutions"
	"marscolony.ai/internal/governance/model"
	"marscolony.ai/internal/governance/referendum"
	plog "marscolony.ai/internal/persistence/log"
	"marscolony.ai/internal/persistence/snapshot"
	"marscolony.ai/internal/protocol"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	color.NoColor = true
	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("%v: %v", args, err)
	}
	return out.String()
}

func save(t *testing.T, dir, key string, v any) {
	t.Helper()
	b, err := snapshot.NewFileBackend(filepath.Join(dir, "state"))
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := b.Save(key, raw); err != nil {
		t.Fatalf("save: %v", err)
	}
}

func TestInstitutionsListing(t *testing.T) {
	dir := t.TempDir()
	save(t, dir, institutions.RecordKey, institutions.State{List: []model.Institution{{
		ID: 1, Name: "Dome", Kind: model.KindGeneral, Owner: "alice",
		TotalShares: 10, SoldShares: 10, Shares: map[string]int{"alice": 6, "bob": 4},
		Proposals: []model.Proposal{{ID: 3, Project: "Water tank", Status: model.StatusPending}},
	}}})

	out := run(t, "--data", dir, "institutions")
	for _, want := range []string{"#1 Dome (general) owner=alice live", "shares 10/10 sold", "bob 4", `proposal 3 "Water tank" pending`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}

func TestMissingRecordsAreEmpty(t *testing.T) {
	dir := t.TempDir()
	if out := run(t, "--data", dir, "institutions"); !strings.Contains(out, "no institutions") {
		t.Fatalf("unexpected output %q", out)
	}
	if out := run(t, "--data", dir, "referenda"); !strings.Contains(out, "no finished referenda") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestReferendaJSON(t *testing.T) {
	dir := t.TempDir()
	st := referendum.DefaultState()
	st.History = []referendum.Referendum{{ID: 2, Type: referendum.TypeFire, Status: referendum.StatusRejected, Reason: "interrupted"}}
	save(t, dir, referendum.RecordKey, st)

	var got referendum.State
	if err := json.Unmarshal([]byte(run(t, "--data", dir, "--json", "referenda")), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.History) != 1 || got.History[0].Reason != "interrupted" {
		t.Fatalf("unexpected state %+v", got)
	}
}

func TestAuditReplayFilters(t *testing.T) {
	dir := t.TempDir()
	l := plog.NewAuditLogger(filepath.Join(dir, "audit"))
	for _, e := range []protocol.AuditEntry{
		{Time: "t1", Kind: protocol.AuditProposal, InstitutionID: 1, SubjectID: 1, Title: "Tank", Status: "approved", Approve: 6, Total: 10},
		{Time: "t2", Kind: protocol.AuditReferendum, SubjectID: 1, Status: "rejected", Reason: "interrupted"},
		{Time: "t3", Kind: protocol.AuditProposal, InstitutionID: 1, SubjectID: 2, Title: "Farm", Status: "denied", Deny: 6, Total: 10},
	} {
		if err := l.WriteAudit(e); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	out := run(t, "--data", dir, "audit", "--kind", "proposal", "--limit", "1")
	if strings.Contains(out, "Tank") || !strings.Contains(out, `#2 "Farm" denied 0/6/10`) {
		t.Fatalf("unexpected replay:\n%s", out)
	}
	if out := run(t, "--data", dir, "audit"); strings.Count(out, "\n") != 3 || !strings.Contains(out, "(interrupted)") {
		t.Fatalf("unexpected replay:\n%s", out)
	}
}

func TestUnknownBackend(t *testing.T) {
	cmd := rootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--data", t.TempDir(), "--backend", "etcd", "accounts"})
	if err := cmd.Execute(); err == nil || !strings.Contains(err.Error(), "unknown backend") {
		t.Fatalf("expected unknown backend error, got %v", err)
	}
}
