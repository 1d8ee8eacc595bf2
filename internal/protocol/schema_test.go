package protocol

import "testing"

func TestValidateProposalDraft(t *testing.T) {
	ok := `{"project":"Water extractor","cost":100,"gains":{"hydration":[1,5],"money":200},
		"prerequisites":[{"type":"hire","value":"Engineer"}]}`
	if err := Validate(SchemaProposal, []byte(ok)); err != nil {
		t.Fatalf("expected valid draft, got %v", err)
	}
	if err := Validate(SchemaProposal, []byte(`{"title":"Greenhouse"}`)); err != nil {
		t.Fatalf("title-only drafts are accepted, got %v", err)
	}

	bad := []string{
		`{"cost":1}`,
		`{"project":""}`,
		`{"project":"x","cost":-5}`,
		`{"project":"x","gains":{"oxygen":[1,2,3]}}`,
		`{"project":"x","prerequisites":[{"type":"bribe","value":"y"}]}`,
		`not json`,
	}
	for _, b := range bad {
		if err := Validate(SchemaProposal, []byte(b)); err == nil {
			t.Fatalf("expected %s to be rejected", b)
		}
	}
}

func TestValidateWeaponAndReferendum(t *testing.T) {
	if err := Validate(SchemaWeapon, []byte(`{"name":"Rail","technology":"magnetic","parameters":{"weight":2,"force":10,"fuel":3}}`)); err != nil {
		t.Fatalf("weapon: %v", err)
	}
	if err := Validate(SchemaWeapon, []byte(`{"name":"Rail","parameters":{"weight":-1}}`)); err == nil {
		t.Fatalf("expected negative weight rejected")
	}
	if err := Validate(SchemaReferendum, []byte(`{"type":"candidate","data":{"email":"a@x","name":"A"}}`)); err != nil {
		t.Fatalf("referendum: %v", err)
	}
	if err := Validate(SchemaReferendum, []byte(`{"data":{}}`)); err == nil {
		t.Fatalf("expected missing type rejected")
	}
	if err := Validate("nope.json", []byte(`{}`)); err == nil {
		t.Fatalf("expected unknown schema error")
	}
}
