package protocol

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

const (
	SchemaProposal   = "proposal.schema.json"
	SchemaWeapon     = "weapon.schema.json"
	SchemaReferendum = "referendum.schema.json"
)

var (
	schemaOnce sync.Once
	schemaErr  error
	schemas    map[string]*jsonschema.Schema
)

func compileSchemas() {
	schemas = map[string]*jsonschema.Schema{}
	for _, name := range []string{SchemaProposal, SchemaWeapon, SchemaReferendum} {
		raw, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			schemaErr = err
			return
		}
		s, err := jsonschema.CompileString(name, string(raw))
		if err != nil {
			schemaErr = fmt.Errorf("compile %s: %w", name, err)
			return
		}
		schemas[name] = s
	}
}

// Validate checks raw JSON against one of the embedded request schemas.
func Validate(schema string, raw []byte) error {
	schemaOnce.Do(compileSchemas)
	if schemaErr != nil {
		return schemaErr
	}
	s, ok := schemas[schema]
	if !ok {
		return fmt.Errorf("unknown schema %q", schema)
	}
	var v any
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	if err := s.Validate(v); err != nil {
		return err
	}
	return nil
}
