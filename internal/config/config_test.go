package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultsAreValid(t *testing.T) {
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "colony.yaml")
	body := `
server:
  addr: ":9090"
persistence:
  backend: sqlite
  flush_delay: 2s
resolution:
  weapon_band: {min: 10, max: 15}
meshy:
  poll_interval: 1s
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Server.Addr != ":9090" || c.Server.DataDir != "./data" {
		t.Fatalf("unexpected server section: %+v", c.Server)
	}
	if c.Persistence.Backend != "sqlite" || c.Persistence.FlushDelay != 2*time.Second || !c.Persistence.Index {
		t.Fatalf("unexpected persistence: %+v", c.Persistence)
	}
	if c.Resolution.WeaponBand.Min != 10 || c.Resolution.ConstructionBand.Max != 10 || c.Resolution.MinClearance != 3 {
		t.Fatalf("unexpected resolution: %+v", c.Resolution)
	}
	if c.Meshy.PollInterval != time.Second {
		t.Fatalf("unexpected meshy: %+v", c.Meshy)
	}
}

func TestLoadMissingFile(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !os.IsNotExist(err) {
		t.Fatalf("expected not-exist, got %v", err)
	}
	if c.Server.Addr != ":8080" {
		t.Fatalf("defaults expected on missing file")
	}
}

func TestApplyEnv(t *testing.T) {
	c := Defaults()
	env := map[string]string{
		"OPENAI_API_KEY":       " sk-test ",
		"COLONY_STORE_BACKEND": "sqlite",
		"DEPLOY_ENV":           "production",
	}
	c.ApplyEnv(func(k string) string { return env[k] })
	if c.OpenAIKey != "sk-test" || c.MeshyKey != "" || c.Persistence.Backend != "sqlite" || c.Log.Mode != "prod" {
		t.Fatalf("unexpected config: %+v", c)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	c := Defaults()
	c.Persistence.Backend = "redis"
	c.Resolution.WeaponBand.Max = 1
	c.Resolution.MinClearance = -1
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected errors")
	}
	for _, want := range []string{"persistence.backend", "weapon_band", "min_clearance"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("missing %q in %v", want, err)
		}
	}
}
