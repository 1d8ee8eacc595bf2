// Package config loads the service tuning file. Secrets never live in the
// file; they come from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"marscolony.ai/internal/governance/placement"
)

type Config struct {
	Server      Server      `yaml:"server"`
	Log         Log         `yaml:"log"`
	Persistence Persistence `yaml:"persistence"`
	Resolution  Resolution  `yaml:"resolution"`
	Judge       Model       `yaml:"judge"`
	Advisor     Model       `yaml:"advisor"`
	Meshy       Meshy       `yaml:"meshy"`
	Environment Environment `yaml:"environment"`
	Observer    Observer    `yaml:"observer"`

	OpenAIKey string `yaml:"-"`
	MeshyKey  string `yaml:"-"`
}

type Server struct {
	Addr    string `yaml:"addr"`
	DataDir string `yaml:"data_dir"`
	// ShutdownTimeout bounds graceful HTTP shutdown and the final flush.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type Log struct {
	Mode string `yaml:"mode"`
}

type Persistence struct {
	// Backend is "file" (zstd records) or "sqlite".
	Backend    string        `yaml:"backend"`
	FlushDelay time.Duration `yaml:"flush_delay"`
	// Index enables the sqlite resolution index.
	Index bool `yaml:"index"`
}

type Resolution struct {
	ConstructionBand placement.Band `yaml:"construction_band"`
	WeaponBand       placement.Band `yaml:"weapon_band"`
	MinClearance     float64        `yaml:"min_clearance"`
	ScaffoldModel    string         `yaml:"scaffold_model"`
	ScaffoldScale    float64        `yaml:"scaffold_scale"`
	ModelsDir        string         `yaml:"models_dir"`
	RebuildCost      float64        `yaml:"rebuild_cost"`
}

type Model struct {
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

type Meshy struct {
	BaseURL      string        `yaml:"base_url"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type Environment struct {
	Seed          uint32        `yaml:"seed"`
	DriftInterval time.Duration `yaml:"drift_interval"`
	SaveMaps      bool          `yaml:"save_maps"`
	MinX          float64       `yaml:"min_x"`
	MaxX          float64       `yaml:"max_x"`
	MinZ          float64       `yaml:"min_z"`
	MaxZ          float64       `yaml:"max_z"`
}

type Observer struct {
	Queue int `yaml:"queue"`
}

func Defaults() Config {
	return Config{
		Server: Server{Addr: ":8080", DataDir: "./data", ShutdownTimeout: 5 * time.Second},
		Log:    Log{Mode: "dev"},
		Persistence: Persistence{
			Backend:    "file",
			FlushDelay: 500 * time.Millisecond,
			Index:      true,
		},
		Resolution: Resolution{
			ConstructionBand: placement.ConstructionBand,
			WeaponBand:       placement.WeaponBand,
			MinClearance:     3,
			ScaffoldModel:    "scof1.glb",
			ScaffoldScale:    6,
			ModelsDir:        "generated_models",
			RebuildCost:      100,
		},
		Judge:   Model{Model: "gpt-4.1", BaseURL: "https://api.openai.com/v1"},
		Advisor: Model{Model: "gpt-4.1-nano-2025-04-14", BaseURL: "https://api.openai.com/v1"},
		Meshy:   Meshy{BaseURL: "https://api.meshy.ai/openapi/v2", PollInterval: 5 * time.Second},
		Environment: Environment{
			Seed:          123456789,
			DriftInterval: 10 * time.Minute,
			MaxX:          100,
			MaxZ:          100,
		},
		Observer: Observer{Queue: 256},
	}
}

// Load reads path over the defaults. A missing file yields the defaults and
// an error satisfying os.IsNotExist so callers can decide.
func Load(path string) (Config, error) {
	c := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// ApplyEnv reads secrets and a few overrides from the environment.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	c.OpenAIKey = strings.TrimSpace(getenv("OPENAI_API_KEY"))
	c.MeshyKey = strings.TrimSpace(getenv("MESHY_API_KEY"))
	if v := strings.TrimSpace(getenv("COLONY_DATA_DIR")); v != "" {
		c.Server.DataDir = v
	}
	if v := strings.TrimSpace(getenv("COLONY_STORE_BACKEND")); v != "" {
		c.Persistence.Backend = v
	}
	if v := strings.TrimSpace(getenv("DEPLOY_ENV")); v == "staging" || v == "production" {
		c.Log.Mode = "prod"
	}
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Addr) == "" {
		errs = append(errs, errors.New("server.addr is empty"))
	}
	if strings.TrimSpace(c.Server.DataDir) == "" {
		errs = append(errs, errors.New("server.data_dir is empty"))
	}
	switch strings.ToLower(c.Persistence.Backend) {
	case "file", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("persistence.backend: unsupported %q", c.Persistence.Backend))
	}
	for name, b := range map[string]placement.Band{
		"resolution.construction_band": c.Resolution.ConstructionBand,
		"resolution.weapon_band":       c.Resolution.WeaponBand,
	} {
		if b.Min < 0 || b.Max <= b.Min {
			errs = append(errs, fmt.Errorf("%s: need 0 <= min < max, got [%v,%v)", name, b.Min, b.Max))
		}
	}
	if c.Resolution.MinClearance < 0 {
		errs = append(errs, errors.New("resolution.min_clearance must be >= 0"))
	}
	if c.Environment.MaxX <= c.Environment.MinX || c.Environment.MaxZ <= c.Environment.MinZ {
		errs = append(errs, errors.New("environment bounds are empty"))
	}
	return errors.Join(errs...)
}
