package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"weekline/internal/rank"
	"weekline/internal/validation"
)

// Config models weekline.yml, the rollover settings of one organization.
type Config struct {
	Org struct {
		ID string `yaml:"id" validate:"required"`
	} `yaml:"org"`
	Rollover struct {
		Enabled  bool   `yaml:"enabled"`
		TimeZone string `yaml:"time_zone" validate:"required,timezone"`
	} `yaml:"rollover"`
	Pipeline struct {
		StartCycle  int           `yaml:"start_cycle" validate:"min=1"`
		TickTimeout time.Duration `yaml:"tick_timeout" validate:"min=0"`
		Workers     int           `yaml:"workers" validate:"min=1,max=64"`
	} `yaml:"pipeline"`
	Ranking struct {
		Weights        rank.Weights              `yaml:"weights"`
		ExclusionWeeks int                       `yaml:"exclusion_weeks" validate:"min=0,max=52"`
		Priorities     map[int64][]rank.Priority `yaml:"priorities"`
	} `yaml:"ranking"`
	Roles []RoleConfig `yaml:"roles" validate:"required,min=1,dive"`
}

type RoleConfig struct {
	ID              int64  `yaml:"id" validate:"min=1"`
	Name            string `yaml:"name" validate:"required"`
	SelfSelectSlots []int  `yaml:"self_select_slots" validate:"max=2,dive,min=1,max=3"`
}

const defaultTickTimeout = 30 * time.Second

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if err := validation.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	roles := map[int64]bool{}
	for _, r := range c.Roles {
		if roles[r.ID] {
			return fmt.Errorf("config.roles has duplicate role id %d", r.ID)
		}
		roles[r.ID] = true
		slots := map[int]bool{}
		for _, s := range r.SelfSelectSlots {
			if slots[s] {
				return fmt.Errorf("role %d lists self-select slot %d twice", r.ID, s)
			}
			slots[s] = true
		}
	}
	for roleID, prios := range c.Ranking.Priorities {
		if !roles[roleID] {
			return fmt.Errorf("ranking.priorities references unknown role %d", roleID)
		}
		if len(prios) > rank.MaxPriorities {
			return fmt.Errorf("role %d declares %d priority actions, max %d", roleID, len(prios), rank.MaxPriorities)
		}
		for _, p := range prios {
			if p.ActionID <= 0 {
				return fmt.Errorf("role %d has priority with invalid action id", roleID)
			}
			if p.Weight < 0 {
				return fmt.Errorf("role %d priority action %d has negative weight", roleID, p.ActionID)
			}
		}
	}
	w := c.Ranking.Weights
	if w.Need < 0 || w.Recency < 0 || w.Coverage < 0 || w.Priority < 0 {
		return fmt.Errorf("ranking.weights must be non-negative")
	}
	return nil
}

// Role returns the configuration for a role id.
func (c *Config) Role(id int64) (RoleConfig, bool) {
	for _, r := range c.Roles {
		if r.ID == id {
			return r, true
		}
	}
	return RoleConfig{}, false
}

// RoleIDs lists configured roles in declaration order.
func (c *Config) RoleIDs() []int64 {
	ids := make([]int64, 0, len(c.Roles))
	for _, r := range c.Roles {
		ids = append(ids, r.ID)
	}
	return ids
}

// RankConfig builds the ranking configuration for a role.
func (c *Config) RankConfig(roleID int64) rank.Config {
	return rank.Config{
		Weights:        c.Ranking.Weights,
		ExclusionWeeks: c.Ranking.ExclusionWeeks,
		Priorities:     c.Ranking.Priorities[roleID],
	}
}

// Location loads the plan-week anchor zone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Rollover.TimeZone)
}

// TickTimeout is the per org/role deadline, defaulted when unset.
func (c *Config) TickTimeout() time.Duration {
	if c.Pipeline.TickTimeout <= 0 {
		return defaultTickTimeout
	}
	return c.Pipeline.TickTimeout
}

// IsSelfSelect reports whether a display order is staff-picked for a role.
func (r RoleConfig) IsSelfSelect(displayOrder int) bool {
	for _, s := range r.SelfSelectSlots {
		if s == displayOrder {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "weekline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(orgID string) string {
	return fmt.Sprintf(defaultTemplate, orgID)
}

// Default returns the default Config struct for an organization.
func Default(orgID string) *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(GenerateDefault(orgID)), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `org:
  id: %s

rollover:
  enabled: true
  time_zone: America/Chicago

pipeline:
  start_cycle: 1
  tick_timeout: 30s
  workers: 4

ranking:
  weights:
    need: 1.0
    recency: 0.5
    coverage: 0.25
    priority: 1.0
  exclusion_weeks: 4
  priorities: {}

roles:
  - id: 1
    name: DFI
    self_select_slots: []
  - id: 2
    name: RDA
    self_select_slots: []
`
