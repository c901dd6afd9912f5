package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"crewline/internal/domain"
)

// Config models crewline.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Repo string `yaml:"repo"`
	} `yaml:"project"`
	Personas struct {
		Catalog map[string]PersonaConfig `yaml:"catalog"`
	} `yaml:"personas"`
	Reviews struct {
		Required  map[string][]string `yaml:"required"`
		Deadline  string              `yaml:"deadline"`
		AutoMerge bool                `yaml:"auto_merge"`
	} `yaml:"reviews"`
	Gateway struct {
		Timeout    string `yaml:"timeout"`
		MaxRetries int    `yaml:"max_retries"`
	} `yaml:"gateway"`
	Orchestrator struct {
		Workers int    `yaml:"workers"`
		Tick    string `yaml:"tick"`
	} `yaml:"orchestrator"`
	Server struct {
		APIKey    string `yaml:"api_key"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
}

type PersonaConfig struct {
	Provider    string `yaml:"provider"`
	Model       string `yaml:"model,omitempty"`
	Endpoint    string `yaml:"endpoint,omitempty"`
	Description string `yaml:"description,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run crew init or import one", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if len(c.Personas.Catalog) == 0 {
		return fmt.Errorf("config.personas.catalog is required")
	}
	for role, p := range c.Personas.Catalog {
		if role == "" {
			return fmt.Errorf("config.personas.catalog contains empty role")
		}
		switch p.Provider {
		case "anthropic", "http", "scripted":
		case "":
			return fmt.Errorf("persona %s missing provider", role)
		default:
			return fmt.Errorf("persona %s has unknown provider %s", role, p.Provider)
		}
		if p.Provider == "http" && p.Endpoint == "" {
			return fmt.Errorf("persona %s provider http requires endpoint", role)
		}
	}
	for itemType, roles := range c.Reviews.Required {
		if itemType == "" {
			return fmt.Errorf("config.reviews.required has empty item type")
		}
		if len(roles) == 0 {
			return fmt.Errorf("config.reviews.required.%s is empty", itemType)
		}
		for _, role := range roles {
			if _, ok := c.Personas.Catalog[role]; !ok {
				return fmt.Errorf("required reviewer %s for %s not in persona catalog", role, itemType)
			}
		}
	}
	if c.Reviews.Deadline != "" {
		if _, err := time.ParseDuration(c.Reviews.Deadline); err != nil {
			return fmt.Errorf("config.reviews.deadline: %w", err)
		}
	}
	if c.Gateway.Timeout != "" {
		if _, err := time.ParseDuration(c.Gateway.Timeout); err != nil {
			return fmt.Errorf("config.gateway.timeout: %w", err)
		}
	}
	if c.Gateway.MaxRetries < 0 {
		return fmt.Errorf("config.gateway.max_retries cannot be negative")
	}
	if c.Orchestrator.Workers < 0 {
		return fmt.Errorf("config.orchestrator.workers cannot be negative")
	}
	if c.Orchestrator.Tick != "" {
		if _, err := time.ParseDuration(c.Orchestrator.Tick); err != nil {
			return fmt.Errorf("config.orchestrator.tick: %w", err)
		}
	}
	return nil
}

// RequiredReviewers returns the required reviewer roles for an item type.
func (c *Config) RequiredReviewers(itemType string) []string {
	if roles, ok := c.Reviews.Required[itemType]; ok {
		return roles
	}
	return nil
}

// ReviewDeadline returns the configured review deadline, defaulting to 30m.
func (c *Config) ReviewDeadline() time.Duration {
	if c.Reviews.Deadline == "" {
		return 30 * time.Minute
	}
	d, err := time.ParseDuration(c.Reviews.Deadline)
	if err != nil {
		return 30 * time.Minute
	}
	return d
}

// GatewayTimeout returns the per-call persona timeout, defaulting to 60s.
func (c *Config) GatewayTimeout() time.Duration {
	if c.Gateway.Timeout == "" {
		return 60 * time.Second
	}
	d, err := time.ParseDuration(c.Gateway.Timeout)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// GatewayMaxRetries returns the per-call retry budget, defaulting to 1.
func (c *Config) GatewayMaxRetries() int {
	if c.Gateway.MaxRetries <= 0 {
		return 1
	}
	return c.Gateway.MaxRetries
}

// OrchestratorTick returns the schedule tick interval, defaulting to 1m.
func (c *Config) OrchestratorTick() time.Duration {
	if c.Orchestrator.Tick == "" {
		return time.Minute
	}
	d, err := time.ParseDuration(c.Orchestrator.Tick)
	if err != nil {
		return time.Minute
	}
	return d
}

// Workers returns the orchestrator pool size, defaulting to 4.
func (c *Config) Workers() int {
	if c.Orchestrator.Workers <= 0 {
		return 4
	}
	return c.Orchestrator.Workers
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "crewline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, projectID)), &cfg)
	cfg.Project.ID = projectID
	return &cfg
}

const defaultTemplate = `project:
  id: %s
  repo: ""

personas:
  catalog:
    ` + domain.RoleProductOwner + `:
      provider: anthropic
      description: "Breaks epics down into stories with acceptance criteria"
    ` + domain.RoleStrategist + `:
      provider: anthropic
      description: "Assesses strategic fit"
    ` + domain.RoleArchitect + `:
      provider: anthropic
      description: "Designs architecture and reviews structure"
    ` + domain.RoleDeveloper + `:
      provider: anthropic
      description: "Implements tasks"
    ` + domain.RoleQA + `:
      provider: anthropic
      description: "Writes and reviews tests"
    ` + domain.RoleDocs + `:
      provider: anthropic
      description: "Keeps documentation current"
    ` + domain.RoleSecurity + `:
      provider: anthropic
      description: "Security review; holds an absolute veto"
    ` + domain.RoleDevOps + `:
      provider: anthropic
      description: "Deploy and pipeline work"
    ` + domain.RoleSynthesizer + `:
      provider: anthropic
      description: "Merges perspectives into one plan or summary"

reviews:
  required:
    task: [` + domain.RoleArchitect + `, ` + domain.RoleSecurity + `, ` + domain.RoleQA + `]
    bug: [` + domain.RoleSecurity + `]
  deadline: 30m
  auto_merge: true

gateway:
  timeout: 60s
  max_retries: 1

orchestrator:
  workers: 4
  tick: 1m
`
