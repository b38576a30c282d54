// Package config loads and validates the project's .porch/config.yaml.
// A missing file means stock defaults; a present file overrides only the
// keys it sets.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/iambrandonn/porch/internal/workflow"
)

const (
	// DirName is the project-level directory holding config and runtime files.
	DirName = ".porch"
	// FileName is the config file inside DirName.
	FileName = "config.yaml"
)

// Config represents the config.yaml configuration file.
type Config struct {
	Version        string         `yaml:"version"`
	Project        Project        `yaml:"project"`
	Stack          Stack          `yaml:"stack"`
	Model          string         `yaml:"model"`
	Models         Models         `yaml:"models,omitempty"`
	Timeouts       Timeouts       `yaml:"phase_timeouts_s"`
	Retry          Retry          `yaml:"retry"`
	CircuitBreaker CircuitBreaker `yaml:"circuit_breaker"`
	Validation     Validation     `yaml:"validation"`
	Journal        Journal        `yaml:"journal"`
}

// Project identifies the project to the agent prompts.
type Project struct {
	Name string `yaml:"name"`
}

// Stack describes the technology the agents work in.
type Stack struct {
	Language    string `yaml:"language"`
	TestCommand string `yaml:"test_command"`
}

// Models contains optional per-phase model overrides. An empty field
// falls back to the top-level model.
type Models struct {
	Specification  string `yaml:"specification,omitempty"`
	Implementation string `yaml:"implementation,omitempty"`
	QA             string `yaml:"qa,omitempty"`
	PR             string `yaml:"pr,omitempty"`
}

// Timeouts contains per-phase wall-clock limits in seconds.
type Timeouts struct {
	Specification  int `yaml:"specification"`
	Implementation int `yaml:"implementation"`
	QA             int `yaml:"qa"`
	PR             int `yaml:"pr"`
}

// Retry contains retry policy configuration. MaxAttempts counts total
// attempts, so 1 disables retries.
type Retry struct {
	MaxAttempts  int `yaml:"max_attempts"`
	DelaySeconds int `yaml:"delay_s"`
}

// CircuitBreaker contains the anomaly-monitor thresholds.
type CircuitBreaker struct {
	Enabled                bool  `yaml:"enabled"`
	MaxAttempts            int   `yaml:"max_attempts"`
	InactivityTimeoutS     int   `yaml:"inactivity_timeout_s"`
	TaskStagnationTimeoutS int   `yaml:"task_stagnation_timeout_s"`
	MaxOutputBytes         int64 `yaml:"max_output_bytes"`
	RepeatedErrorThreshold int   `yaml:"repeated_error_threshold"`
}

// Validation controls the human approval gates.
type Validation struct {
	AutoApprove      bool `yaml:"auto_approve"`
	SpecPreviewLines int  `yaml:"spec_preview_lines"`
}

// Journal controls progress journaling.
type Journal struct {
	Enabled bool `yaml:"enabled"`
}

// GenerateDefault creates a new Config with default values.
func GenerateDefault() *Config {
	return &Config{
		Version: "1.0",
		Project: Project{Name: "my-project"},
		Stack:   Stack{Language: "typescript", TestCommand: "npm test"},
		Model:   "sonnet",
		Timeouts: Timeouts{
			Specification:  1800,
			Implementation: 14400,
			QA:             1800,
			PR:             600,
		},
		Retry: Retry{MaxAttempts: 2, DelaySeconds: 5},
		CircuitBreaker: CircuitBreaker{
			Enabled:                true,
			MaxAttempts:            3,
			InactivityTimeoutS:     60,
			TaskStagnationTimeoutS: 600,
			MaxOutputBytes:         524288,
			RepeatedErrorThreshold: 3,
		},
		Validation: Validation{AutoApprove: false, SpecPreviewLines: 20},
		Journal:    Journal{Enabled: true},
	}
}

// ModelFor returns the model for a phase: the per-phase override when
// set, otherwise the top-level model.
func (c *Config) ModelFor(phase workflow.Phase) string {
	var m string
	switch phase {
	case workflow.PhaseSpecification:
		m = c.Models.Specification
	case workflow.PhaseImplementation:
		m = c.Models.Implementation
	case workflow.PhaseQA:
		m = c.Models.QA
	case workflow.PhasePR:
		m = c.Models.PR
	}
	if m == "" {
		m = c.Model
	}
	return m
}

// TimeoutFor returns the wall-clock limit for a phase, or zero for
// phases that do not run an agent.
func (c *Config) TimeoutFor(phase workflow.Phase) time.Duration {
	var s int
	switch phase {
	case workflow.PhaseSpecification:
		s = c.Timeouts.Specification
	case workflow.PhaseImplementation:
		s = c.Timeouts.Implementation
	case workflow.PhaseQA:
		s = c.Timeouts.QA
	case workflow.PhasePR:
		s = c.Timeouts.PR
	}
	return time.Duration(s) * time.Second
}

// Validate checks the configuration for errors and returns user-friendly error messages.
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("configuration error: missing required field 'version'\n\nHint: Add a version field like:\n  version: \"1.0\"")
	}

	if c.Project.Name == "" {
		return fmt.Errorf("configuration error: missing 'project.name'\n\nHint: Name the project so prompts can reference it:\n  project:\n    name: my-project")
	}

	if c.Stack.Language == "" {
		return fmt.Errorf("configuration error: missing 'stack.language'\n\nHint: Tell the agents what they are writing:\n  stack:\n    language: typescript")
	}

	if c.Model == "" {
		return fmt.Errorf("configuration error: missing 'model'\n\nHint: Pick a default model for all phases:\n  model: sonnet")
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("configuration error: invalid 'retry.max_attempts' value: %d\n\nHint: The value counts total attempts, so 1 means no retries:\n  retry:\n    max_attempts: 2", c.Retry.MaxAttempts)
	}

	if c.Retry.DelaySeconds < 0 {
		return fmt.Errorf("configuration error: invalid 'retry.delay_s' value: %d\n\nHint: The pause between attempts cannot be negative:\n  retry:\n    delay_s: 5", c.Retry.DelaySeconds)
	}

	timeouts := []struct {
		name    string
		seconds int
	}{
		{"specification", c.Timeouts.Specification},
		{"implementation", c.Timeouts.Implementation},
		{"qa", c.Timeouts.QA},
		{"pr", c.Timeouts.PR},
	}
	for _, t := range timeouts {
		if t.seconds <= 0 {
			return fmt.Errorf("configuration error: invalid 'phase_timeouts_s.%s' value: %d\n\nHint: Every phase needs a positive timeout in seconds:\n  phase_timeouts_s:\n    %s: 1800", t.name, t.seconds, t.name)
		}
	}

	if c.CircuitBreaker.Enabled {
		if err := c.CircuitBreaker.validate(); err != nil {
			return err
		}
	}

	if c.Validation.SpecPreviewLines < 0 {
		return fmt.Errorf("configuration error: invalid 'validation.spec_preview_lines' value: %d\n\nHint: Use 0 to disable the preview or a positive line count:\n  validation:\n    spec_preview_lines: 20", c.Validation.SpecPreviewLines)
	}

	return nil
}

// validate checks the circuit breaker thresholds.
func (cb *CircuitBreaker) validate() error {
	if cb.MaxAttempts < 1 {
		return fmt.Errorf("configuration error: invalid 'circuit_breaker.max_attempts' value: %d\n\nHint: The monitor needs at least one warning before tripping:\n  circuit_breaker:\n    max_attempts: 3", cb.MaxAttempts)
	}
	if cb.InactivityTimeoutS <= 0 {
		return fmt.Errorf("configuration error: invalid 'circuit_breaker.inactivity_timeout_s' value: %d\n\nHint: Use a positive number of seconds:\n  circuit_breaker:\n    inactivity_timeout_s: 60", cb.InactivityTimeoutS)
	}
	if cb.TaskStagnationTimeoutS <= 0 {
		return fmt.Errorf("configuration error: invalid 'circuit_breaker.task_stagnation_timeout_s' value: %d\n\nHint: Use a positive number of seconds:\n  circuit_breaker:\n    task_stagnation_timeout_s: 600", cb.TaskStagnationTimeoutS)
	}
	if cb.MaxOutputBytes <= 0 {
		return fmt.Errorf("configuration error: invalid 'circuit_breaker.max_output_bytes' value: %d\n\nHint: Use a positive byte limit:\n  circuit_breaker:\n    max_output_bytes: 524288", cb.MaxOutputBytes)
	}
	if cb.RepeatedErrorThreshold < 1 {
		return fmt.Errorf("configuration error: invalid 'circuit_breaker.repeated_error_threshold' value: %d\n\nHint: Set how many identical errors should raise a warning:\n  circuit_breaker:\n    repeated_error_threshold: 3", cb.RepeatedErrorThreshold)
	}
	return nil
}

// Path returns the config file location for a project directory.
func Path(projectDir string) string {
	return filepath.Join(projectDir, DirName, FileName)
}

// Load reads the project config, falling back to defaults when the file
// does not exist. The result is always validated.
func Load(projectDir string) (*Config, error) {
	cfg, err := LoadFromFile(Path(projectDir))
	if errors.Is(err, fs.ErrNotExist) {
		cfg = GenerateDefault()
	} else if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads a configuration from a YAML file. Keys absent from
// the file keep their default values.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := GenerateDefault()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, nil
}

// SaveToFile writes the configuration to a YAML file with 0600 permissions.
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Write with 0600 permissions (owner read/write only)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}

	return nil
}

// DefaultYAML is the commented starter config that porch init writes.
const DefaultYAML = `# porch configuration
version: "1.0"

project:
  name: my-project

# The stack fields feed the agent prompts and test-run detection.
stack:
  language: typescript
  test_command: npm test

# Model for every phase; override per phase under models:.
model: sonnet
models: {}
#  specification: opus
#  implementation: sonnet

# Per-phase wall-clock limits in seconds.
phase_timeouts_s:
  specification: 1800
  implementation: 14400
  qa: 1800
  pr: 600

# Total attempts per phase (1 disables retries) and the pause between
# attempts. Only spawn errors, timeouts, circuit-breaker trips, and
# missing completion markers retry.
retry:
  max_attempts: 2
  delay_s: 5

# Anomaly monitor thresholds.
circuit_breaker:
  enabled: true
  max_attempts: 3
  inactivity_timeout_s: 60
  task_stagnation_timeout_s: 600
  max_output_bytes: 524288
  repeated_error_threshold: 3

validation:
  auto_approve: false
  spec_preview_lines: 20

journal:
  enabled: true
`

// WriteDefault writes the starter config unless one already exists. It
// reports the file path and whether a file was created.
func WriteDefault(projectDir string) (string, bool, error) {
	path := Path(projectDir)
	if _, err := os.Stat(path); err == nil {
		return path, false, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", false, fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(DefaultYAML), 0600); err != nil {
		return "", false, fmt.Errorf("failed to write config file %s: %w", path, err)
	}

	return path, true, nil
}
