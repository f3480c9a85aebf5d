package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"taskline/internal/domain"
)

// Validation rule kinds.
const (
	KindRequiredField = "required_field"
	KindTestsRequired = "tests_required"
	KindAmbiguity     = "ambiguity"
)

// Config models taskline.yml.
type Config struct {
	Scheduler struct {
		TickIntervalSeconds        int `yaml:"tick_interval_seconds"`
		MinEmissionIntervalMinutes int `yaml:"min_emission_interval_minutes"`
		TopN                       int `yaml:"top_n"`
		ActiveHours                struct {
			Start string `yaml:"start"`
			End   string `yaml:"end"`
		} `yaml:"active_hours"`
		StaleAfterHours int `yaml:"stale_after_hours"`
	} `yaml:"scheduler"`
	Validation struct {
		Rules []ValidationRule `yaml:"rules"`
	} `yaml:"validation"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig is one outbound event subscription. Events narrows delivery
// to the listed types; empty means every event.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// ValidationRule is one declarative gate rule. Kind selects the check,
// Config carries the kind-specific knobs.
type ValidationRule struct {
	ID             string   `yaml:"id"`
	Kind           string   `yaml:"kind"`
	CategoryFilter []string `yaml:"category_filter"`
	Severity       string   `yaml:"severity"`
	Blocking       bool     `yaml:"blocking"`
	Config         struct {
		Fields   []string `yaml:"fields"`
		MinTests int      `yaml:"min_tests"`
		Terms    []string `yaml:"terms"`
	} `yaml:"config"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with tl config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Scheduler.TickIntervalSeconds < 0 {
		return fmt.Errorf("config.scheduler.tick_interval_seconds must not be negative")
	}
	if c.Scheduler.MinEmissionIntervalMinutes < 0 {
		return fmt.Errorf("config.scheduler.min_emission_interval_minutes must not be negative")
	}
	if c.Scheduler.TopN < 0 {
		return fmt.Errorf("config.scheduler.top_n must not be negative")
	}
	if c.Scheduler.StaleAfterHours < 0 {
		return fmt.Errorf("config.scheduler.stale_after_hours must not be negative")
	}
	start, end := c.Scheduler.ActiveHours.Start, c.Scheduler.ActiveHours.End
	if (start == "") != (end == "") {
		return fmt.Errorf("config.scheduler.active_hours needs both start and end, or neither")
	}
	if start != "" {
		if _, err := time.Parse("15:04", start); err != nil {
			return fmt.Errorf("config.scheduler.active_hours.start %q is not HH:MM", start)
		}
		if _, err := time.Parse("15:04", end); err != nil {
			return fmt.Errorf("config.scheduler.active_hours.end %q is not HH:MM", end)
		}
	}
	seen := map[string]bool{}
	for i, rule := range c.Validation.Rules {
		if rule.ID == "" {
			return fmt.Errorf("config.validation.rules[%d] has empty id", i)
		}
		if seen[rule.ID] {
			return fmt.Errorf("config.validation.rules has duplicate id %s", rule.ID)
		}
		seen[rule.ID] = true
		switch rule.Kind {
		case KindRequiredField:
			if len(rule.Config.Fields) == 0 {
				return fmt.Errorf("rule %s needs config.fields", rule.ID)
			}
		case KindTestsRequired:
			if rule.Config.MinTests < 0 {
				return fmt.Errorf("rule %s config.min_tests must not be negative", rule.ID)
			}
		case KindAmbiguity:
		default:
			return fmt.Errorf("rule %s has unknown kind %s", rule.ID, rule.Kind)
		}
		if rule.Severity != "" && !domain.KnownSeverity(rule.Severity) {
			return fmt.Errorf("rule %s has unknown severity %s", rule.ID, rule.Severity)
		}
		for _, cat := range rule.CategoryFilter {
			if !domain.KnownCategory(cat) {
				return fmt.Errorf("rule %s filters on unknown category %s", rule.ID, cat)
			}
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d] needs a url", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d] timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// TickInterval is how often the suggestion loop wakes up.
func (c *Config) TickInterval() time.Duration {
	if c.Scheduler.TickIntervalSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.Scheduler.TickIntervalSeconds) * time.Second
}

// MinEmissionInterval is the per-list throttle between scheduled emissions.
func (c *Config) MinEmissionInterval() time.Duration {
	if c.Scheduler.MinEmissionIntervalMinutes <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.Scheduler.MinEmissionIntervalMinutes) * time.Minute
}

// TopN is how many suggestions priority-mode lists receive.
func (c *Config) TopN() int {
	if c.Scheduler.TopN <= 0 {
		return 3
	}
	return c.Scheduler.TopN
}

// StaleAfter is how long a task may sit untouched before the sweep marks it stale.
func (c *Config) StaleAfter() time.Duration {
	if c.Scheduler.StaleAfterHours <= 0 {
		return 48 * time.Hour
	}
	return time.Duration(c.Scheduler.StaleAfterHours) * time.Hour
}

// WithinActiveHours reports whether now falls inside the configured window.
// An unset window means always active. A window with start after end spans
// midnight.
func (c *Config) WithinActiveHours(now time.Time) bool {
	startRaw, endRaw := c.Scheduler.ActiveHours.Start, c.Scheduler.ActiveHours.End
	if startRaw == "" || endRaw == "" {
		return true
	}
	start, err := time.Parse("15:04", startRaw)
	if err != nil {
		return true
	}
	end, err := time.Parse("15:04", endRaw)
	if err != nil {
		return true
	}
	minute := now.Hour()*60 + now.Minute()
	lo := start.Hour()*60 + start.Minute()
	hi := end.Hour()*60 + end.Minute()
	if lo <= hi {
		return minute >= lo && minute < hi
	}
	return minute >= lo || minute < hi
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "taskline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
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

const defaultTemplate = `scheduler:
  tick_interval_seconds: 60
  min_emission_interval_minutes: 5
  top_n: 3
  active_hours:
    start: ""
    end: ""
  stale_after_hours: 48

validation:
  rules:
    - id: required-core-fields
      kind: required_field
      severity: error
      blocking: true
      config:
        fields: [title, description, effort_minutes]

    - id: tests-for-code-changes
      kind: tests_required
      severity: error
      blocking: true
      category_filter: [feature, bugfix, refactor]
      config:
        min_tests: 1

    - id: vague-wording
      kind: ambiguity
      severity: warning
      blocking: true
      config:
        terms: [maybe, somehow, something, stuff, various, etc, later, TBD]

# webhooks:
#   - url: https://example.com/taskline-events
#     secret: ""
#     events: [suggestion.ready, task.status_changed]
`
