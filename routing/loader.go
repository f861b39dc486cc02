package routing

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

/* Table manages processing rules loaded from rules.yaml
 * Provides in-memory lookup for fast access on the processing path
 */

// Config represents the structure of rules.yaml
type Config struct {
	Rules []RuleConfig `yaml:"rules"`
}

// RuleConfig represents a single rule in the YAML file
type RuleConfig struct {
	EventType             string `yaml:"event_type"`
	Enabled               *bool  `yaml:"enabled"`                 // Default: true
	MaxRetries            *int   `yaml:"max_retries"`             // Optional: override global default
	HandlerTimeoutSeconds *int   `yaml:"handler_timeout_seconds"` // Optional: override global default
}

// Table holds the loaded rules
type Table struct {
	rules map[string]*Rule
}

// NewTable creates an empty rule table
func NewTable() *Table {
	return &Table{
		rules: make(map[string]*Rule),
	}
}

// Load reads and parses the rules YAML file
func (t *Table) Load(filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("reading rules file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return fmt.Errorf("parsing rules YAML: %w", err)
	}

	for _, rc := range config.Rules {
		enabled := true
		if rc.Enabled != nil {
			enabled = *rc.Enabled
		}

		rule := &Rule{
			EventType:             rc.EventType,
			Enabled:               enabled,
			MaxRetries:            rc.MaxRetries,
			HandlerTimeoutSeconds: rc.HandlerTimeoutSeconds,
		}

		if err := rule.Validate(); err != nil {
			return fmt.Errorf("validating rule: %w", err)
		}

		t.rules[rule.EventType] = rule
	}

	return nil
}

// Get returns the rule for an event type, if one is configured
// A nil Table is valid and returns no rules
func (t *Table) Get(eventType string) (*Rule, bool) {
	if t == nil {
		return nil, false
	}
	rule, ok := t.rules[eventType]
	return rule, ok
}

// List returns all configured rules
func (t *Table) List() []*Rule {
	if t == nil {
		return nil
	}
	rules := make([]*Rule, 0, len(t.rules))
	for _, rule := range t.rules {
		rules = append(rules, rule)
	}
	return rules
}
