package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "engine.yml"

// Dynamic config keys derived from the decision section.
const (
	KeyThreshold        = "threshold"
	KeyEscalationMargin = "escalation_margin"
)

// Config models engine.yml.
type Config struct {
	Cache struct {
		TTL       time.Duration `yaml:"ttl"`
		Size      int           `yaml:"size"`
		Namespace string        `yaml:"namespace"`
	} `yaml:"cache"`
	Decision struct {
		Threshold        float64 `yaml:"threshold"`
		EscalationMargin float64 `yaml:"escalation_margin"`
		AdjustRate       float64 `yaml:"adjust_rate"`
	} `yaml:"decision"`
	Weights struct {
		Min float64 `yaml:"min"`
		Max float64 `yaml:"max"`
		// Contexts seeds weights per context on bootstrap.
		Contexts map[string]map[string]float64 `yaml:"contexts"`
	} `yaml:"weights"`
	Tasks struct {
		MaxAttempts  int           `yaml:"max_attempts"`
		BackoffBase  time.Duration `yaml:"backoff_base"`
		BackoffMax   time.Duration `yaml:"backoff_max"`
		RunningLease time.Duration `yaml:"running_lease"`
	} `yaml:"tasks"`
	Signals struct {
		ClaimLease time.Duration `yaml:"claim_lease"`
		Webhooks   []Webhook     `yaml:"webhooks"`
	} `yaml:"signals"`
	Jobs      map[string]Job `yaml:"jobs"`
	Retention struct {
		Signals       time.Duration `yaml:"signals"`
		Tasks         time.Duration `yaml:"tasks"`
		History       time.Duration `yaml:"history"`
		Notifications time.Duration `yaml:"notifications"`
	} `yaml:"retention"`
	// Defaults are dynamic config values seeded with source=default.
	Defaults  map[string]string `yaml:"defaults"`
	Telemetry struct {
		ServiceName string `yaml:"service_name"`
		Endpoint    string `yaml:"endpoint"`
	} `yaml:"telemetry"`
}

// Webhook forwards every signal of Type to URL.
type Webhook struct {
	Type    string        `yaml:"type"`
	URL     string        `yaml:"url"`
	Secret  string        `yaml:"secret"`
	Timeout time.Duration `yaml:"timeout"`
}

type Job struct {
	Period time.Duration `yaml:"period"`
	Batch  int           `yaml:"batch"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with engined config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns Default() if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := template()
	cfg.deriveDecisionDefaults()
	return cfg
}

func template() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// deriveDecisionDefaults seeds the threshold and escalation_margin config
// defaults from the decision section unless defaults sets them explicitly.
func (c *Config) deriveDecisionDefaults() {
	if c.Defaults == nil {
		c.Defaults = map[string]string{}
	}
	if _, ok := c.Defaults[KeyThreshold]; !ok {
		c.Defaults[KeyThreshold] = strconv.FormatFloat(c.Decision.Threshold, 'f', -1, 64)
	}
	if _, ok := c.Defaults[KeyEscalationMargin]; !ok {
		c.Defaults[KeyEscalationMargin] = strconv.FormatFloat(c.Decision.EscalationMargin, 'f', -1, 64)
	}
}

// FromYAML parses data over the defaults and validates the result. Jobs
// given without a period or batch inherit the default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := template()
	base := cfg.Jobs
	cfg.Jobs = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	merged := make(map[string]Job, len(base)+len(cfg.Jobs))
	for name, j := range base {
		merged[name] = j
	}
	for name, j := range cfg.Jobs {
		def := base[name]
		if j.Period == 0 {
			j.Period = def.Period
		}
		if j.Batch == 0 {
			j.Batch = def.Batch
		}
		merged[name] = j
	}
	cfg.Jobs = merged
	cfg.deriveDecisionDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
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
	var errs []error
	if c.Cache.TTL < 0 {
		errs = append(errs, errors.New("cache.ttl must not be negative"))
	}
	if c.Cache.Size <= 0 {
		errs = append(errs, errors.New("cache.size must be positive"))
	}
	if !finite(c.Decision.Threshold) {
		errs = append(errs, errors.New("decision.threshold must be a number"))
	}
	if !finite(c.Decision.EscalationMargin) || c.Decision.EscalationMargin < 0 {
		errs = append(errs, errors.New("decision.escalation_margin must not be negative"))
	}
	if !finite(c.Decision.AdjustRate) || c.Decision.AdjustRate < 0 {
		errs = append(errs, errors.New("decision.adjust_rate must not be negative"))
	}
	if c.Weights.Min < 0 || c.Weights.Max < 0 {
		errs = append(errs, errors.New("weights.min and weights.max must not be negative"))
	}
	if c.Weights.Min > c.Weights.Max {
		errs = append(errs, fmt.Errorf("weights.min %v exceeds weights.max %v", c.Weights.Min, c.Weights.Max))
	}
	for ctxKey, criteria := range c.Weights.Contexts {
		if ctxKey == "" {
			errs = append(errs, errors.New("weights.contexts has empty context key"))
		}
		for crit, v := range criteria {
			if crit == "" {
				errs = append(errs, fmt.Errorf("weights.contexts.%s has empty criterion key", ctxKey))
			}
			if !finite(v) {
				errs = append(errs, fmt.Errorf("weights.contexts.%s.%s must be a number", ctxKey, crit))
			}
		}
	}
	if c.Tasks.MaxAttempts <= 0 {
		errs = append(errs, errors.New("tasks.max_attempts must be positive"))
	}
	if c.Tasks.BackoffBase <= 0 || c.Tasks.BackoffMax <= 0 {
		errs = append(errs, errors.New("tasks.backoff_base and tasks.backoff_max must be positive"))
	}
	if c.Tasks.BackoffBase > c.Tasks.BackoffMax {
		errs = append(errs, errors.New("tasks.backoff_base exceeds tasks.backoff_max"))
	}
	if c.Tasks.RunningLease <= 0 {
		errs = append(errs, errors.New("tasks.running_lease must be positive"))
	}
	if c.Signals.ClaimLease <= 0 {
		errs = append(errs, errors.New("signals.claim_lease must be positive"))
	}
	for i, w := range c.Signals.Webhooks {
		if w.Type == "" || w.URL == "" {
			errs = append(errs, fmt.Errorf("signals.webhooks[%d] needs type and url", i))
		}
		if w.Timeout < 0 {
			errs = append(errs, fmt.Errorf("signals.webhooks[%d].timeout must not be negative", i))
		}
	}
	for _, name := range c.JobNames() {
		j := c.Jobs[name]
		if j.Period <= 0 {
			errs = append(errs, fmt.Errorf("jobs.%s.period must be positive", name))
		}
		if j.Batch <= 0 {
			errs = append(errs, fmt.Errorf("jobs.%s.batch must be positive", name))
		}
	}
	for name, d := range map[string]time.Duration{
		"signals":       c.Retention.Signals,
		"tasks":         c.Retention.Tasks,
		"history":       c.Retention.History,
		"notifications": c.Retention.Notifications,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("retention.%s must not be negative", name))
		}
	}
	for k := range c.Defaults {
		if k == "" {
			errs = append(errs, errors.New("defaults has empty key"))
		}
	}
	return errors.Join(errs...)
}

// JobNames returns configured job names in sorted order.
func (c *Config) JobNames() []string {
	names := make([]string, 0, len(c.Jobs))
	for name := range c.Jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Job returns the named job settings, or fallback when it is not configured.
func (c *Config) Job(name string, fallback Job) Job {
	if j, ok := c.Jobs[name]; ok {
		return j
	}
	return fallback
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

const defaultTemplate = `cache:
  ttl: 5m
  size: 1024
  namespace: engine

decision:
  threshold: 0.5
  escalation_margin: 0
  adjust_rate: 0.05

weights:
  min: 0
  max: 1
  contexts: {}

tasks:
  max_attempts: 3
  backoff_base: 1s
  backoff_max: 5m
  running_lease: 10m

signals:
  claim_lease: 30s
  webhooks: []

jobs:
  signals.route:
    period: 5s
    batch: 100
  tasks.process:
    period: 5s
    batch: 50
  signals.cleanup:
    period: 1h
    batch: 1000
  tasks.purge:
    period: 1h
    batch: 1000
  history.purge:
    period: 24h
    batch: 1000
  notifications.purge:
    period: 24h
    batch: 1000
  metrics.snapshot:
    period: 1h
    batch: 1
  config.refresh:
    period: 5m
    batch: 1

retention:
  signals: 168h
  tasks: 168h
  history: 2160h
  notifications: 720h

defaults: {}

telemetry:
  service_name: engined
  endpoint: ""
`
