package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config models a tenant's opsline.yml. It is imported once and then
// stored in the database per tenant.
type Config struct {
	Tenant struct {
		ID             string `yaml:"id" json:"id"`
		Name           string `yaml:"name" json:"name"`
		PrimaryContact string `yaml:"primary_contact" json:"primary_contact"`
	} `yaml:"tenant" json:"tenant"`
	SLA struct {
		HoursByPriority map[string]float64 `yaml:"hours_by_priority" json:"hours_by_priority"`
	} `yaml:"sla" json:"sla"`
	Detectors struct {
		StaleIngestionHours   float64 `yaml:"stale_ingestion_hours" json:"stale_ingestion_hours"`
		BacklogHighWatermark  int     `yaml:"backlog_high_watermark" json:"backlog_high_watermark"`
		FilingWindowDays      int     `yaml:"filing_window_days" json:"filing_window_days"`
		ReadinessFloor        float64 `yaml:"readiness_floor" json:"readiness_floor"`
		ReconciliationAgeDays int     `yaml:"reconciliation_age_days" json:"reconciliation_age_days"`
		ReconciliationMin     int     `yaml:"reconciliation_min" json:"reconciliation_min"`
		AnomalyMin            int     `yaml:"anomaly_min" json:"anomaly_min"`
	} `yaml:"detectors" json:"detectors"`
	Notify struct {
		SMTPAddr string `yaml:"smtp_addr" json:"smtp_addr"`
		From     string `yaml:"from" json:"from"`
	} `yaml:"notify" json:"notify"`
	LLM struct {
		BaseURL        string `yaml:"base_url" json:"base_url"`
		Model          string `yaml:"model" json:"model"`
		APIKey         string `yaml:"api_key" json:"api_key"`
		TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
	} `yaml:"llm" json:"llm"`
}

var validPriorities = []string{"low", "medium", "high", "urgent"}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Tenant.ID == "" {
		return fmt.Errorf("config.tenant.id is required")
	}
	if len(c.SLA.HoursByPriority) == 0 {
		return fmt.Errorf("config.sla.hours_by_priority is required")
	}
	for _, p := range validPriorities {
		h, ok := c.SLA.HoursByPriority[p]
		if !ok {
			return fmt.Errorf("config.sla.hours_by_priority missing %s", p)
		}
		if h <= 0 {
			return fmt.Errorf("config.sla.hours_by_priority.%s must be positive", p)
		}
	}
	for p := range c.SLA.HoursByPriority {
		known := false
		for _, v := range validPriorities {
			if p == v {
				known = true
			}
		}
		if !known {
			return fmt.Errorf("config.sla.hours_by_priority has unknown priority %s", p)
		}
	}
	if c.Detectors.BacklogHighWatermark < 0 {
		return fmt.Errorf("config.detectors.backlog_high_watermark must not be negative")
	}
	if c.Detectors.ReadinessFloor < 0 || c.Detectors.ReadinessFloor > 1 {
		return fmt.Errorf("config.detectors.readiness_floor must be within [0,1]")
	}
	return nil
}

// SLAHours returns the allotted hours for a priority, falling back to the
// medium allotment for unknown values.
func (c *Config) SLAHours(priority string) float64 {
	if h, ok := c.SLA.HoursByPriority[priority]; ok {
		return h
	}
	return c.SLA.HoursByPriority["medium"]
}

// Default returns the default Config struct for a tenant.
func Default(tenantID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, tenantID, tenantID))).Decode(&cfg)
	cfg.Tenant.ID = tenantID
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(tenantID string) string {
	return fmt.Sprintf(defaultTemplate, tenantID, tenantID)
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

const defaultTemplate = `tenant:
  id: %s
  name: %s
  primary_contact: ""

sla:
  hours_by_priority:
    urgent: 4
    high: 24
    medium: 48
    low: 168

detectors:
  stale_ingestion_hours: 24
  backlog_high_watermark: 50
  filing_window_days: 14
  readiness_floor: 0.8
  reconciliation_age_days: 5
  reconciliation_min: 1
  anomaly_min: 1

notify:
  smtp_addr: ""
  from: "opsline@localhost"

llm:
  base_url: ""
  model: ""
  api_key: ""
  timeout_seconds: 30
`
