// Package config assembles runtime settings from the environment and from
// optional YAML policy files.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"convoflow/internal/cache"
	"convoflow/internal/logger"
	"convoflow/internal/queue"
	"convoflow/internal/validation"
)

// RedisSettings configure the optional persistence backend. An empty URL
// leaves the orchestrator purely in-memory.
type RedisSettings struct {
	URL        string        `envconfig:"REDIS_URL"`
	SessionTTL time.Duration `envconfig:"REDIS_SESSION_TTL" default:"40m"`
}

// Settings is the full runtime configuration.
type Settings struct {
	Log        logger.Settings
	Cache      cache.Settings
	Queue      queue.Settings
	Validation validation.Config
	Redis      RedisSettings

	// FlowFile is the YAML file of conversation templates loaded at startup.
	FlowFile string `envconfig:"FLOW_TEMPLATE_FILE" default:"flows/onboarding.yaml"`
	// CachePolicyFile optionally overrides TTL policies per tenant/user/priority.
	CachePolicyFile string `envconfig:"CACHE_POLICY_FILE"`
}

// Load processes environment configuration and, when configured, merges the
// YAML cache policy file.
func Load() (*Settings, error) {
	var settings Settings
	if err := envconfig.Process("", &settings); err != nil {
		return nil, fmt.Errorf("error processing environment configuration: %w", err)
	}

	if settings.CachePolicyFile != "" {
		if err := loadCachePolicies(settings.CachePolicyFile, &settings.Cache); err != nil {
			return nil, err
		}
	}
	return &settings, nil
}

type policyFile struct {
	TTLPolicies       []cache.TTLPolicy               `yaml:"ttl_policies"`
	PriorityTTLFactor map[cache.PriorityClass]float64 `yaml:"priority_ttl_factor"`
}

func loadCachePolicies(path string, settings *cache.Settings) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("error reading cache policy file: %w", err)
	}
	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("error parsing cache policy file %s: %w", path, err)
	}
	settings.TTLPolicies = file.TTLPolicies
	settings.PriorityTTLFactor = file.PriorityTTLFactor
	return nil
}
