// Package config loads store settings from a YAML file with environment
// overrides. Environment variables use the RAGSTORE prefix and section
// names, e.g. RAGSTORE_NEO4J_URI, RAGSTORE_REDIS_ADDR.
package config

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/lodestar-ai/ragstore/graphstore"
	"github.com/lodestar-ai/ragstore/kvstore"
	"github.com/lodestar-ai/ragstore/vectorstore"
)

// envPrefix is the root prefix for environment overrides.
const envPrefix = "RAGSTORE"

// Config aggregates per-store sections.
type Config struct {
	Neo4j  graphstore.Neo4jConfig   `yaml:"neo4j"`
	Qdrant vectorstore.QdrantConfig `yaml:"qdrant"`
	Redis  kvstore.RedisConfig      `yaml:"redis"`
}

// Load reads path (when non-empty), then applies environment overrides on
// top. A missing file with an empty path is not an error; env-only
// configuration is a supported mode.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	sections := []struct {
		name string
		dst  any
	}{
		{"NEO4J", &c.Neo4j},
		{"QDRANT", &c.Qdrant},
		{"REDIS", &c.Redis},
	}
	for _, s := range sections {
		if err := envconfig.Process(envPrefix+"_"+s.name, s.dst); err != nil {
			return fmt.Errorf("config: env overrides for %s: %w", s.name, err)
		}
	}
	return nil
}

// Validate checks cross-field constraints that the stores would otherwise
// only surface at connect time.
func (c *Config) Validate() error {
	if c.Neo4j.Damping < 0 || c.Neo4j.Damping >= 1 {
		if c.Neo4j.Damping != 0 {
			return fmt.Errorf("config: neo4j.damping %v must be in [0,1)", c.Neo4j.Damping)
		}
	}
	if c.Neo4j.MaxIterations < 0 {
		return fmt.Errorf("config: neo4j.max_iterations %d must not be negative", c.Neo4j.MaxIterations)
	}
	if c.Qdrant.Dimension < 0 {
		return fmt.Errorf("config: qdrant.dimension %d must not be negative", c.Qdrant.Dimension)
	}
	if c.Qdrant.BatchSize < 0 {
		return fmt.Errorf("config: qdrant.batch_size %d must not be negative", c.Qdrant.BatchSize)
	}
	if c.Qdrant.Collection == "" && c.Qdrant.Dimension > 0 {
		return fmt.Errorf("config: qdrant.collection is required when a dimension is configured")
	}
	if c.Redis.DB < 0 {
		return fmt.Errorf("config: redis.db %d must not be negative", c.Redis.DB)
	}
	return nil
}
