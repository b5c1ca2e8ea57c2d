// Copyright The Batchflow Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the demo binary's configuration, loaded by layering an
// in-process default map under an optional YAML file — the same
// mapstructure-tagged-struct convention the collapser's teacher uses for
// its own processor Config, applied here with koanf since this binary
// has no surrounding collector framework to load it for.
type Config struct {
	BatchSize      int    `mapstructure:"batch_size"`
	MaxWait        string `mapstructure:"max_wait"`
	MaxConcurrency int64  `mapstructure:"max_concurrency"`

	CacheName    string `mapstructure:"cache_name"`
	CacheTimeout string `mapstructure:"cache_timeout"`
	RedisAddr    string `mapstructure:"redis_addr"`

	MetricsAddr string `mapstructure:"metrics_addr"`

	HierarchicalPrefix string `mapstructure:"hierarchical_prefix"`
	DimensionalPrefix  string `mapstructure:"dimensional_prefix"`
}

func (c Config) maxWaitDuration() (time.Duration, error) {
	return time.ParseDuration(c.MaxWait)
}

func (c Config) cacheTimeoutDuration() (time.Duration, error) {
	return time.ParseDuration(c.CacheTimeout)
}

func defaultConfigMap() map[string]interface{} {
	return map[string]interface{}{
		"batch_size":          16,
		"max_wait":            "50ms",
		"max_concurrency":     4,
		"cache_name":          "collapserdemo",
		"cache_timeout":       "200ms",
		"redis_addr":          "127.0.0.1:6379",
		"metrics_addr":        ":9090",
		"hierarchical_prefix": "collapserdemo.lookup",
		"dimensional_prefix":  "collapserdemo_lookup",
	}
}

// loadConfig merges defaultConfigMap with an optional YAML file at path
// (skipped entirely if path is empty), then unmarshals into a Config.
func loadConfig(path string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaultConfigMap(), "."), nil); err != nil {
		return Config{}, err
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "mapstructure"}); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
