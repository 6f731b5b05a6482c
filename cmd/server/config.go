package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// config is the server configuration, loaded from config.yaml in the user
// config dir. Keys may be omitted and supplied per request by clients, or
// through the environment.
type config struct {
	Port string `yaml:"port"`

	// OpenRouterKey and ParallelKey are server-stored fallback keys; a key in
	// the turn request always wins over these.
	OpenRouterKey string `yaml:"openrouterKey"`
	ParallelKey   string `yaml:"parallelKey"`

	DefaultModel string `yaml:"defaultModel"`
	TitleModel   string `yaml:"titleModel"`

	DBPath string `yaml:"dbPath"`
}

func loadConfig(path string) (config, error) {
	cfgFile, err := os.Open(path)
	if err != nil {
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}
	defer cfgFile.Close()

	cfg := config{}
	if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil {
		return config{}, fmt.Errorf("error decoding config file: %w", err)
	}

	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.OpenRouterKey == "" {
		cfg.OpenRouterKey = os.Getenv("OPENROUTER_API_KEY")
	}
	if cfg.ParallelKey == "" {
		cfg.ParallelKey = os.Getenv("PARALLEL_API_KEY")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "openrouter/auto"
	}
	if cfg.TitleModel == "" {
		cfg.TitleModel = "openai/gpt-4o-mini"
	}

	return cfg, nil
}
