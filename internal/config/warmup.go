package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// WarmupFile lists question pools to pre-warm at boot.
type WarmupFile struct {
	Pools []WarmupEntry `yaml:"pools"`
}

// WarmupEntry names one pool by hierarchy level and id.
type WarmupEntry struct {
	Level   string `yaml:"level"`
	LevelID string `yaml:"level_id"`
}

// LoadWarmup reads the optional warmup YAML file. An empty path yields an
// empty list, not an error; boot-time warmup is opt-in.
func LoadWarmup(path string) (WarmupFile, error) {
	var wf WarmupFile
	if path == "" {
		return wf, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return wf, fmt.Errorf("op=config.LoadWarmup: %w", err)
	}
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return wf, fmt.Errorf("op=config.LoadWarmup: parse: %w", err)
	}
	return wf, nil
}
