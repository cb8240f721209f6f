package pipeline

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ashare-data/etld/internal/model"
)

// FileConfig is the on-disk shape of config/pipelines.yaml: a named list
// of pipelines, each an ordered stage-plan list. It is declarative data,
// not code — the three named pipelines in spec §4.8 (afternoon core,
// evening enhancement, T+1 morning) are entries here, not separate
// hardcoded Go functions.
type FileConfig struct {
	Pipelines map[string]PipelineConfig `yaml:"pipelines"`
}

// PipelineConfig is one pipeline's stage list.
type PipelineConfig struct {
	Stages []StageConfig `yaml:"stages"`
}

// StageConfig describes one stage plan entry.
type StageConfig struct {
	Name            string `yaml:"name"`
	Kind            string `yaml:"kind"` // ingest | transform | check
	APIName         string `yaml:"api_name"`
	Policy          string `yaml:"policy"` // strict | lenient
	ReadinessDep    string `yaml:"readiness_dep"`
	ReadinessLagHrs int    `yaml:"readiness_lag_hrs"`
	Concurrency     int    `yaml:"concurrency"`
}

// LoadFileConfig reads and parses a pipelines.yaml file.
func LoadFileConfig(path string) (FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("read pipeline config %s: %w", path, err)
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return FileConfig{}, fmt.Errorf("parse pipeline config %s: %w", path, err)
	}
	return cfg, nil
}

func policyFromString(s string) model.FailurePolicy {
	if s == string(model.PolicyLenient) {
		return model.PolicyLenient
	}
	return model.PolicyStrict
}

func kindFromString(s string) model.StageKind {
	switch s {
	case string(model.StageTransform):
		return model.StageTransform
	case string(model.StageCheck):
		return model.StageCheck
	default:
		return model.StageIngest
	}
}
