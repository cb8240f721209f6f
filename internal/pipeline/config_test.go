package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashare-data/etld/internal/model"
)

func TestLoadFileConfigParsesRealPipelinesYAML(t *testing.T) {
	path := filepath.Join("..", "..", "config", "pipelines.yaml")
	cfg, err := LoadFileConfig(path)
	require.NoError(t, err)

	require.Contains(t, cfg.Pipelines, "afternoon_core")
	require.Contains(t, cfg.Pipelines, "evening_enhancement")
	require.Contains(t, cfg.Pipelines, "morning_repair")
	assert.NotEmpty(t, cfg.Pipelines["afternoon_core"].Stages)
}

func TestLoadFileConfigMissingFile(t *testing.T) {
	_, err := LoadFileConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}

func TestLoadFileConfigInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipelines: [not, a, map"), 0o644))

	_, err := LoadFileConfig(path)
	assert.Error(t, err)
}

func TestPolicyFromString(t *testing.T) {
	assert.Equal(t, model.PolicyLenient, policyFromString("lenient"))
	assert.Equal(t, model.PolicyStrict, policyFromString("strict"))
	assert.Equal(t, model.PolicyStrict, policyFromString(""))
	assert.Equal(t, model.PolicyStrict, policyFromString("bogus"))
}

func TestKindFromString(t *testing.T) {
	assert.Equal(t, model.StageTransform, kindFromString("transform"))
	assert.Equal(t, model.StageCheck, kindFromString("check"))
	assert.Equal(t, model.StageIngest, kindFromString("ingest"))
	assert.Equal(t, model.StageIngest, kindFromString(""))
}
