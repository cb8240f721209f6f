package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashare-data/etld/internal/model"
	"github.com/ashare-data/etld/internal/stage"
)

func noopIngest(ctx context.Context, date model.TradeDate) error { return nil }
func noopTransform(ctx context.Context, dr model.DateRange) error { return nil }
func noopCheck(ctx context.Context, dr model.DateRange) (string, error) { return "ok", nil }

func TestResolveBuildsDefinitionFromConfig(t *testing.T) {
	cfg := PipelineConfig{
		Stages: []StageConfig{
			{Name: "ingest_daily", Kind: "ingest", APIName: "daily", Policy: "strict", Concurrency: 4},
			{Name: "standardize_daily", Kind: "transform", APIName: "standardize_daily", Policy: "strict", ReadinessDep: "daily"},
			{Name: "check_daily_quality", Kind: "check", APIName: "daily_quality", Policy: "strict", ReadinessDep: "daily"},
		},
	}
	reg := Registry{
		Ingest:    map[string]stage.IngestFunc{"daily": noopIngest},
		Transform: map[string]stage.TransformFunc{"standardize_daily": noopTransform},
		Check:     map[string]stage.CheckFunc{"daily_quality": noopCheck},
	}

	def, err := Resolve("afternoon_core", cfg, reg)
	require.NoError(t, err)
	require.Len(t, def.Stages, 3)

	assert.Equal(t, model.StageIngest, def.Stages[0].Definition.Kind)
	assert.NotNil(t, def.Stages[0].Definition.Ingest)
	assert.Equal(t, 4, def.Stages[0].Definition.Concurrency)

	assert.Equal(t, model.StageTransform, def.Stages[1].Definition.Kind)
	assert.NotNil(t, def.Stages[1].Definition.Transform)
	assert.Equal(t, "daily", def.Stages[1].ReadinessDep)

	assert.Equal(t, model.StageCheck, def.Stages[2].Definition.Kind)
	assert.NotNil(t, def.Stages[2].Definition.Check)
}

func TestResolveDefaultsPolicyToStrict(t *testing.T) {
	cfg := PipelineConfig{Stages: []StageConfig{{Name: "ingest_daily", Kind: "ingest", APIName: "daily"}}}
	reg := Registry{Ingest: map[string]stage.IngestFunc{"daily": noopIngest}}

	def, err := Resolve("p", cfg, reg)
	require.NoError(t, err)
	assert.Equal(t, model.PolicyStrict, def.Stages[0].Policy)
}

func TestResolveHonorsLenientPolicy(t *testing.T) {
	cfg := PipelineConfig{Stages: []StageConfig{{Name: "ingest_moneyflow", Kind: "ingest", APIName: "moneyflow", Policy: "lenient"}}}
	reg := Registry{Ingest: map[string]stage.IngestFunc{"moneyflow": noopIngest}}

	def, err := Resolve("p", cfg, reg)
	require.NoError(t, err)
	assert.Equal(t, model.PolicyLenient, def.Stages[0].Policy)
}

func TestResolveErrorsOnMissingImplementation(t *testing.T) {
	cfg := PipelineConfig{Stages: []StageConfig{{Name: "ingest_unknown", Kind: "ingest", APIName: "unknown"}}}
	reg := Registry{Ingest: map[string]stage.IngestFunc{}}

	_, err := Resolve("p", cfg, reg)
	assert.Error(t, err)
}
