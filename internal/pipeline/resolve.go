package pipeline

import (
	"fmt"

	"github.com/ashare-data/etld/internal/stage"
)

// Registry maps api-name to its stage implementation functions, built
// once by the CLI layer from the concrete Fetcher/Writer/Checker wiring.
type Registry struct {
	Ingest    map[string]stage.IngestFunc
	Transform map[string]stage.TransformFunc
	Check     map[string]stage.CheckFunc
}

// Resolve turns a declarative PipelineConfig into a runnable Definition
// by looking up each stage's implementation in reg.
func Resolve(name string, cfg PipelineConfig, reg Registry) (Definition, error) {
	def := Definition{Name: name}
	for _, sc := range cfg.Stages {
		plan := StagePlan{
			Policy:          policyFromString(sc.Policy),
			ReadinessDep:    sc.ReadinessDep,
			ReadinessLagHrs: sc.ReadinessLagHrs,
			Definition: stage.Definition{
				Name:        sc.Name,
				Kind:        kindFromString(sc.Kind),
				APIName:     sc.APIName,
				Dependency:  sc.ReadinessDep,
				Concurrency: sc.Concurrency,
			},
		}

		fn, ok := reg.Ingest[sc.APIName]
		if plan.Definition.Kind == "ingest" && ok {
			plan.Definition.Ingest = fn
		}
		if tfn, ok := reg.Transform[sc.APIName]; plan.Definition.Kind == "transform" && ok {
			plan.Definition.Transform = tfn
		}
		if cfn, ok := reg.Check[sc.APIName]; plan.Definition.Kind == "check" && ok {
			plan.Definition.Check = cfn
		}

		if plan.Definition.Ingest == nil && plan.Definition.Transform == nil && plan.Definition.Check == nil {
			return Definition{}, fmt.Errorf("pipeline %q stage %q: no implementation registered for api_name %q kind %q", name, sc.Name, sc.APIName, sc.Kind)
		}

		def.Stages = append(def.Stages, plan)
	}
	return def, nil
}
