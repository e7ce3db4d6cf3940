package agent

import (
	"fmt"

	"github.com/feichai0017/recipe-pipeline/internal/models"
	"github.com/feichai0017/recipe-pipeline/pkg/logger"
	"github.com/feichai0017/recipe-pipeline/pkg/retry"
)

// Builder constructs a fresh stage. Stages carry per-batch retry metrics, so
// every batch gets its own set.
type Builder func() Stage

// StageFactory knows how to build one stage per Kind.
type StageFactory struct {
	builders map[Kind]Builder
	logger   logger.Logger
}

// NewStageFactory registers builders; every Kind must be present.
func NewStageFactory(log logger.Logger, builders map[Kind]Builder) (*StageFactory, error) {
	if log == nil {
		log = logger.NewNop()
	}
	f := &StageFactory{
		builders: make(map[Kind]Builder, len(Order)),
		logger:   log,
	}
	for _, k := range Order {
		b, ok := builders[k]
		if !ok || b == nil {
			return nil, fmt.Errorf("missing stage builder: %s", k)
		}
		f.builders[k] = b
	}
	return f, nil
}

// Pipeline is the ordered stage list for one batch.
type Pipeline struct {
	Stages []Stage
}

// Build creates the stages a request needs in execution order. Image and
// storage stages are skipped when the request turns them off.
func (f *StageFactory) Build(req models.GenerationRequest) (*Pipeline, error) {
	p := &Pipeline{Stages: make([]Stage, 0, len(Order))}
	for _, k := range Order {
		switch {
		case k == KindImage && !req.GenerateImage:
			continue
		case k == KindStorage && (!req.GenerateImage || !req.StoreImages):
			continue
		}
		s := f.builders[k]()
		if s == nil {
			return nil, fmt.Errorf("builder for %s returned nil", k)
		}
		if s.Kind() != k {
			f.logger.Error("Stage builder returned wrong kind",
				logger.String("expected", string(k)),
				logger.String("got", string(s.Kind())),
			)
			return nil, fmt.Errorf("builder for %s returned a %s stage", k, s.Kind())
		}
		p.Stages = append(p.Stages, s)
	}
	return p, nil
}

// Kinds lists the stage kinds in the pipeline.
func (p *Pipeline) Kinds() []Kind {
	out := make([]Kind, len(p.Stages))
	for i, s := range p.Stages {
		out[i] = s.Kind()
	}
	return out
}

// Metrics collects every stage's retry metrics in pipeline order.
func (p *Pipeline) Metrics() []retry.Snapshot {
	out := make([]retry.Snapshot, 0, len(p.Stages))
	for _, s := range p.Stages {
		out = append(out, s.Metrics())
	}
	return out
}
