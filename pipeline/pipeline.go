package pipeline

import (
	"github.com/dominikbraun/graph"
	"github.com/pkg/errors"
)

var (
	// ErrDuplicateStage is returned when two stages share an id.
	ErrDuplicateStage = errors.New("duplicate stage id")
	// ErrUnknownProducer is returned when an input refers to a stage that does not precede it.
	ErrUnknownProducer = errors.New("input producer must be an earlier stage")
	// ErrChannelType is returned when an input does not match the producer's declared output.
	ErrChannelType = errors.New("input does not match producer output")
)

// Pipeline is a named, ordered list of stages forming a DAG.
type Pipeline struct {
	Name           string
	Root           string
	Stages         []*Stage
	EnableCache    bool
	ProcessingArgs []string
	RunArgs        []string
	Image          string

	graph graph.Graph[string, *Stage]
	order []string
}

// Option configures a pipeline.
type Option func(*Pipeline)

// WithCache enables or disables execution caching.
func WithCache(enabled bool) Option {
	return func(p *Pipeline) {
		p.EnableCache = enabled
	}
}

// WithProcessingArgs sets the data-processing arguments passed to data-heavy stages.
func WithProcessingArgs(args []string) Option {
	return func(p *Pipeline) {
		p.ProcessingArgs = args
	}
}

// WithRunArgs sets the run flags each stage container is started with, after a `--` separator.
func WithRunArgs(args []string) Option {
	return func(p *Pipeline) {
		p.RunArgs = args
	}
}

// WithImage sets the container image stages run in when submitted to a managed service.
func WithImage(image string) Option {
	return func(p *Pipeline) {
		p.Image = image
	}
}

func stageHash(s *Stage) string {
	return s.ID
}

// New validates the stage list and builds the pipeline. Every input must come from a stage that
// appears earlier in the list and declares an output with the same key and type.
func New(name string, root string, stages []*Stage, options ...Option) (*Pipeline, error) {
	if name == "" {
		return nil, errors.New("pipeline name must be set")
	}

	g := graph.New(stageHash, graph.Directed(), graph.PreventCycles())
	position := map[string]int{}
	for i, s := range stages {
		if s.ID == "" {
			return nil, errors.Errorf("stage %d has no id", i)
		}
		if err := g.AddVertex(s); err != nil {
			if errors.Is(err, graph.ErrVertexAlreadyExists) {
				return nil, errors.Wrap(ErrDuplicateStage, s.ID)
			}
			return nil, errors.Wrapf(err, "unable to add stage %s", s.ID)
		}

		for key, ch := range s.Inputs {
			producerPos, ok := position[ch.Producer]
			if !ok {
				return nil, errors.Wrapf(ErrUnknownProducer, "%s.%s from %s", s.ID, key, ch.Producer)
			}
			producer := stages[producerPos]
			if t, ok := producer.Outputs[ch.Key]; !ok || t != ch.Type {
				return nil, errors.Wrapf(ErrChannelType, "%s.%s from %s.%s (%s)", s.ID, key, ch.Producer, ch.Key, ch.Type)
			}
			err := g.AddEdge(ch.Producer, s.ID)
			if err != nil && !errors.Is(err, graph.ErrEdgeAlreadyExists) {
				return nil, errors.Wrapf(err, "unable to link %s to %s", ch.Producer, s.ID)
			}
		}
		position[s.ID] = i
	}

	order, err := graph.StableTopologicalSort(g, func(a, b string) bool {
		return position[a] < position[b]
	})
	if err != nil {
		return nil, errors.Wrap(err, "unable to order stages")
	}

	p := &Pipeline{
		Name:   name,
		Root:   root,
		Stages: stages,
		graph:  g,
		order:  order,
	}
	for _, option := range options {
		option(p)
	}
	return p, nil
}

// Order returns the stage ids in execution order.
func (p *Pipeline) Order() []string {
	return append([]string(nil), p.order...)
}

// Stage returns a stage by id.
func (p *Pipeline) Stage(id string) (*Stage, bool) {
	s, err := p.graph.Vertex(id)
	if err != nil {
		return nil, false
	}
	return s, true
}

// Upstream returns the ids of the stages a stage directly depends on, sorted by execution order.
func (p *Pipeline) Upstream(id string) ([]string, error) {
	predecessors, err := p.graph.PredecessorMap()
	if err != nil {
		return nil, errors.Wrap(err, "unable to get predecessors")
	}
	var result []string
	for _, candidate := range p.order {
		if _, ok := predecessors[id][candidate]; ok {
			result = append(result, candidate)
		}
	}
	return result, nil
}
