package pipeline

import (
	"io"
	"os"

	"github.com/dominikbraun/graph"
	"github.com/dominikbraun/graph/draw"
	"github.com/pkg/errors"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/metadata"
	"gopkg.in/go-playground/colors.v1" //nolint
)

var stateColours = map[metadata.ExecutionState][3]uint8{
	metadata.StateComplete: {46, 160, 67},
	metadata.StateCached:   {52, 120, 200},
	metadata.StateFailed:   {220, 40, 40},
}

var pendingColour = [3]uint8{180, 180, 180}

func colour(state metadata.ExecutionState) (string, error) {
	rgb, ok := stateColours[state]
	if !ok {
		rgb = pendingColour
	}
	c, err := colors.RGB(rgb[0], rgb[1], rgb[2]) //nolint
	if err != nil {
		return "", errors.Wrap(err, "unable to get colour")
	}
	return c.ToHEX().String(), nil
}

// Draw writes the stage graph in DOT format, filling each stage with the colour of its execution
// state. Stages missing from states are drawn as pending.
func (p *Pipeline) Draw(w io.Writer, states map[string]metadata.ExecutionState) error {
	g := graph.New(stageHash, graph.Directed())
	for _, s := range p.Stages {
		fill, err := colour(states[s.ID])
		if err != nil {
			return err
		}
		label := s.ID
		if state, ok := states[s.ID]; ok {
			label += `\n` + string(state)
		}
		err = g.AddVertex(s,
			graph.VertexAttribute("style", "filled"),
			graph.VertexAttribute("fillcolor", fill),
			graph.VertexAttribute("label", label),
		)
		if err != nil {
			return errors.Wrap(err, "unable to add vertex")
		}
	}
	for _, s := range p.Stages {
		upstream, err := p.Upstream(s.ID)
		if err != nil {
			return err
		}
		for _, u := range upstream {
			if err := g.AddEdge(u, s.ID); err != nil {
				return errors.Wrapf(err, "unable to add edge from %s to %s", u, s.ID)
			}
		}
	}
	return draw.DOT(g, w, draw.GraphAttribute("label", p.Name), draw.GraphAttribute("rankdir", "LR"))
}

// DrawFile writes the DOT drawing to path.
func (p *Pipeline) DrawFile(path string, states map[string]metadata.ExecutionState) error {
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "unable to create file %s", path)
	}
	defer file.Close()

	if err := p.Draw(file, states); err != nil {
		return errors.Wrapf(err, "unable to create dot file %s", path)
	}
	return nil
}
