// Package runner executes pipelines in process or hands them to a managed job service.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/config"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/metadata"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/pipeline"
)

// StageResult is the outcome of one stage of a local run.
type StageResult struct {
	StageID   string
	State     metadata.ExecutionState
	Execution *metadata.Execution
	Duration  time.Duration
}

// RunResult is the outcome of a local run.
type RunResult struct {
	RunID       string
	Stages      []StageResult
	DrawingPath string
}

// State returns the state a stage ended in.
func (r *RunResult) State(stageID string) (metadata.ExecutionState, bool) {
	for _, s := range r.Stages {
		if s.StageID == stageID {
			return s.State, true
		}
	}
	return "", false
}

// LocalRunner runs every stage of a pipeline synchronously in list order, recording executions in
// the metadata store and reusing cached executions.
type LocalRunner struct {
	config.Config
	store metadata.Store
}

// NewLocalRunner creates a runner backed by the given store.
func NewLocalRunner(cfg config.Config, store metadata.Store) *LocalRunner {
	return &LocalRunner{Config: cfg, store: store}
}

// Fingerprint identifies a stage execution by the stage definition, its input artifacts and the
// content of its source files. Missing source files contribute their path only.
func Fingerprint(stage *pipeline.Stage, inputs map[string][]*metadata.Artifact) (string, error) {
	buffer := bytes.Buffer{}
	buffer.WriteString(stage.ID + "\n" + stage.Kind + "\n")

	params, err := json.Marshal(stage.Parameters)
	if err != nil {
		return "", errors.Wrapf(err, "failed to marshal parameters of %s", stage.ID)
	}
	buffer.Write(params)
	buffer.WriteString("\n")

	keys := make([]string, 0, len(inputs))
	for key := range inputs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		buffer.WriteString(key + "=")
		for _, a := range inputs[key] {
			buffer.WriteString(strconv.FormatInt(a.ID, 10) + ",")
		}
		buffer.WriteString("\n")
	}

	for _, source := range stage.Sources {
		buffer.WriteString(source + "\n")
		content, err := ioutil.ReadFile(source)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", errors.Wrapf(err, "failed to read source %s of %s", source, stage.ID)
		}
		buffer.Write(content)
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(buffer.Bytes())), nil
}

func artifactIDs(artifacts map[string][]*metadata.Artifact) map[string][]int64 {
	ids := map[string][]int64{}
	for key, list := range artifacts {
		for _, a := range list {
			ids[key] = append(ids[key], a.ID)
		}
	}
	return ids
}

// resolveInputs binds each input channel to the artifacts its producer output.
func resolveInputs(stage *pipeline.Stage, produced map[string]map[string][]*metadata.Artifact) (map[string][]*metadata.Artifact, error) {
	inputs := map[string][]*metadata.Artifact{}
	for key, ch := range stage.Inputs {
		artifacts := produced[ch.Producer][ch.Key]
		if len(artifacts) == 0 && !ch.Optional {
			return nil, errors.Errorf("stage %s: input %s from %s.%s has no artifact", stage.ID, key, ch.Producer, ch.Key)
		}
		inputs[key] = artifacts
	}
	return inputs, nil
}

// executeStage runs or reuses one stage and returns the artifacts it output.
func (r *LocalRunner) executeStage(ctx context.Context, p *pipeline.Pipeline, runID string, stage *pipeline.Stage, inputs map[string][]*metadata.Artifact) (StageResult, map[string][]*metadata.Artifact, error) {
	start := time.Now()
	fingerprint, err := Fingerprint(stage, inputs)
	if err != nil {
		return StageResult{}, nil, err
	}
	exec := &metadata.Execution{
		RunID:       runID,
		Pipeline:    p.Name,
		StageID:     stage.ID,
		Fingerprint: fingerprint,
		Inputs:      artifactIDs(inputs),
		Start:       start,
	}

	if p.EnableCache && stage.Cacheable {
		if cached, ok := r.store.LookupCached(p.Name, stage.ID, fingerprint); ok {
			outputs := map[string][]*metadata.Artifact{}
			for key, ids := range cached.Outputs {
				artifacts, err := r.store.Artifacts(ids)
				if err != nil {
					return StageResult{}, nil, errors.Wrapf(err, "stage %s: cached outputs", stage.ID)
				}
				outputs[key] = artifacts
			}
			exec.State = metadata.StateCached
			exec.End = time.Now()
			if err := r.store.Record(exec, outputs); err != nil {
				return StageResult{}, nil, err
			}
			r.Logger.Infof("Stage %s cached from execution %d", stage.ID, cached.ID)
			return StageResult{StageID: stage.ID, State: exec.State, Execution: exec, Duration: time.Since(start)}, outputs, nil
		}
	}

	outputs := map[string][]*metadata.Artifact{}
	for key, artifactType := range stage.Outputs {
		outputs[key] = []*metadata.Artifact{{
			Type: artifactType,
			URI:  filepath.Join(p.Root, stage.ID, key, runID),
		}}
	}

	r.Logger.Infof("Stage %s started", stage.ID)
	ec := &pipeline.ExecutionContext{
		Config:   r.Config,
		Pipeline: p,
		Stage:    stage,
		RunID:    runID,
		Store:    r.store,
		Inputs:   inputs,
		Outputs:  outputs,
	}
	if err := stage.Executor.Execute(ctx, ec); err != nil {
		exec.State = metadata.StateFailed
		exec.End = time.Now()
		if recordErr := r.store.Record(exec, nil); recordErr != nil {
			r.Logger.Error(recordErr)
		}
		return StageResult{StageID: stage.ID, State: exec.State, Execution: exec, Duration: time.Since(start)},
			nil, errors.Wrapf(err, "stage %s failed", stage.ID)
	}

	exec.State = metadata.StateComplete
	exec.End = time.Now()
	if err := r.store.Record(exec, ec.Outputs); err != nil {
		return StageResult{}, nil, err
	}
	duration := exec.End.Sub(start)
	r.Logger.Infof("Stage %s completed in %s", stage.ID, duration)
	return StageResult{StageID: stage.ID, State: exec.State, Execution: exec, Duration: duration}, ec.Outputs, nil
}

// Run executes the pipeline and draws the run next to the pipeline definition.
func (r *LocalRunner) Run(ctx context.Context, p *pipeline.Pipeline) (*RunResult, error) {
	result := &RunResult{RunID: uuid.New().String()}
	r.Logger.Infof("Running pipeline %s locally as run %s", p.Name, result.RunID)

	produced := map[string]map[string][]*metadata.Artifact{}
	states := map[string]metadata.ExecutionState{}
	var runErr error
	for _, id := range p.Order() {
		stage, _ := p.Stage(id)
		inputs, err := resolveInputs(stage, produced)
		if err != nil {
			runErr = err
			break
		}
		stageResult, outputs, err := r.executeStage(ctx, p, result.RunID, stage, inputs)
		if stageResult.StageID != "" {
			result.Stages = append(result.Stages, stageResult)
			states[id] = stageResult.State
		}
		if err != nil {
			runErr = err
			break
		}
		produced[id] = outputs
	}

	result.DrawingPath = filepath.Join(r.Environment.DefinitionDir, p.Name+"_pipeline.dot")
	if err := p.DrawFile(result.DrawingPath, states); err != nil {
		r.Logger.Warnf("Failed to draw pipeline: %v", err)
		result.DrawingPath = ""
	}
	return result, runErr
}

// latestOutputs returns the outputs of the newest successful execution of a stage.
func (r *LocalRunner) latestOutputs(pipelineName string, stageID string) (map[string][]*metadata.Artifact, bool, error) {
	executions := r.store.Executions("")
	for i := len(executions) - 1; i >= 0; i-- {
		e := executions[i]
		if e.Pipeline != pipelineName || e.StageID != stageID || e.State == metadata.StateFailed {
			continue
		}
		outputs := map[string][]*metadata.Artifact{}
		for key, ids := range e.Outputs {
			artifacts, err := r.store.Artifacts(ids)
			if err != nil {
				return nil, false, err
			}
			outputs[key] = artifacts
		}
		return outputs, true, nil
	}
	return nil, false, nil
}

// RunStage executes a single stage, binding its inputs to the newest outputs of its upstream
// stages. This is the entry point of a stage container.
func (r *LocalRunner) RunStage(ctx context.Context, p *pipeline.Pipeline, stageID string, runID string) (*StageResult, error) {
	stage, ok := p.Stage(stageID)
	if !ok {
		return nil, errors.Errorf("pipeline %s has no stage %s", p.Name, stageID)
	}
	if runID == "" {
		runID = uuid.New().String()
	}

	produced := map[string]map[string][]*metadata.Artifact{}
	for _, ch := range stage.Inputs {
		if _, ok := produced[ch.Producer]; ok {
			continue
		}
		outputs, found, err := r.latestOutputs(p.Name, ch.Producer)
		if err != nil {
			return nil, err
		}
		if found {
			produced[ch.Producer] = outputs
		}
	}
	inputs, err := resolveInputs(stage, produced)
	if err != nil {
		return nil, err
	}
	result, _, err := r.executeStage(ctx, p, runID, stage, inputs)
	if err != nil {
		return nil, err
	}
	return &result, nil
}
