package metadata

import (
	"container/list"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrClosed is returned by any operation on a closed store.
var ErrClosed = errors.New("metadata store closed")

// Store records stage executions and the artifacts they produce, and answers the lookups the
// runner and resolver need.
type Store interface {
	// Record assigns ids to the execution and any new artifacts, links them and persists them
	// as one unit.
	Record(e *Execution, outputs map[string][]*Artifact) error
	Artifact(id int64) (*Artifact, bool)
	Artifacts(ids []int64) ([]*Artifact, error)
	// LookupCached returns the newest complete execution of a stage with the given fingerprint.
	LookupCached(pipeline string, stageID string, fingerprint string) (*Execution, bool)
	// LatestBlessedModel returns the newest model that a blessing artifact marked as blessed.
	LatestBlessedModel(pipeline string) (*Artifact, bool)
	Executions(runID string) []*Execution
	Close() error
}

// record is the unit the journal holds, one per execution.
type record struct {
	Execution *Execution
	Artifacts []*Artifact
}

// index is the in-memory view shared by the store implementations.
type index struct {
	records        *list.List
	artifacts      map[int64]*Artifact
	executions     map[int64]*Execution
	pipelines      map[int64]string
	nextArtifactID int64
	nextExecID     int64
	closed         bool
	mutex          *sync.RWMutex
}

func newIndex() *index {
	return &index{
		records:        list.New(),
		artifacts:      map[int64]*Artifact{},
		executions:     map[int64]*Execution{},
		pipelines:      map[int64]string{},
		nextArtifactID: 1,
		nextExecID:     1,
		mutex:          &sync.RWMutex{},
	}
}

// prepare assigns ids and links artifacts to the execution, returning the journal record.
// Callers hold the write lock.
func (x *index) prepare(e *Execution, outputs map[string][]*Artifact) *record {
	if e.ID == 0 {
		e.ID = x.nextExecID
	}
	if e.End.IsZero() {
		e.End = time.Now()
	}

	rec := &record{Execution: e}
	if e.Outputs == nil {
		e.Outputs = map[string][]int64{}
	}
	keys := make([]string, 0, len(outputs))
	for key := range outputs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		for _, a := range outputs[key] {
			// artifacts already known are linked, never re-attributed
			if _, ok := x.artifacts[a.ID]; ok && a.ID != 0 {
				e.Outputs[key] = append(e.Outputs[key], a.ID)
				continue
			}
			if a.ID == 0 {
				a.ID = x.nextArtifactID + int64(len(rec.Artifacts))
			}
			a.ExecutionID = e.ID
			a.Producer = e.StageID
			a.Key = key
			if a.CreatedAt.IsZero() {
				a.CreatedAt = e.End
			}
			rec.Artifacts = append(rec.Artifacts, a)
			e.Outputs[key] = append(e.Outputs[key], a.ID)
		}
	}
	return rec
}

// apply adds a record to the in-memory view. Callers hold the write lock.
func (x *index) apply(rec *record) {
	e := rec.Execution
	x.records.PushBack(rec)
	x.executions[e.ID] = e
	if e.ID >= x.nextExecID {
		x.nextExecID = e.ID + 1
	}
	for _, a := range rec.Artifacts {
		x.artifacts[a.ID] = a
		x.pipelines[a.ID] = e.Pipeline
		if a.ID >= x.nextArtifactID {
			x.nextArtifactID = a.ID + 1
		}
	}
}

func (x *index) Artifact(id int64) (*Artifact, bool) {
	x.mutex.RLock()
	defer x.mutex.RUnlock()
	a, ok := x.artifacts[id]
	return a, ok
}

func (x *index) Artifacts(ids []int64) ([]*Artifact, error) {
	x.mutex.RLock()
	defer x.mutex.RUnlock()

	result := make([]*Artifact, 0, len(ids))
	for _, id := range ids {
		a, ok := x.artifacts[id]
		if !ok {
			return nil, errors.Errorf("artifact %d not found", id)
		}
		result = append(result, a)
	}
	return result, nil
}

func (x *index) LookupCached(pipeline string, stageID string, fingerprint string) (*Execution, bool) {
	x.mutex.RLock()
	defer x.mutex.RUnlock()

	for current := x.records.Back(); current != nil; current = current.Prev() {
		e := current.Value.(*record).Execution
		if e.State == StateComplete && e.Pipeline == pipeline && e.StageID == stageID && e.Fingerprint == fingerprint {
			return e, true
		}
	}
	return nil, false
}

func (x *index) LatestBlessedModel(pipeline string) (*Artifact, bool) {
	x.mutex.RLock()
	defer x.mutex.RUnlock()

	var best *Artifact
	for id, a := range x.artifacts {
		if a.Type != ModelBlessing || x.pipelines[id] != pipeline || a.Property(PropertyBlessed) != "1" {
			continue
		}
		model, ok := x.artifacts[a.IntProperty(PropertyCurrentModelID)]
		if !ok {
			continue
		}
		if best == nil || model.ID > best.ID {
			best = model
		}
	}
	return best, best != nil
}

func (x *index) Executions(runID string) []*Execution {
	x.mutex.RLock()
	defer x.mutex.RUnlock()

	var result []*Execution
	for current := x.records.Front(); current != nil; current = current.Next() {
		e := current.Value.(*record).Execution
		if runID == "" || e.RunID == runID {
			result = append(result, e)
		}
	}
	return result
}
