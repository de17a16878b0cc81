package metadata

import (
	"os"
	"path"
	"reflect"

	"github.com/pkg/errors"
	"github.com/uncharted-causemos/dque"
)

const (
	journalName        = "journal"
	journalSegmentSize = 50
)

// PersistedStore journals every execution record to disk and rebuilds its index from the journal
// when opened.
type PersistedStore struct {
	*index
	journal *dque.DQue
	dir     string
}

func recordBuilder() interface{} {
	return &record{}
}

// indexBuilder replays journal records into an index when the journal is loaded from disk.
type indexBuilder struct {
	index *index
}

// Apply is called on each journaled record in insertion order.
func (b *indexBuilder) Apply(entry interface{}) error {
	rec, ok := entry.(*record)
	if !ok {
		return errors.Errorf("unexpected type %s", reflect.TypeOf(entry))
	}
	if rec.Execution == nil {
		return errors.New("journal record without execution")
	}
	b.index.apply(rec)
	return nil
}

// NewPersistedStore opens the journal under dir, creating it when missing.
func NewPersistedStore(dir string) (Store, error) {
	journalPath := path.Join(dir, journalName)

	var journal *dque.DQue
	_, err := os.Stat(journalPath)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return nil, errors.Wrapf(err, "failed to create metadata dir %s", dir)
		}
		journal, err = dque.New(journalName, dir, journalSegmentSize, recordBuilder)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to initialize metadata journal %s", journalPath)
		}
	case err != nil:
		return nil, errors.Wrapf(err, "failed to stat metadata journal %s", journalPath)
	default:
		journal, err = dque.Open(journalName, dir, journalSegmentSize, recordBuilder)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load metadata journal %s", journalPath)
		}
	}

	builder := indexBuilder{index: newIndex()}
	if err := journal.ApplyToQueue(&builder); err != nil {
		_ = journal.Close()
		return nil, errors.Wrapf(err, "failed to rebuild metadata index from %s", journalPath)
	}

	return &PersistedStore{
		index:   builder.index,
		journal: journal,
		dir:     dir,
	}, nil
}

// Record journals an execution and its output artifacts, then indexes them.
func (p *PersistedStore) Record(e *Execution, outputs map[string][]*Artifact) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.closed {
		return errors.Wrap(ErrClosed, "no record after close")
	}
	rec := p.prepare(e, outputs)
	if err := p.journal.Enqueue(rec); err != nil {
		return errors.Wrapf(err, "failed to journal execution of %s", e.StageID)
	}
	p.apply(rec)
	return nil
}

// Close flushes the journal to disk and disallows any further records.
func (p *PersistedStore) Close() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.closed = true
	return errors.Wrap(p.journal.Close(), "failed to close metadata journal")
}
