package dataset

import (
	"encoding/csv"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/vova616/xxhash"
	"gonum.org/v1/gonum/mat"
)

// Split names.
const (
	SplitTrain = "train"
	SplitEval  = "eval"
)

const dataFile = "data.csv"

// Table is a set of rows with named columns. Values are kept as read so that columns can be typed
// later; an empty value is a missing value.
type Table struct {
	Columns []string
	Rows    [][]string
}

// ColumnIndex returns the position of a column or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Float returns a column as floats. Missing or non-numeric values are NaN; the second value counts
// how many present values were not numeric.
func (t *Table) Float(name string) ([]float64, int, error) {
	idx := t.ColumnIndex(name)
	if idx < 0 {
		return nil, 0, errors.Errorf("column %s not found", name)
	}
	values := make([]float64, len(t.Rows))
	nonNumeric := 0
	for i, row := range t.Rows {
		raw := strings.TrimSpace(row[idx])
		if raw == "" {
			values[i] = math.NaN()
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			values[i] = math.NaN()
			nonNumeric++
			continue
		}
		values[i] = v
	}
	return values, nonNumeric, nil
}

// Matrix returns the given columns as a dense row-major matrix. Missing values are zero.
func (t *Table) Matrix(columns []string) (*mat.Dense, error) {
	if len(t.Rows) == 0 || len(columns) == 0 {
		return nil, errors.New("empty matrix")
	}
	m := mat.NewDense(len(t.Rows), len(columns), nil)
	for j, c := range columns {
		values, _, err := t.Float(c)
		if err != nil {
			return nil, err
		}
		for i, v := range values {
			if math.IsNaN(v) {
				v = 0
			}
			m.Set(i, j, v)
		}
	}
	return m, nil
}

// Record returns a row as a column keyed map of floats, skipping values that aren't numeric.
func (t *Table) Record(i int) map[string]float64 {
	record := make(map[string]float64, len(t.Columns))
	for j, c := range t.Columns {
		v, err := strconv.ParseFloat(strings.TrimSpace(t.Rows[i][j]), 64)
		if err == nil {
			record[c] = v
		}
	}
	return record
}

// ReadCSV reads a table whose first record is the header.
func ReadCSV(r io.Reader) (*Table, error) {
	reader := csv.NewReader(r)
	reader.ReuseRecord = false
	header, err := reader.Read()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read csv header")
	}
	t := &Table{Columns: header}
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "failed to read csv row")
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// WriteCSV writes the table with a header record.
func WriteCSV(w io.Writer, t *Table) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(t.Columns); err != nil {
		return errors.Wrap(err, "failed to write csv header")
	}
	if err := writer.WriteAll(t.Rows); err != nil {
		return errors.Wrap(err, "failed to write csv rows")
	}
	return nil
}

// SplitDir returns the directory holding one split of an examples artifact.
func SplitDir(uri string, split string) string {
	return filepath.Join(uri, "Split-"+split)
}

// WriteSplit writes a split of an examples artifact.
func WriteSplit(uri string, split string, t *Table) error {
	dir := SplitDir(uri, split)
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return errors.Wrapf(err, "failed to create split dir %s", dir)
	}
	file, err := os.Create(filepath.Join(dir, dataFile))
	if err != nil {
		return errors.Wrapf(err, "failed to create split %s", split)
	}
	defer file.Close()
	return WriteCSV(file, t)
}

// ReadSplit reads a split of an examples artifact.
func ReadSplit(uri string, split string) (*Table, error) {
	path := filepath.Join(SplitDir(uri, split), dataFile)
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open split %s", path)
	}
	defer file.Close()
	return ReadCSV(file)
}

// HashSplit partitions rows into train and eval with a 2:1 ratio. The bucket of a row depends
// only on its content, so reruns over the same data produce the same splits.
func HashSplit(t *Table) (train *Table, eval *Table) {
	train = &Table{Columns: t.Columns}
	eval = &Table{Columns: t.Columns}
	for _, row := range t.Rows {
		if xxhash.Checksum32([]byte(strings.Join(row, ",")))%3 == 2 {
			eval.Rows = append(eval.Rows, row)
		} else {
			train.Rows = append(train.Rows, row)
		}
	}
	return train, eval
}
