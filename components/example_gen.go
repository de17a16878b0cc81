package components

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/dataset"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/metadata"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/pipeline"
)

// Source reads the raw examples a query selects.
type Source interface {
	Read(ctx context.Context, query string) (*dataset.Table, error)
}

// CSVSource reads every row of a CSV export. The query only identifies the data.
type CSVSource struct {
	Path string
}

// Read implements Source.
func (s CSVSource) Read(ctx context.Context, query string) (*dataset.Table, error) {
	file, err := os.Open(s.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open examples %s", s.Path)
	}
	defer file.Close()
	return dataset.ReadCSV(file)
}

// PostgresSource runs the query against a Postgres database.
type PostgresSource struct {
	DSN string
}

// Read implements Source.
func (s PostgresSource) Read(ctx context.Context, query string) (*dataset.Table, error) {
	pool, err := pgxpool.New(ctx, s.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to examples database")
	}
	defer pool.Close()

	rows, err := pool.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to run examples query")
	}
	defer rows.Close()

	t := &dataset.Table{}
	for _, field := range rows.FieldDescriptions() {
		t.Columns = append(t.Columns, field.Name)
	}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan examples row")
		}
		row := make([]string, len(values))
		for i, v := range values {
			row[i] = formatValue(v)
		}
		t.Rows = append(t.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read examples rows")
	}
	return t, nil
}

func formatValue(v interface{}) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case []byte:
		return string(value)
	case float64:
		return strconv.FormatFloat(value, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(value), 'g', -1, 32)
	case bool:
		if value {
			return "1"
		}
		return "0"
	case time.Time:
		return strconv.FormatInt(value.Unix(), 10)
	case pgtype.Numeric:
		f, err := value.Float64Value()
		if err != nil || !f.Valid {
			return ""
		}
		return strconv.FormatFloat(f.Float64, 'g', -1, 64)
	}
	return fmt.Sprint(v)
}

// ExampleGen ingests the examples and splits them into train and eval.
type ExampleGen struct {
	Source Source
}

// Execute implements pipeline.Executor.
func (g *ExampleGen) Execute(ctx context.Context, ec *pipeline.ExecutionContext) error {
	if g.Source == nil {
		return errors.New("example generator has no source")
	}
	out, err := ec.Output(OutExamples)
	if err != nil {
		return err
	}

	table, err := g.Source.Read(ctx, ec.StringParam("query"))
	if err != nil {
		return err
	}
	if len(table.Rows) == 0 {
		return errors.New("query returned no examples")
	}

	train, eval := dataset.HashSplit(table)
	for split, t := range map[string]*dataset.Table{dataset.SplitTrain: train, dataset.SplitEval: eval} {
		if err := dataset.WriteSplit(out.URI, split, t); err != nil {
			return err
		}
	}
	out.SetProperty(metadata.PropertySplits, strings.Join([]string{dataset.SplitTrain, dataset.SplitEval}, ","))
	out.SetIntProperty("train_count", int64(len(train.Rows)))
	out.SetIntProperty("eval_count", int64(len(eval.Rows)))

	ec.Logger.Infof("Generated %d train and %d eval examples", len(train.Rows), len(eval.Rows))
	return nil
}
