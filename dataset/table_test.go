package dataset

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `Time,V1,V2,Amount,Class
0,1.5,-0.5,10.0,0
1,,0.25,abc,1
2,0.5,0.75,3.5,0
`

func TestReadCSV(t *testing.T) {
	table, err := ReadCSV(strings.NewReader(sample))
	require.NoError(t, err)
	assert.Equal(t, []string{"Time", "V1", "V2", "Amount", "Class"}, table.Columns)
	assert.Len(t, table.Rows, 3)

	v1, nonNumeric, err := table.Float("V1")
	require.NoError(t, err)
	assert.Equal(t, 0, nonNumeric)
	assert.Equal(t, 1.5, v1[0])
	assert.True(t, math.IsNaN(v1[1]))

	_, nonNumeric, err = table.Float("Amount")
	require.NoError(t, err)
	assert.Equal(t, 1, nonNumeric)

	_, _, err = table.Float("V9")
	assert.Error(t, err)

	record := table.Record(1)
	assert.Equal(t, 0.25, record["V2"])
	_, ok := record["V1"]
	assert.False(t, ok)
}

func TestMatrix(t *testing.T) {
	table, err := ReadCSV(strings.NewReader(sample))
	require.NoError(t, err)

	m, err := table.Matrix([]string{"V1", "V2"})
	require.NoError(t, err)
	r, c := m.Dims()
	assert.Equal(t, 3, r)
	assert.Equal(t, 2, c)
	assert.Equal(t, 0.0, m.At(1, 0))
	assert.Equal(t, 0.75, m.At(2, 1))
}

func TestWriteReadSplit(t *testing.T) {
	table, err := ReadCSV(strings.NewReader(sample))
	require.NoError(t, err)

	uri := t.TempDir()
	require.NoError(t, WriteSplit(uri, SplitTrain, table))
	loaded, err := ReadSplit(uri, SplitTrain)
	require.NoError(t, err)
	assert.Equal(t, table, loaded)

	_, err = ReadSplit(uri, SplitEval)
	assert.Error(t, err)

	buf := &bytes.Buffer{}
	require.NoError(t, WriteCSV(buf, table))
	assert.Equal(t, sample, buf.String())
}

func TestHashSplit(t *testing.T) {
	table := &Table{Columns: []string{"V1"}}
	for i := 0; i < 3000; i++ {
		table.Rows = append(table.Rows, []string{strings.Repeat("1", i%50) + string(rune('a'+i%26)) + strings.Repeat("2", i/50)})
	}
	train, eval := HashSplit(table)
	assert.Equal(t, len(table.Rows), len(train.Rows)+len(eval.Rows))
	assert.InDelta(t, 1000, len(eval.Rows), 150)

	train2, eval2 := HashSplit(table)
	assert.Equal(t, train, train2)
	assert.Equal(t, eval, eval2)
}
