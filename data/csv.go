package data

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/Dorniwang/torchdistill/tensor"
)

// CSVOptions controls how rows are split into features and a label
type CSVOptions struct {
	LabelColumn int  // negative values count from the end; -1 is the last column
	HasHeader   bool // skip the first record
}

// LoadCSV reads a numeric table from path, one sample per record
func LoadCSV(path string, opts CSVOptions) (*TensorDataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	ds, err := ReadCSV(f, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ds, nil
}

// ReadCSV parses records from r. Every record must have the same number of columns and
// the label column must hold a non-negative integer class index.
func ReadCSV(r io.Reader, opts CSVOptions) (*TensorDataset, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	var (
		data   []float32
		labels []int
		width  int
		line   int
	)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv: %w", err)
		}
		line++
		if line == 1 && opts.HasHeader {
			continue
		}
		if len(record) < 2 {
			return nil, fmt.Errorf("record %d: need at least one feature and a label", line)
		}

		labelCol := opts.LabelColumn
		if labelCol < 0 {
			labelCol += len(record)
		}
		if labelCol < 0 || labelCol >= len(record) {
			return nil, fmt.Errorf("record %d: label column %d out of range", line, opts.LabelColumn)
		}
		label, err := strconv.Atoi(strings.TrimSpace(record[labelCol]))
		if err != nil || label < 0 {
			return nil, fmt.Errorf("record %d: invalid label %q", line, record[labelCol])
		}

		if width == 0 {
			width = len(record) - 1
		}
		for i, field := range record {
			if i == labelCol {
				continue
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 32)
			if err != nil {
				return nil, fmt.Errorf("record %d column %d: %w", line, i, err)
			}
			data = append(data, float32(v))
		}
		labels = append(labels, label)
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("no records found")
	}
	inputs, err := tensor.New([]int{len(labels), width}, data)
	if err != nil {
		return nil, err
	}
	return NewTensorDataset(inputs, labels)
}
