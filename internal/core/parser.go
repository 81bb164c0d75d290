package core

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
)

var errEmptyFile = errors.New("empty file")

// Row is one data record of a batch. Fields holds the raw cell values in the
// schema's column order; a column the record is too short to contain is "".
type Row struct {
	Line   int
	Fields []string
}

// Get returns the raw value of a schema column.
func (r Row) Get(schema Schema, col string) string {
	for i, c := range schema.Columns {
		if c == col && i < len(r.Fields) {
			return r.Fields[i]
		}
	}
	return ""
}

// Empty reports whether every cell of the row is blank.
func (r Row) Empty() bool {
	for _, v := range r.Fields {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// BatchReader yields the data rows of a CSV batch for one schema.
// Type coercion is left to the caller so a malformed row never ends the stream.
type BatchReader struct {
	schema    Schema
	r         *csv.Reader
	positions []int
	done      bool
}

// NewBatchReader decodes r permissively and validates its header row against
// schema. It returns a *SchemaError when the header is missing or lacks a
// required column; no data row has been read at that point.
func NewBatchReader(r io.Reader, schema Schema) (*BatchReader, error) {
	cr := csv.NewReader(NewPermissiveDecoder(r))
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		if err == io.EOF {
			err = errEmptyFile
		}
		return nil, &SchemaError{
			Scope:    schema.Scope,
			Expected: schema.Columns,
			Missing:  schema.Columns,
			Err:      err,
		}
	}

	idx := MakeHeaderIndex(header)
	if missing := idx.Missing(schema.Columns); len(missing) > 0 {
		return nil, &SchemaError{
			Scope:    schema.Scope,
			Expected: schema.Columns,
			Missing:  missing,
		}
	}

	positions := make([]int, len(schema.Columns))
	for i, col := range schema.Columns {
		positions[i] = idx[strings.ToLower(col)]
	}

	return &BatchReader{schema: schema, r: cr, positions: positions}, nil
}

// Schema returns the schema the header was validated against.
func (b *BatchReader) Schema() Schema { return b.schema }

// Next returns the next data row. It returns io.EOF after the last row.
//
// A record the CSV reader cannot parse is reported as a *RowError carrying
// its line; reading may continue after it. Any other error is terminal.
func (b *BatchReader) Next() (Row, error) {
	if b.done {
		return Row{}, io.EOF
	}

	record, err := b.r.Read()
	if err != nil {
		var pe *csv.ParseError
		if errors.As(err, &pe) {
			return Row{Line: pe.Line}, &RowError{Line: pe.Line, Err: pe.Err}
		}
		b.done = true
		if err == io.EOF {
			return Row{}, io.EOF
		}
		return Row{}, fmt.Errorf("read csv: %w", err)
	}

	line, _ := b.r.FieldPos(0)
	fields := make([]string, len(b.positions))
	for i, pos := range b.positions {
		if pos < len(record) {
			fields[i] = record[pos]
		}
	}
	return Row{Line: line, Fields: fields}, nil
}

// Rows returns the remaining rows as a sequence. Row-level errors are yielded
// alongside their row and iteration continues; a terminal error is yielded
// once and ends the sequence.
func (b *BatchReader) Rows() iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		for {
			row, err := b.Next()
			if err == io.EOF {
				return
			}
			if !yield(row, err) {
				return
			}
			if err != nil && b.done {
				return
			}
		}
	}
}

// IsRowError reports whether err is confined to a single row.
func IsRowError(err error) bool {
	var re *RowError
	return errors.As(err, &re)
}
