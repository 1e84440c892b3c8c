package pipeline

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aluiziolira/go-scrape-profiles/models"
)

// ErrNoRows is returned by Validate when nothing but headers was written.
var ErrNoRows = errors.New("pipeline: no records written")

// NewWriter builds the writer for format. Dual output derives the JSON
// filename from the CSV one.
func NewWriter(format, filename string, fields []string) (OutputWriter, error) {
	switch strings.ToLower(format) {
	case "json":
		return NewJSONWriter(filename)
	case "csv":
		return NewCSVWriter(filename, fields)
	case "dual":
		jsonFilename := strings.TrimSuffix(filename, ".csv") + ".json"
		return NewDualWriter(filename, jsonFilename, fields)
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

// sink is an output file shared by the concrete writers. Callers hold mu
// around writes.
type sink struct {
	kind string
	file *os.File
	rows int
	mu   sync.Mutex
}

func openSink(kind, filename string) (*sink, error) {
	dir := filepath.Dir(filename)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("create %s file: %w", kind, err)
	}
	return &sink{kind: kind, file: f}, nil
}

func (s *sink) validate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rows == 0 {
		return fmt.Errorf("%s %s: %w", s.kind, s.file.Name(), ErrNoRows)
	}
	return nil
}

// CSVWriter writes one row per record: reference, category, then the
// schema fields in order. Absent values are empty cells.
type CSVWriter struct {
	*sink
	csv    *csv.Writer
	fields []string
	row    []string
}

// NewCSVWriter creates filename and writes the header row.
func NewCSVWriter(filename string, fields []string) (*CSVWriter, error) {
	if len(fields) == 0 {
		return nil, errors.New("csv writer needs at least one field")
	}
	s, err := openSink("csv", filename)
	if err != nil {
		return nil, err
	}

	cw := &CSVWriter{
		sink:   s,
		csv:    csv.NewWriter(s.file),
		fields: append([]string(nil), fields...),
		row:    make([]string, 0, len(fields)+2),
	}
	if err := cw.writeRow(append([]string{"reference", "category"}, fields...)); err != nil {
		s.file.Close()
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	return cw, nil
}

func (cw *CSVWriter) writeRow(row []string) error {
	if err := cw.csv.Write(row); err != nil {
		return err
	}
	cw.csv.Flush()
	return cw.csv.Error()
}

// Write appends records to the CSV output.
func (cw *CSVWriter) Write(records []*models.Record) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	for _, rec := range records {
		cw.row = append(cw.row[:0], string(rec.Reference), rec.Category)
		for _, name := range cw.fields {
			cw.row = append(cw.row, rec.Get(name).String())
		}
		if err := cw.csv.Write(cw.row); err != nil {
			return fmt.Errorf("write csv record %s: %w", rec.Reference, err)
		}
		cw.rows++
	}
	cw.csv.Flush()
	if err := cw.csv.Error(); err != nil {
		return fmt.Errorf("flush csv records: %w", err)
	}
	return nil
}

// Close flushes and closes the file.
func (cw *CSVWriter) Close() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cw.csv.Flush()
	if err := cw.csv.Error(); err != nil {
		cw.file.Close()
		return fmt.Errorf("flush csv writer: %w", err)
	}
	return cw.file.Close()
}

// Validate fails when no record row was written.
func (cw *CSVWriter) Validate() error {
	return cw.validate()
}

// JSONWriter writes newline-delimited JSON records. Absent fields are
// encoded as null.
type JSONWriter struct {
	*sink
	buf *bufio.Writer
	enc *json.Encoder
}

// NewJSONWriter creates filename for JSONL output.
func NewJSONWriter(filename string) (*JSONWriter, error) {
	s, err := openSink("json", filename)
	if err != nil {
		return nil, err
	}
	buf := bufio.NewWriter(s.file)
	return &JSONWriter{sink: s, buf: buf, enc: json.NewEncoder(buf)}, nil
}

// Write appends one line per record.
func (jw *JSONWriter) Write(records []*models.Record) error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	for _, rec := range records {
		if err := jw.enc.Encode(rec); err != nil {
			return fmt.Errorf("encode json record %s: %w", rec.Reference, err)
		}
		jw.rows++
	}
	if err := jw.buf.Flush(); err != nil {
		return fmt.Errorf("flush json writer: %w", err)
	}
	return nil
}

// Close flushes buffers and closes the file.
func (jw *JSONWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	if err := jw.buf.Flush(); err != nil {
		jw.file.Close()
		return fmt.Errorf("flush json writer: %w", err)
	}
	return jw.file.Close()
}

// Validate fails when no record was written.
func (jw *JSONWriter) Validate() error {
	return jw.validate()
}
