package convert

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/parquet-go/parquet-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("ingestkit.lib.etl.convert")

const (
	defaultSchemaName = "record"
	writeBatchSize    = 1024
)

var ErrMissingHeader = errors.New("csv has no header row")

type Options struct {
	// defaults to ','.
	Delimiter rune
	// name of the parquet root group, defaults to "record".
	SchemaName string
}

type Stats struct {
	Rows    int64    `json:"rows"`
	Columns []Column `json:"columns"`
}

func (o Options) schemaName() string {
	if o.SchemaName == "" {
		return defaultSchemaName
	}
	return o.SchemaName
}

func checkHeader(header []string) error {
	seen := make(map[string]struct{}, len(header))
	for i, name := range header {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("column %d has an empty name", i+1)
		}
		if _, ok := seen[name]; ok {
			return fmt.Errorf("duplicate column %q", name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// leafIndexes maps each column to its leaf index in the schema, parquet
// groups order their fields by name.
func leafIndexes(schema *parquet.Schema, columns []Column) ([]int, error) {
	indexes := make([]int, len(columns))
	for i, c := range columns {
		leaf, ok := schema.Lookup(c.Name)
		if !ok {
			return nil, fmt.Errorf("column %q missing from schema", c.Name)
		}
		indexes[i] = leaf.ColumnIndex
	}
	return indexes, nil
}

// writeParquet writes `count` rows, cell(row, column) returning the value of
// each column in `columns` order.
func writeParquet(
	ctx context.Context,
	w io.Writer,
	name string,
	columns []Column,
	count int,
	cell func(row, column int) (parquet.Value, error),
) error {
	schema := newSchema(name, columns)
	indexes, err := leafIndexes(schema, columns)
	if err != nil {
		return err
	}

	writer := parquet.NewWriter(w, schema, parquet.Compression(&parquet.Snappy))
	batch := make([]parquet.Row, 0, writeBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		_, err := writer.WriteRows(batch)
		batch = batch[:0]
		return err
	}

	for r := 0; r < count; r++ {
		if r%writeBatchSize == 0 && ctx.Err() != nil {
			return ctx.Err()
		}

		row := make(parquet.Row, len(columns))
		for c := range columns {
			value, err := cell(r, c)
			if err != nil {
				return fmt.Errorf("row %d column %q: %w", r+1, columns[c].Name, err)
			}
			definition := 1
			if value.IsNull() {
				definition = 0
			}
			row[indexes[c]] = value.Level(0, definition, indexes[c])
		}
		batch = append(batch, row)

		if len(batch) == writeBatchSize {
			err := flush()
			if err != nil {
				return err
			}
		}
	}
	err = flush()
	if err != nil {
		return err
	}
	return writer.Close()
}

// CSVToParquet reads a csv document with a header row and writes it as a
// snappy compressed parquet file with an inferred schema.
func CSVToParquet(ctx context.Context, r io.Reader, w io.Writer, opts Options) (Stats, error) {
	ctx, span := tracer.Start(ctx, "CSVToParquet")
	defer span.End()

	reader := csv.NewReader(r)
	if opts.Delimiter != 0 {
		reader.Comma = opts.Delimiter
	}

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		span.SetStatus(codes.Error, "empty input")
		return Stats{}, ErrMissingHeader
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read header")
		return Stats{}, fmt.Errorf("read header: %w", err)
	}
	err = checkHeader(header)
	if err != nil {
		span.SetStatus(codes.Error, "invalid header")
		return Stats{}, err
	}
	// every row must have as many fields as the header.
	reader.FieldsPerRecord = len(header)

	rows, err := reader.ReadAll()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read rows")
		return Stats{}, fmt.Errorf("read csv: %w", err)
	}

	columns := InferSchema(header, rows)
	err = writeParquet(ctx, w, opts.schemaName(), columns, len(rows), func(row, column int) (parquet.Value, error) {
		return cellValue(columns[column].Kind, rows[row][column])
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to write parquet")
		return Stats{}, fmt.Errorf("write parquet: %w", err)
	}

	span.SetAttributes(
		attribute.Int("rows", len(rows)),
		attribute.Int("columns", len(columns)),
	)
	return Stats{Rows: int64(len(rows)), Columns: columns}, nil
}

// ConvertFile converts the csv file at `src` into a parquet file at `dst`,
// `dst` is removed if conversion fails.
func ConvertFile(ctx context.Context, src, dst string, opts Options) (Stats, error) {
	in, err := os.Open(src)
	if err != nil {
		return Stats{}, err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return Stats{}, err
	}

	stats, err := CSVToParquet(ctx, in, out, opts)
	closeErr := out.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		removeErr := os.Remove(dst)
		if removeErr != nil {
			slog.WarnContext(ctx, "failed to remove partial output", "path", dst, "err", removeErr)
		}
		return Stats{}, err
	}

	slog.InfoContext(ctx, "converted csv to parquet", "src", src, "dst", dst, "rows", stats.Rows)
	return stats, nil
}

// RecordColumns infers columns for decoded json records from the union of
// their keys, sorted by name. Whole numbers become int64 unless a column
// also holds fractions, mixed kinds fall back to string.
func RecordColumns(records []map[string]any) []Column {
	kinds := map[string]Kind{}
	for _, record := range records {
		for key, value := range record {
			kind, ok := valueKind(value)
			if !ok {
				if _, exists := kinds[key]; !exists {
					kinds[key] = ""
				}
				continue
			}
			kinds[key] = widen(kinds[key], kind)
		}
	}

	columns := make([]Column, 0, len(kinds))
	for _, name := range slices.Sorted(maps.Keys(kinds)) {
		kind := kinds[name]
		if kind == "" {
			kind = KindString
		}
		columns = append(columns, Column{Name: name, Kind: kind})
	}
	return columns
}

// RecordsToParquet writes decoded json records, ex. api results, as parquet.
// Keys missing from a record are null.
func RecordsToParquet(ctx context.Context, records []map[string]any, w io.Writer) (Stats, error) {
	ctx, span := tracer.Start(ctx, "RecordsToParquet")
	defer span.End()

	columns := RecordColumns(records)
	if len(columns) == 0 {
		span.SetStatus(codes.Error, "no columns")
		return Stats{}, fmt.Errorf("records have no fields")
	}

	err := writeParquet(ctx, w, defaultSchemaName, columns, len(records), func(row, column int) (parquet.Value, error) {
		return anyValue(columns[column].Kind, records[row][columns[column].Name])
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to write parquet")
		return Stats{}, fmt.Errorf("write parquet: %w", err)
	}

	span.SetAttributes(
		attribute.Int("rows", len(records)),
		attribute.Int("columns", len(columns)),
	)
	return Stats{Rows: int64(len(records)), Columns: columns}, nil
}
