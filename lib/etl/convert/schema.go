package convert

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/parquet-go/parquet-go"
)

type Kind string

const (
	KindInt64   Kind = "int64"
	KindDouble  Kind = "double"
	KindBoolean Kind = "boolean"
	KindString  Kind = "string"
)

// Column is a nullable parquet column.
type Column struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`
}

func (c Column) node() parquet.Node {
	switch c.Kind {
	case KindInt64:
		return parquet.Optional(parquet.Leaf(parquet.Int64Type))
	case KindDouble:
		return parquet.Optional(parquet.Leaf(parquet.DoubleType))
	case KindBoolean:
		return parquet.Optional(parquet.Leaf(parquet.BooleanType))
	}
	return parquet.Optional(parquet.String())
}

func newSchema(name string, columns []Column) *parquet.Schema {
	group := parquet.Group{}
	for _, c := range columns {
		group[c.Name] = c.node()
	}
	return parquet.NewSchema(name, group)
}

func parseBool(s string) (bool, bool) {
	switch strings.ToLower(s) {
	case "true":
		return true, true
	case "false":
		return false, true
	}
	return false, false
}

// cellFits reports whether a non-empty cell parses as `kind`.
func cellFits(kind Kind, cell string) bool {
	cell = strings.TrimSpace(cell)
	switch kind {
	case KindInt64:
		_, err := strconv.ParseInt(cell, 10, 64)
		return err == nil
	case KindDouble:
		_, err := strconv.ParseFloat(cell, 64)
		return err == nil
	case KindBoolean:
		_, ok := parseBool(cell)
		return ok
	}
	return true
}

// string comes last and fits every cell.
var precedence = []Kind{KindInt64, KindDouble, KindBoolean, KindString}

// InferSchema types every column by scanning its non-empty cells, picking
// the first of int64, double, boolean and string that every cell parses as.
// Columns without any values are strings.
func InferSchema(header []string, rows [][]string) []Column {
	columns := make([]Column, len(header))
	for i, name := range header {
		candidates := slices.Clone(precedence)
		seen := false
		for _, row := range rows {
			if i >= len(row) || row[i] == "" {
				continue
			}
			seen = true
			candidates = slices.DeleteFunc(candidates, func(kind Kind) bool {
				return !cellFits(kind, row[i])
			})
			if len(candidates) == 1 {
				break
			}
		}
		kind := candidates[0]
		if !seen {
			kind = KindString
		}
		columns[i] = Column{Name: name, Kind: kind}
	}
	return columns
}

// cellValue converts a csv cell of a column to a parquet value, empty cells
// are null.
func cellValue(kind Kind, cell string) (parquet.Value, error) {
	if cell == "" {
		return parquet.NullValue(), nil
	}
	trimmed := strings.TrimSpace(cell)
	switch kind {
	case KindInt64:
		v, err := strconv.ParseInt(trimmed, 10, 64)
		if err != nil {
			return parquet.Value{}, err
		}
		return parquet.Int64Value(v), nil
	case KindDouble:
		v, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return parquet.Value{}, err
		}
		return parquet.DoubleValue(v), nil
	case KindBoolean:
		v, ok := parseBool(trimmed)
		if !ok {
			return parquet.Value{}, fmt.Errorf("%q is not a boolean", cell)
		}
		return parquet.BooleanValue(v), nil
	}
	return parquet.ByteArrayValue([]byte(cell)), nil
}

func valueKind(v any) (Kind, bool) {
	switch v := v.(type) {
	case nil:
		return "", false
	case bool:
		return KindBoolean, true
	case int, int8, int16, int32, int64, uint8, uint16, uint32:
		return KindInt64, true
	case float32:
		return valueKind(float64(v))
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1<<53 {
			return KindInt64, true
		}
		return KindDouble, true
	case json.Number:
		if _, err := v.Int64(); err == nil {
			return KindInt64, true
		}
		return KindDouble, true
	}
	return KindString, true
}

// widen merges two kinds observed in the same column.
func widen(a, b Kind) Kind {
	switch {
	case a == "":
		return b
	case a == b:
		return a
	case (a == KindInt64 && b == KindDouble) || (a == KindDouble && b == KindInt64):
		return KindDouble
	}
	return KindString
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case float32:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case json.Number:
		return n.Int64()
	}
	return 0, fmt.Errorf("%v (%T) is not a number", v, v)
}

func toFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case float32:
		return float64(n), nil
	case float64:
		return n, nil
	case json.Number:
		return n.Float64()
	}
	i, err := toInt64(v)
	return float64(i), err
}

// anyValue converts a decoded json value to a parquet value of `kind`.
func anyValue(kind Kind, v any) (parquet.Value, error) {
	if v == nil {
		return parquet.NullValue(), nil
	}
	switch kind {
	case KindBoolean:
		b, ok := v.(bool)
		if !ok {
			return parquet.Value{}, fmt.Errorf("%v (%T) is not a boolean", v, v)
		}
		return parquet.BooleanValue(b), nil
	case KindInt64:
		i, err := toInt64(v)
		if err != nil {
			return parquet.Value{}, err
		}
		return parquet.Int64Value(i), nil
	case KindDouble:
		f, err := toFloat64(v)
		if err != nil {
			return parquet.Value{}, err
		}
		return parquet.DoubleValue(f), nil
	}
	if s, ok := v.(string); ok {
		return parquet.ByteArrayValue([]byte(s)), nil
	}
	serialized, err := json.Marshal(v)
	if err != nil {
		return parquet.Value{}, err
	}
	return parquet.ByteArrayValue(serialized), nil
}
