package validation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("ingestkit.lib.validation")
var meter = otel.Meter("ingestkit.lib.validation")
var recordCounter, _ = meter.Int64Counter("validation.records")

type Quality string

const (
	QualityHigh   Quality = "high"
	QualityMedium Quality = "medium"
	QualityLow    Quality = "low"
)

type Invalid struct {
	Record  map[string]any
	Message string
}

type Result[T any] struct {
	Valid   []T
	Invalid []Invalid
}

// SuccessRate is the share of valid records, 0 for an empty batch.
func (r Result[T]) SuccessRate() float64 {
	total := len(r.Valid) + len(r.Invalid)
	if total == 0 {
		return 0
	}
	return float64(len(r.Valid)) / float64(total)
}

func (r Result[T]) Quality() Quality {
	rate := r.SuccessRate()
	switch {
	case rate >= 0.95:
		return QualityHigh
	case rate >= 0.80:
		return QualityMedium
	}
	return QualityLow
}

type Summary struct {
	ValidCount   int     `json:"valid_count"`
	InvalidCount int     `json:"invalid_count"`
	SuccessRate  string  `json:"success_rate"`
	Quality      Quality `json:"quality"`
}

func (r Result[T]) Summary() Summary {
	return Summary{
		ValidCount:   len(r.Valid),
		InvalidCount: len(r.Invalid),
		SuccessRate:  fmt.Sprintf("%.1f%%", r.SuccessRate()*100),
		Quality:      r.Quality(),
	}
}

// ValidateBatch decodes every record, sorting them into valid values and
// invalid records paired with the reason they were rejected.
func ValidateBatch[T any](ctx context.Context, records []map[string]any, decode func(map[string]any) (T, error)) Result[T] {
	ctx, span := tracer.Start(ctx, "ValidateBatch")
	defer span.End()

	var result Result[T]
	for _, record := range records {
		value, err := decode(record)
		if err != nil {
			result.Invalid = append(result.Invalid, Invalid{Record: record, Message: err.Error()})
			continue
		}
		result.Valid = append(result.Valid, value)
	}

	recordCounter.Add(ctx, int64(len(result.Valid)), metric.WithAttributes(attribute.String("outcome", "valid")))
	recordCounter.Add(ctx, int64(len(result.Invalid)), metric.WithAttributes(attribute.String("outcome", "invalid")))
	span.SetAttributes(
		attribute.Int("valid", len(result.Valid)),
		attribute.Int("invalid", len(result.Invalid)),
	)
	return result
}
