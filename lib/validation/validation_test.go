package validation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDecodeProduct(t *testing.T) {
	record, err := DecodeProduct(map[string]any{
		"id":         "1",
		"name":       "  Widget ",
		"price":      19.99,
		"category":   "electronics",
		"created_at": "2024-05-01T10:00:00Z",
		"tags":       []any{" Sale", "", "  ", "NEW"},
	})
	require.NoError(t, err)
	require.Equal(t, "Widget", record.Name)
	require.Equal(t, "USD", record.Currency)
	require.True(t, record.InStock)
	require.Equal(t, []string{"sale", "new"}, record.Tags)
	require.NotNil(t, record.CreatedAt)
	require.True(t, record.CreatedAt.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)))

	record, err = DecodeProduct(map[string]any{
		"id":       "2",
		"name":     "Gadget",
		"price":    5,
		"currency": "EUR",
		"category": "toys",
		"in_stock": false,
	})
	require.NoError(t, err)
	require.Equal(t, "EUR", record.Currency)
	require.False(t, record.InStock)
	require.Empty(t, record.Tags)
	require.Nil(t, record.CreatedAt)
}

func TestDecodeProductCreatedAt(t *testing.T) {
	testCases := []struct {
		name   string
		value  any
		expect *time.Time
	}{
		{name: "naive iso", value: "2024-01-01T10:00:00", expect: ptr(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))},
		{name: "space separated", value: "2024-01-01 10:00:00", expect: ptr(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))},
		{name: "fractional", value: "2024-01-01T10:00:00.250", expect: ptr(time.Date(2024, 1, 1, 10, 0, 0, 250_000_000, time.UTC))},
		{name: "no seconds", value: "2024-01-01T10:00", expect: ptr(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))},
		{name: "offset", value: "2024-01-01T12:00:00+02:00", expect: ptr(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))},
		{name: "unix seconds", value: float64(1704103200), expect: ptr(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))},
		{name: "unix millis", value: float64(1704103200000), expect: ptr(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))},
		{name: "null", value: nil},
	}

	for _, test := range testCases {
		t.Run(test.name, func(t *testing.T) {
			record, err := DecodeProduct(map[string]any{
				"id":         "1",
				"name":       "Widget",
				"price":      1.5,
				"category":   "tools",
				"created_at": test.value,
			})
			require.NoError(t, err)
			if test.expect == nil {
				require.Nil(t, record.CreatedAt)
				return
			}
			require.NotNil(t, record.CreatedAt)
			require.True(t, test.expect.Equal(*record.CreatedAt), record.CreatedAt)
		})
	}
}

func ptr[T any](v T) *T {
	return &v
}

func TestDecodeProductErrors(t *testing.T) {
	valid := func() map[string]any {
		return map[string]any{
			"id":       "1",
			"name":     "Widget",
			"price":    19.99,
			"category": "electronics",
		}
	}

	testCases := []struct {
		name        string
		mutate      func(map[string]any)
		expectField string
		expectMsg   string
	}{
		{
			name:        "missing category",
			mutate:      func(m map[string]any) { delete(m, "category") },
			expectField: "category",
			expectMsg:   "field required",
		},
		{
			name:        "empty id",
			mutate:      func(m map[string]any) { m["id"] = "" },
			expectField: "id",
			expectMsg:   "ensure this value has at least 1 characters",
		},
		{
			name:        "empty name",
			mutate:      func(m map[string]any) { m["name"] = "" },
			expectField: "name",
			expectMsg:   "ensure this value has at least 1 characters",
		},
		{
			name:        "padded long name",
			mutate:      func(m map[string]any) { m["name"] = "  " + strings.Repeat("a", 254) + "  " },
			expectField: "name",
			expectMsg:   "ensure this value has at most 255 characters",
		},
		{
			name:        "null currency",
			mutate:      func(m map[string]any) { m["currency"] = nil },
			expectField: "currency",
			expectMsg:   "none is not an allowed value",
		},
		{
			name:        "null in_stock",
			mutate:      func(m map[string]any) { m["in_stock"] = nil },
			expectField: "in_stock",
			expectMsg:   "none is not an allowed value",
		},
		{
			name:        "null price",
			mutate:      func(m map[string]any) { m["price"] = nil },
			expectField: "price",
			expectMsg:   "none is not an allowed value",
		},
		{
			name:        "null tags",
			mutate:      func(m map[string]any) { m["tags"] = nil },
			expectField: "tags",
			expectMsg:   "none is not an allowed value",
		},
		{
			name:        "blank name",
			mutate:      func(m map[string]any) { m["name"] = "   " },
			expectField: "name",
			expectMsg:   "cannot be empty or whitespace",
		},
		{
			name:        "long name",
			mutate:      func(m map[string]any) { m["name"] = string(make([]byte, 256)) + "x" },
			expectField: "name",
		},
		{
			name:        "negative price",
			mutate:      func(m map[string]any) { m["price"] = -5 },
			expectField: "price",
			expectMsg:   "ensure this value is greater than 0",
		},
		{
			name:        "price too high",
			mutate:      func(m map[string]any) { m["price"] = 2_000_000 },
			expectField: "price",
			expectMsg:   "price seems unreasonably high",
		},
		{
			name:        "lowercase currency",
			mutate:      func(m map[string]any) { m["currency"] = "usd" },
			expectField: "currency",
		},
		{
			name:        "empty currency",
			mutate:      func(m map[string]any) { m["currency"] = "" },
			expectField: "currency",
		},
		{
			name:        "unknown field",
			mutate:      func(m map[string]any) { m["color"] = "red" },
			expectField: "color",
			expectMsg:   "extra fields not permitted",
		},
		{
			name:        "wrong type",
			mutate:      func(m map[string]any) { m["price"] = "cheap" },
			expectField: "price",
		},
		{
			name:        "bad timestamp",
			mutate:      func(m map[string]any) { m["created_at"] = "yesterday" },
			expectField: "created_at",
			expectMsg:   "invalid datetime format",
		},
		{
			name:        "timestamp wrong type",
			mutate:      func(m map[string]any) { m["created_at"] = true },
			expectField: "created_at",
			expectMsg:   "invalid datetime format",
		},
	}

	for _, test := range testCases {
		t.Run(test.name, func(t *testing.T) {
			raw := valid()
			test.mutate(raw)

			_, err := DecodeProduct(raw)
			var fieldErr *FieldError
			require.True(t, errors.As(err, &fieldErr), err)
			require.Equal(t, test.expectField, fieldErr.Field)
			if test.expectMsg != "" {
				require.Equal(t, test.expectMsg, fieldErr.Message)
			}
		})
	}
}

func TestValidateBatch(t *testing.T) {
	records := []map[string]any{
		{"id": "1", "name": "Widget", "price": 19.99, "category": "electronics"},
		{"id": "2", "name": "", "price": 9.99, "category": "toys"},
		{"id": "3", "name": "Gadget", "price": -5, "category": "electronics"},
	}

	result := ValidateBatch(context.Background(), records, DecodeProduct)
	require.Len(t, result.Valid, 1)
	require.Equal(t, "Widget", result.Valid[0].Name)
	require.Len(t, result.Invalid, 2)
	require.Equal(t, "2", result.Invalid[0].Record["id"])
	require.Equal(t, "name: cannot be empty or whitespace", result.Invalid[0].Message)
	require.Equal(t, "price: ensure this value is greater than 0", result.Invalid[1].Message)

	require.InDelta(t, 1.0/3.0, result.SuccessRate(), 1e-9)
	require.Equal(t, QualityLow, result.Quality())
	require.Equal(t, Summary{
		ValidCount:   1,
		InvalidCount: 2,
		SuccessRate:  "33.3%",
		Quality:      QualityLow,
	}, result.Summary())
}

func TestQuality(t *testing.T) {
	testCases := []struct {
		valid   int
		invalid int
		expect  Quality
		rate    string
	}{
		{valid: 0, invalid: 0, expect: QualityLow, rate: "0.0%"},
		{valid: 19, invalid: 1, expect: QualityHigh, rate: "95.0%"},
		{valid: 10, invalid: 0, expect: QualityHigh, rate: "100.0%"},
		{valid: 4, invalid: 1, expect: QualityMedium, rate: "80.0%"},
		{valid: 2, invalid: 1, expect: QualityLow, rate: "66.7%"},
	}
	for _, test := range testCases {
		result := Result[int]{
			Valid:   make([]int, test.valid),
			Invalid: make([]Invalid, test.invalid),
		}
		require.Equal(t, test.expect, result.Quality())
		require.Equal(t, test.rate, result.Summary().SuccessRate)
	}
}
