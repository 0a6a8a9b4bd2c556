package validation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const MaxPrice = 1_000_000

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// ProductRecord is the schema of a product row from a catalogue feed.
type ProductRecord struct {
	Id        string     `json:"id" validate:"min=1"`
	Name      string     `json:"name" validate:"min=1,max=255,notblank"`
	Price     float64    `json:"price" validate:"gt=0,lte=1000000"`
	Currency  string     `json:"currency" validate:"currency"`
	Category  string     `json:"category" validate:"required"`
	InStock   bool       `json:"in_stock"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	Tags      []string   `json:"tags"`
}

var productRequired = []string{"id", "name", "price", "category"}

// fields that may be omitted but never set to null.
var productNotNull = []string{"id", "name", "price", "currency", "category", "in_stock", "tags"}

// datetimeLayouts are tried in order, timestamps without an offset are UTC.
var datetimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	time.DateTime + ".999999999",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// unix timestamps above this are in milliseconds.
const maxUnixSeconds = 2e10

// FieldError describes the first rule a record broke.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterValidation("currency", func(fl validator.FieldLevel) bool {
		return currencyPattern.MatchString(fl.Field().String())
	})
	v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	return v
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "field required"
	case "min":
		return fmt.Sprintf("ensure this value has at least %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("ensure this value has at most %s characters", fe.Param())
	case "gt":
		return fmt.Sprintf("ensure this value is greater than %s", fe.Param())
	case "lte":
		if fe.Field() == "price" {
			return "price seems unreasonably high"
		}
		return fmt.Sprintf("ensure this value is less than or equal to %s", fe.Param())
	case "notblank":
		return "cannot be empty or whitespace"
	case "currency":
		return fmt.Sprintf("string does not match regex %q", currencyPattern.String())
	}
	return fmt.Sprintf("failed on the %q rule", fe.Tag())
}

// normalize trims the name and lowercases tags, dropping blank ones.
func (p *ProductRecord) normalize() {
	p.Name = strings.TrimSpace(p.Name)
	tags := make([]string, 0, len(p.Tags))
	for _, tag := range p.Tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		tags = append(tags, tag)
	}
	p.Tags = tags
}

func parseDatetime(value any) (time.Time, error) {
	switch v := value.(type) {
	case string:
		s := strings.TrimSpace(v)
		for _, layout := range datetimeLayouts {
			t, err := time.Parse(layout, s)
			if err == nil {
				return t, nil
			}
		}
	case float64:
		if math.Abs(v) > maxUnixSeconds {
			v /= 1000
		}
		sec, frac := math.Modf(v)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
	case int:
		return parseDatetime(float64(v))
	case int64:
		return parseDatetime(float64(v))
	}
	return time.Time{}, fmt.Errorf("invalid datetime format")
}

// DecodeProduct builds a ProductRecord from a loosely typed record. Unknown
// fields, missing required fields and rule violations are reported as a
// *FieldError naming the first problem found.
func DecodeProduct(raw map[string]any) (ProductRecord, error) {
	for _, field := range productRequired {
		if _, ok := raw[field]; !ok {
			return ProductRecord{}, &FieldError{Field: field, Message: "field required"}
		}
	}
	for _, field := range productNotNull {
		if value, ok := raw[field]; ok && value == nil {
			return ProductRecord{}, &FieldError{Field: field, Message: "none is not an allowed value"}
		}
	}

	var createdAt *time.Time
	if value := raw["created_at"]; value != nil {
		t, err := parseDatetime(value)
		if err != nil {
			return ProductRecord{}, &FieldError{Field: "created_at", Message: err.Error()}
		}
		createdAt = &t
	}
	rest := maps.Clone(raw)
	delete(rest, "created_at")

	serialized, err := json.Marshal(rest)
	if err != nil {
		return ProductRecord{}, &FieldError{Message: err.Error()}
	}

	record := ProductRecord{Currency: "USD", InStock: true}
	decoder := json.NewDecoder(bytes.NewReader(serialized))
	decoder.DisallowUnknownFields()
	err = decoder.Decode(&record)
	if err != nil {
		return ProductRecord{}, decodeError(err)
	}
	record.CreatedAt = createdAt

	// length rules apply to the name as given, before it is trimmed.
	err = validate.Struct(record)
	if err != nil {
		var errs validator.ValidationErrors
		if errors.As(err, &errs) && len(errs) > 0 {
			return ProductRecord{}, &FieldError{Field: errs[0].Field(), Message: describe(errs[0])}
		}
		return ProductRecord{}, &FieldError{Message: err.Error()}
	}
	record.normalize()
	return record, nil
}

func decodeError(err error) *FieldError {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return &FieldError{
			Field:   typeErr.Field,
			Message: fmt.Sprintf("expected %s, got %s", typeErr.Type, typeErr.Value),
		}
	}
	if name, ok := strings.CutPrefix(err.Error(), "json: unknown field "); ok {
		return &FieldError{Field: strings.Trim(name, `"`), Message: "extra fields not permitted"}
	}
	return &FieldError{Message: err.Error()}
}
