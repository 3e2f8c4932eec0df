package dataset

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/malbeclabs/spend/engine/pkg/store"
)

// Datatype is the declared type of a field or attribute value.
type Datatype string

const (
	DatatypeString   Datatype = "string"
	DatatypeID       Datatype = "id"
	DatatypeFloat    Datatype = "float"
	DatatypeInteger  Datatype = "integer"
	DatatypeDate     Datatype = "date"
	DatatypeConstant Datatype = "constant"
)

func parseDatatype(s string, fallback Datatype) (Datatype, bool) {
	if s == "" {
		return fallback, true
	}
	switch dt := Datatype(strings.ToLower(s)); dt {
	case DatatypeString, DatatypeID, DatatypeFloat, DatatypeInteger, DatatypeDate, DatatypeConstant:
		return dt, true
	}
	return "", false
}

func (dt Datatype) columnType() store.ColumnType {
	switch dt {
	case DatatypeFloat:
		return store.TypeFloat
	case DatatypeInteger:
		return store.TypeInteger
	case DatatypeDate:
		return store.TypeDate
	default:
		return store.TypeText
	}
}

func (dt Datatype) numeric() bool {
	return dt == DatatypeFloat || dt == DatatypeInteger
}

var dateLayouts = []string{
	time.DateOnly,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01",
	"2006",
	"02.01.2006",
}

// coerce converts a raw value to the Go type used for this datatype: float64,
// int64, time.Time or string. Empty strings become nil for non-text types.
func (dt Datatype) coerce(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if n, ok := v.(json.Number); ok {
		v = n.String()
	}
	if s, ok := v.(string); ok && dt != DatatypeString && dt != DatatypeID && dt != DatatypeConstant {
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, nil
		}
		v = s
	}

	switch dt {
	case DatatypeFloat:
		switch x := v.(type) {
		case float64:
			return x, nil
		case float32:
			return float64(x), nil
		case int:
			return float64(x), nil
		case int64:
			return float64(x), nil
		case string:
			f, err := strconv.ParseFloat(x, 64)
			if err != nil {
				return nil, fmt.Errorf("not a number: %q", x)
			}
			return f, nil
		}
	case DatatypeInteger:
		switch x := v.(type) {
		case int:
			return int64(x), nil
		case int64:
			return x, nil
		case float64:
			if x != math.Trunc(x) {
				return nil, fmt.Errorf("not an integer: %v", x)
			}
			return int64(x), nil
		case string:
			n, err := strconv.ParseInt(x, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("not an integer: %q", x)
			}
			return n, nil
		}
	case DatatypeDate:
		switch x := v.(type) {
		case time.Time:
			return x.UTC().Truncate(24 * time.Hour), nil
		case int, int64:
			return time.Date(int(toInt64(x)), time.January, 1, 0, 0, 0, 0, time.UTC), nil
		case string:
			for _, layout := range dateLayouts {
				if t, err := time.Parse(layout, x); err == nil {
					return t.UTC().Truncate(24 * time.Hour), nil
				}
			}
			return nil, fmt.Errorf("not a date: %q", x)
		}
	default:
		switch x := v.(type) {
		case string:
			return x, nil
		case float64:
			return strconv.FormatFloat(x, 'f', -1, 64), nil
		case time.Time:
			return x.Format(time.DateOnly), nil
		default:
			return fmt.Sprint(x), nil
		}
	}
	return nil, fmt.Errorf("unsupported %s value of type %T", dt, v)
}

func toInt64(v any) int64 {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int64:
		return x
	}
	return 0
}

// bindValue prepares a coerced value as a statement argument.
func bindValue(d store.Dialect, v any) any {
	if t, ok := v.(time.Time); ok {
		return d.BindDate(t)
	}
	return v
}

// outputValue renders a scanned value for result records.
func outputValue(v any) any {
	if t, ok := v.(time.Time); ok {
		return t.Format(time.DateOnly)
	}
	return v
}
