package dataset

import (
	"errors"
	"fmt"
	"strings"

	"github.com/malbeclabs/spend/engine/pkg/store"
)

// ErrCollectionNotFound is returned when a named collection does not exist.
var ErrCollectionNotFound = errors.New("collection not found")

// ErrNotGenerated is returned by writes that need the dataset's tables.
var ErrNotGenerated = errors.New("dataset is not generated")

// SchemaError reports a malformed mapping.
type SchemaError struct {
	Dataset string
	Field   string
	Reason  string
}

func (e *SchemaError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("schema error in dataset %q: %s", e.Dataset, e.Reason)
	}
	return fmt.Sprintf("schema error in dataset %q, field %q: %s", e.Dataset, e.Field, e.Reason)
}

// LoadError reports a record that could not be loaded. Field names the field or
// compound dimension at fault.
type LoadError struct {
	Field  string
	Reason string
	Err    error
}

func (e *LoadError) Error() string {
	msg := fmt.Sprintf("failed to load field %q: %s", e.Field, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// UnknownFieldError reports a query reference to a field the dataset does not have.
type UnknownFieldError struct {
	Field string
}

func (e *UnknownFieldError) Error() string {
	return fmt.Sprintf("unknown field %q", e.Field)
}

// DuplicateNameError reports a name collision, such as an existing collection.
type DuplicateNameError struct {
	Kind string
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("%s %q already exists", e.Kind, e.Name)
}

// InvalidValueError reports a query value that cannot be coerced to the datatype of
// the field it is compared with.
type InvalidValueError struct {
	Field string
	Value any
	Err   error
}

func (e *InvalidValueError) Error() string {
	return fmt.Sprintf("invalid value %v for field %q: %v", e.Value, e.Field, e.Err)
}

func (e *InvalidValueError) Unwrap() error {
	return e.Err
}

// InvalidOperatorError reports an unrecognized slice operator.
type InvalidOperatorError struct {
	Field    string
	Operator string
}

func (e *InvalidOperatorError) Error() string {
	return fmt.Sprintf("invalid operator %q for field %q", e.Operator, e.Field)
}

// QueryError wraps a storage failure during query execution.
type QueryError struct {
	Op  string
	Err error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("%s query failed (%s): %v", e.Op, store.Classify(e.Err), e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// Type classifies the underlying storage failure.
func (e *QueryError) Type() store.ErrorType {
	return store.Classify(e.Err)
}

// QueryErrors collects every problem found in one query so a caller can report
// them together. errors.As reaches each element.
type QueryErrors []error

func (e QueryErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return "invalid query: " + strings.Join(msgs, "; ")
}

func (e QueryErrors) Unwrap() []error {
	return e
}

func (e QueryErrors) orNil() error {
	if len(e) == 0 {
		return nil
	}
	return e
}
