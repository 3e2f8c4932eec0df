package store

import (
	"context"
	"errors"
	"net"
	"strings"
)

// ErrorType classifies storage errors.
type ErrorType int

const (
	ErrorTypeUnknown ErrorType = iota
	ErrorTypeConnectivity
	ErrorTypeTimeout
	ErrorTypeConstraint
	ErrorTypeQuery
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTypeConnectivity:
		return "connectivity"
	case ErrorTypeTimeout:
		return "timeout"
	case ErrorTypeConstraint:
		return "constraint"
	case ErrorTypeQuery:
		return "query"
	default:
		return "unknown"
	}
}

// IsTransient reports whether err is likely to go away on retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch Classify(err) {
	case ErrorTypeConnectivity, ErrorTypeTimeout:
		return true
	}
	return false
}

// Classify determines the type of a storage error from its chain and message.
func Classify(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorTypeTimeout
		}
		return ErrorTypeConnectivity
	}

	errStr := strings.ToLower(err.Error())
	matches := func(patterns ...string) bool {
		for _, p := range patterns {
			if strings.Contains(errStr, p) {
				return true
			}
		}
		return false
	}

	switch {
	case matches("connection refused", "connection reset", "connection closed", "no such host",
		"dial tcp", "broken pipe", "eof", "sql: database is closed", "conn busy", "database is locked"):
		return ErrorTypeConnectivity
	case matches("timeout", "deadline exceeded", "timed out", "canceling statement"):
		return ErrorTypeTimeout
	case matches("unique constraint", "duplicate key", "foreign key", "constraint failed", "violates"):
		return ErrorTypeConstraint
	case matches("syntax error", "no such column", "no such table", "does not exist", "must appear in the group by"):
		return ErrorTypeQuery
	}
	return ErrorTypeUnknown
}

// IsUniqueViolation reports whether err was caused by a unique or primary key
// constraint.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "unique constraint") || strings.Contains(s, "duplicate key")
}
