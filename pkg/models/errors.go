package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed request
type ErrorKind string

const (
	KindValidation        ErrorKind = "validation"
	KindRateLimit         ErrorKind = "rate_limit"
	KindTimeout           ErrorKind = "timeout"
	KindNetwork           ErrorKind = "network"
	KindBridgeInvalidated ErrorKind = "bridge_invalidated"
	KindOther             ErrorKind = "other"
)

// ErrorInfo is the normalized error delivered to the page
type ErrorInfo struct {
	Failed  bool      `json:"error"`
	Message string    `json:"message"`
	Name    string    `json:"name"`
	Kind    ErrorKind `json:"kind"`
}

// NewError creates an ErrorInfo of the given kind
func NewError(kind ErrorKind, format string, args ...any) *ErrorInfo {
	return &ErrorInfo{
		Failed:  true,
		Message: fmt.Sprintf(format, args...),
		Name:    kindName(kind),
		Kind:    kind,
	}
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches any ErrorInfo of the same kind
func (e *ErrorInfo) Is(target error) bool {
	t, ok := target.(*ErrorInfo)
	return ok && t.Kind == e.Kind
}

// AsErrorInfo returns err as an ErrorInfo, wrapping unknown errors as KindOther
func AsErrorInfo(err error) *ErrorInfo {
	var info *ErrorInfo
	if errors.As(err, &info) {
		return info
	}
	return NewError(KindOther, "%s", err.Error())
}

// KindOf returns the kind of err, KindOther when unclassified
func KindOf(err error) ErrorKind {
	var info *ErrorInfo
	if errors.As(err, &info) {
		return info.Kind
	}
	return KindOther
}

func kindName(kind ErrorKind) string {
	switch kind {
	case KindValidation:
		return "ValidationError"
	case KindRateLimit:
		return "RateLimitError"
	case KindTimeout:
		return "TimeoutError"
	case KindNetwork:
		return "NetworkError"
	case KindBridgeInvalidated:
		return "BridgeInvalidatedError"
	default:
		return "Error"
	}
}
