package errs

import (
	"errors"
	"strconv"
	"strings"

	pkgerr "github.com/pkg/errors"
)

// Kind is the wire-visible error type carried in error frames.
type Kind string

const (
	KindAuthFailure     Kind = "AUTH_FAILURE"
	KindValidation      Kind = "VALIDATION_ERROR"
	KindRateLimit       Kind = "RATE_LIMIT_EXCEEDED"
	KindTargetOffline   Kind = "TARGET_OFFLINE"
	KindDeliveryTimeout Kind = "DELIVERY_TIMEOUT"
	KindPersistence     Kind = "PERSISTENCE_FAILURE"
	KindBusUnavailable  Kind = "BUS_UNAVAILABLE"
)

var (
	ErrAuthFailure    = NewCodeError(1001, KindAuthFailure, "handshake rejected")
	ErrValidation     = NewCodeError(1002, KindValidation, "invalid request")
	ErrRateLimit      = NewCodeError(1003, KindRateLimit, "rate limit exceeded")
	ErrTargetOffline  = NewCodeError(1004, KindTargetOffline, "target has no active connection")
	ErrPersistence    = NewCodeError(1005, KindPersistence, "message could not be stored, retry")
	ErrBusUnavailable = NewCodeError(1006, KindBusUnavailable, "broadcast bus unavailable")
)

func NewCodeError(code int, kind Kind, msg string) CodeError {
	return CodeError{
		Code: code,
		Kind: kind,
		Msg:  msg,
	}
}

// RateLimited tags a rate-limit rejection with the admitted category.
func RateLimited(category string) CodeError {
	e := ErrRateLimit
	e.Category = category
	return e
}

type CodeError struct {
	Code     int    `json:"code"`
	Kind     Kind   `json:"type"`
	Msg      string `json:"message"`
	Detail   string `json:"detail,omitempty"`
	Category string `json:"category,omitempty"`
}

func (e CodeError) WithDetail(detail string) CodeError {
	if e.Detail == "" {
		e.Detail = detail
	} else {
		e.Detail += ", " + detail
	}
	return e
}

// Wrap attaches a stack to the error.
func (e CodeError) Wrap() error {
	return pkgerr.WithStack(e)
}

func (e CodeError) WrapMsg(msg string) error {
	return pkgerr.WithStack(e.WithDetail(msg))
}

func (e CodeError) Is(err error) bool {
	var other CodeError
	if !errors.As(err, &other) {
		return false
	}
	return e.Code == other.Code
}

func (e CodeError) Error() string {
	v := make([]string, 0, 4)
	v = append(v, strconv.Itoa(e.Code), string(e.Kind), e.Msg)
	if e.Category != "" {
		v = append(v, "category="+e.Category)
	}
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

// As extracts a CodeError from an arbitrary error chain.
func As(err error) (CodeError, bool) {
	var ce CodeError
	ok := errors.As(err, &ce)
	return ce, ok
}

func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return pkgerr.WithStack(err)
}

func WrapMsg(err error, msg string) error {
	if err == nil {
		return nil
	}
	return pkgerr.Wrap(err, msg)
}
