package errs

import (
	"errors"
	"strconv"
	"strings"

	pkgerr "github.com/pkg/errors"
)

// Error codes for the relay pipeline. Codes are stable; clients may key on them.
const (
	CodeAdmissionDenied       = 1001 // rate window or pool ceiling
	CodeDependencyUnavailable = 1002 // breaker open or dependency timeout
	CodeSequencingDegraded    = 1003 // fallback sequence source in use
	CodeValidationError       = 1004 // malformed envelope
	CodeInternal              = 1500 // unexpected
)

var (
	ErrAdmissionDenied       = NewCodeError(CodeAdmissionDenied, "admission denied")
	ErrDependencyUnavailable = NewCodeError(CodeDependencyUnavailable, "dependency unavailable")
	ErrSequencingDegraded    = NewCodeError(CodeSequencingDegraded, "sequencing degraded")
	ErrValidation            = NewCodeError(CodeValidationError, "validation error")
	ErrInternal              = NewCodeError(CodeInternal, "internal error")

	// ErrBreakerOpen is the distinguished fail-fast signal raised by an OPEN
	// circuit breaker. It relates to CodeDependencyUnavailable so callers can
	// match either.
	ErrBreakerOpen = NewCodeError(CodeDependencyUnavailable, "circuit breaker open")
)

func NewCodeError(code int, msg string) CodeError {
	return CodeError{
		Code: code,
		Msg:  msg,
	}
}

type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func (e CodeError) WithDetail(detail string) CodeError {
	var d string
	if e.Detail == "" {
		d = detail
	} else {
		d = e.Detail + ", " + detail
	}
	return CodeError{
		Code:   e.Code,
		Msg:    e.Msg,
		Detail: d,
	}
}

// Wrap attaches a stack to the error value.
func (e CodeError) Wrap() error {
	return pkgerr.WithStack(e)
}

func (e CodeError) WrapMsg(msg string) error {
	ret := e
	if msg != "" {
		if ret.Detail == "" {
			ret.Detail = msg
		} else {
			ret.Detail += ", " + msg
		}
	}
	return pkgerr.WithStack(ret)
}

// Is matches on code, so wrapped and detail-carrying copies compare equal.
func (e CodeError) Is(err error) bool {
	var other CodeError
	if !errors.As(err, &other) {
		return false
	}
	return e.Code == other.Code
}

func (e CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, strconv.Itoa(e.Code), e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

// CodeOf extracts the taxonomy code from err, or CodeInternal when err carries none.
func CodeOf(err error) int {
	var ce CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeInternal
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
	return pkgerr.WithMessage(err, msg)
}

func New(msg string) error {
	return pkgerr.New(msg)
}
