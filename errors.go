package silkdb

import (
	"github.com/pkg/errors"
)

// ErrorCode classifies every failure the engine can return. Codes are
// returned, not panicked; RETRY is consumed internally by the innermost
// caller that can restart and never reaches user code.
type ErrorCode uint8

const (
	CodeOK ErrorCode = iota
	CodeNotFound
	CodeAlreadyExists
	CodeRetry
	CodeConflict
	CodeNoFreePages
	CodeTooLongPayload
	CodeTooShortPayload
	CodeBufferTooSmall
	CodeConfValueOutOfRange
	CodeNotImplemented
	codeUnknown
)

var codeNames = [...]string{
	CodeOK:                  "OK",
	CodeNotFound:            "NOT_FOUND",
	CodeAlreadyExists:       "ALREADY_EXISTS",
	CodeRetry:               "RETRY",
	CodeConflict:            "CONFLICT",
	CodeNoFreePages:         "NO_FREE_PAGES",
	CodeTooLongPayload:      "TOO_LONG_PAYLOAD",
	CodeTooShortPayload:     "TOO_SHORT_PAYLOAD",
	CodeBufferTooSmall:      "BUFFER_TOO_SMALL",
	CodeConfValueOutOfRange: "CONF_VALUE_OUTOFRANGE",
	CodeNotImplemented:      "NOT_IMPLEMENTED",
	codeUnknown:             "UNKNOWN",
}

func (c ErrorCode) String() string {
	if int(c) < len(codeNames) {
		return codeNames[c]
	}
	return codeNames[codeUnknown]
}

var (
	ErrNotFound            = errors.New("key not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrRetry               = errors.New("retry")
	ErrConflict            = errors.New("serialization conflict")
	ErrNoFreePages         = errors.New("no free pages in pool")
	ErrTooLongPayload      = errors.New("payload too long")
	ErrTooShortPayload     = errors.New("payload too short")
	ErrBufferTooSmall      = errors.New("payload buffer too small")
	ErrConfValueOutOfRange = errors.New("config value out of range")
	ErrNotImplemented      = errors.New("not implemented")

	ErrNotInitialized = errors.New("engine not initialized")
	ErrNoActiveXct    = errors.New("no active transaction")
	ErrActiveXct      = errors.New("a transaction is already active")
)

var codeBySentinel = map[error]ErrorCode{
	ErrNotFound:            CodeNotFound,
	ErrAlreadyExists:       CodeAlreadyExists,
	ErrRetry:               CodeRetry,
	ErrConflict:            CodeConflict,
	ErrNoFreePages:         CodeNoFreePages,
	ErrTooLongPayload:      CodeTooLongPayload,
	ErrTooShortPayload:     CodeTooShortPayload,
	ErrBufferTooSmall:      CodeBufferTooSmall,
	ErrConfValueOutOfRange: CodeConfValueOutOfRange,
	ErrNotImplemented:      CodeNotImplemented,
}

// CodeOf unwraps err down to its sentinel and returns the matching code.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return CodeOK
	}
	for sentinel, code := range codeBySentinel {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return codeUnknown
}
