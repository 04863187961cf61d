package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ErrorCode is the application error code carried in upstream error bodies.
type ErrorCode int

const (
	CodeUnknown            ErrorCode = 0
	CodeRobloxError        ErrorCode = 1001
	CodeInternalError      ErrorCode = 1002
	CodeKeyNotProvided     ErrorCode = 2000
	CodeIncorrectKey       ErrorCode = 2001
	CodeInvalidKey         ErrorCode = 2002
	CodeInvalidGlobalKey   ErrorCode = 2003
	CodeKeyBanned          ErrorCode = 2004
	CodeInvalidCommand     ErrorCode = 3001
	CodeServerOffline      ErrorCode = 3002
	CodeRateLimited        ErrorCode = 4001
	CodeCommandRestricted  ErrorCode = 4002
	CodeMessageProhibited  ErrorCode = 4003
	CodeResourceRestricted ErrorCode = 9998
	CodeOutOfDate          ErrorCode = 9999
)

var codeNames = map[ErrorCode]string{
	CodeUnknown:            "Unknown",
	CodeRobloxError:        "RobloxError",
	CodeInternalError:      "InternalError",
	CodeKeyNotProvided:     "KeyNotProvided",
	CodeIncorrectKey:       "IncorrectKey",
	CodeInvalidKey:         "InvalidKey",
	CodeInvalidGlobalKey:   "InvalidGlobalKey",
	CodeKeyBanned:          "KeyBanned",
	CodeInvalidCommand:     "InvalidCommand",
	CodeServerOffline:      "ServerOffline",
	CodeRateLimited:        "RateLimited",
	CodeCommandRestricted:  "CommandRestricted",
	CodeMessageProhibited:  "MessageProhibited",
	CodeResourceRestricted: "ResourceRestricted",
	CodeOutOfDate:          "OutOfDate",
}

func (c ErrorCode) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return strconv.Itoa(int(c))
}

// Retryable reports whether a failure with this code is transient.
func (c ErrorCode) Retryable() bool {
	switch c {
	case CodeUnknown, CodeRobloxError, CodeInternalError, CodeRateLimited:
		return true
	}
	return false
}

// Credential reports whether the code means the tenant key was rejected.
func (c ErrorCode) Credential() bool {
	switch c {
	case CodeKeyNotProvided, CodeIncorrectKey, CodeInvalidKey, CodeKeyBanned:
		return true
	}
	return false
}

// UpstreamError is the error body returned by the upstream on non-2xx.
type UpstreamError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e UpstreamError) Error() string {
	return fmt.Sprintf("error %d (%s): %s", int(e.Code), e.Code, e.Message)
}

// ParseUpstreamError never fails: unreadable bodies become CodeUnknown.
func ParseUpstreamError(body []byte) UpstreamError {
	out := UpstreamError{Code: CodeUnknown, Message: "An unknown error occurred."}
	var parsed struct {
		Code    *ErrorCode `json:"code"`
		Message *string    `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return out
	}
	if parsed.Code != nil {
		out.Code = *parsed.Code
	}
	if parsed.Message != nil && *parsed.Message != "" {
		out.Message = *parsed.Message
	}
	return out
}
