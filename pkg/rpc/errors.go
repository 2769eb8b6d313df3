package rpc

import (
	"errors"
	"fmt"
	"strings"
)

// Node error names this service reacts to.
const (
	ErrNameUnknownBlock       = "UNKNOWN_BLOCK"
	ErrNameGarbageCollected   = "GARBAGE_COLLECTED_BLOCK"
	ErrNameUnknownAccount     = "UNKNOWN_ACCOUNT"
	ErrNameNoContractCode     = "NO_CONTRACT_CODE"
	ErrNameMethodNotFound     = "METHOD_NOT_FOUND"
	ErrNameUnknownTransaction = "UNKNOWN_TRANSACTION"
	ErrNameUnknownReceipt     = "UNKNOWN_RECEIPT"
	ErrNameParseError         = "PARSE_ERROR"
	ErrNameInvalidAccount     = "INVALID_ACCOUNT"
	ErrNameRequestValidation  = "REQUEST_VALIDATION_ERROR"
	ErrNameTimeout            = "TIMEOUT_ERROR"
	ErrNameInternal           = "INTERNAL_ERROR"
	ErrNameContractExecution  = "CONTRACT_EXECUTION_ERROR"
)

// Error is a structured error returned by the node.
type Error struct {
	Name    string
	Cause   string
	Message string
	Data    string
}

func (e *Error) Error() string {
	msg := e.Cause
	if msg == "" {
		msg = e.Name
	}
	if e.Data != "" {
		return fmt.Sprintf("rpc %s: %s", msg, e.Data)
	}
	if e.Message != "" {
		return fmt.Sprintf("rpc %s: %s", msg, e.Message)
	}
	return "rpc " + msg
}

// Kind is the most specific name carried by the error.
func (e *Error) Kind() string {
	if e.Cause != "" {
		return e.Cause
	}
	return e.Name
}

func kindOf(err error) string {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind()
	}
	return ""
}

// IsUnknownBlock reports whether the node has no state for the requested block,
// either because the height was skipped or because it is not retained.
func IsUnknownBlock(err error) bool {
	k := kindOf(err)
	return k == ErrNameUnknownBlock || k == ErrNameGarbageCollected
}

// IsUnknownAccount reports whether the account did not exist at the requested block.
func IsUnknownAccount(err error) bool {
	return kindOf(err) == ErrNameUnknownAccount
}

// IsMethodNotFound reports whether a view call hit a contract that had no code or no such
// method at the requested block.
func IsMethodNotFound(err error) bool {
	k := kindOf(err)
	return k == ErrNameMethodNotFound || k == ErrNameNoContractCode
}

// IsNotFound reports whether a transaction or receipt lookup found nothing.
func IsNotFound(err error) bool {
	k := kindOf(err)
	return k == ErrNameUnknownTransaction || k == ErrNameUnknownReceipt
}

// IsPermanent reports whether retrying the same request cannot succeed.
func IsPermanent(err error) bool {
	switch kindOf(err) {
	case ErrNameParseError, ErrNameInvalidAccount, ErrNameRequestValidation, ErrNameContractExecution:
		return true
	}
	return false
}

// viewCallError maps the error string a node embeds in a call_function result.
func viewCallError(msg string) *Error {
	switch {
	case strings.Contains(msg, "MethodNotFound"):
		return &Error{Name: ErrNameMethodNotFound, Data: msg}
	case strings.Contains(msg, "CodeDoesNotExist"):
		return &Error{Name: ErrNameNoContractCode, Data: msg}
	case strings.Contains(msg, "AccountDoesNotExist"):
		return &Error{Name: ErrNameUnknownAccount, Data: msg}
	default:
		return &Error{Name: ErrNameContractExecution, Data: msg}
	}
}
