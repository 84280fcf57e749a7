package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/Komala-2k/Payment-wallet-week2/internal/storage"
)

// ErrorCode is a stable identifier for a failure kind. Callers switch on
// it to choose what to show; the message text may change.
type ErrorCode string

const (
	CodeInvalidAmount   ErrorCode = "INVALID_AMOUNT"
	CodeInvalidInput    ErrorCode = "INVALID_INPUT"
	CodeAccountNotFound ErrorCode = "ACCOUNT_NOT_FOUND"
	CodeSourceNotFound  ErrorCode = "SOURCE_NOT_FOUND"
	CodeDestNotFound    ErrorCode = "DEST_NOT_FOUND"
	CodeSelfTransfer    ErrorCode = "SELF_TRANSFER_REJECTED"
	CodeInsufficient    ErrorCode = "INSUFFICIENT_FUNDS"
	CodeStorage         ErrorCode = "STORAGE_ERROR"
)

// Error is the only error type the engine and query facade return.
type Error struct {
	Code    ErrorCode
	Field   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Field != "" {
		msg += " (" + e.Field + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so errors.Is(err,
// ErrInsufficientFunds) works whatever the message or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Retryable reports whether the same request may succeed if sent again
// unchanged.
func (e *Error) Retryable() bool {
	return e.Code == CodeStorage
}

var (
	ErrInvalidAmount     = &Error{Code: CodeInvalidAmount, Field: "amount", Message: "amount is below the minimum"}
	ErrInvalidInput      = &Error{Code: CodeInvalidInput, Message: "invalid input"}
	ErrAccountNotFound   = &Error{Code: CodeAccountNotFound, Message: "account not found"}
	ErrSourceNotFound    = &Error{Code: CodeSourceNotFound, Message: "sender not found"}
	ErrDestNotFound      = &Error{Code: CodeDestNotFound, Message: "receiver not found"}
	ErrSelfTransfer      = &Error{Code: CodeSelfTransfer, Message: "cannot send money to yourself"}
	ErrInsufficientFunds = &Error{Code: CodeInsufficient, Message: "insufficient balance"}
	ErrStorage           = &Error{Code: CodeStorage, Message: "storage unavailable, try again"}
)

func newError(base *Error, field, message string, cause error) *Error {
	e := *base
	if field != "" {
		e.Field = field
	}
	if message != "" {
		e.Message = message
	}
	e.Err = cause
	return &e
}

// CodeOf returns the code of err, or "" when err did not come from this
// package.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// classify turns whatever escaped an atomic scope into an *Error.
func classify(err error) *Error {
	var e *Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &e):
		return e
	case errors.Is(err, context.DeadlineExceeded):
		return newError(ErrStorage, "", "operation timed out", err)
	case errors.Is(err, context.Canceled):
		return newError(ErrStorage, "", "operation canceled", err)
	case errors.Is(err, storage.ErrInsufficientFunds):
		return newError(ErrInsufficientFunds, "", "", err)
	case errors.Is(err, storage.ErrBalanceOverflow):
		return newError(ErrInvalidAmount, "amount", "amount would overflow the receiving balance", err)
	case errors.Is(err, storage.ErrConflict):
		return newError(ErrStorage, "", "too much contention on the account, try again", err)
	default:
		return newError(ErrStorage, "", "", err)
	}
}
