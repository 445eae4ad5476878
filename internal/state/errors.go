package state

import (
	"errors"
	"fmt"
)

// ErrorCode is the numeric abort code surfaced to callers.
type ErrorCode uint32

const (
	CodeInternal                 ErrorCode = 1
	CodeAlreadyInitialized       ErrorCode = 3
	CodeUnauthorized             ErrorCode = 4
	CodeNegativeAmount           ErrorCode = 8
	CodeAllowance                ErrorCode = 9
	CodeBalance                  ErrorCode = 10
	CodeOverflow                 ErrorCode = 12
	CodeBadRequest               ErrorCode = 50
	CodeInvalidCloseLedger       ErrorCode = 100
	CodeInvalidBootstrapToken    ErrorCode = 101
	CodeInvalidBootstrapAmount   ErrorCode = 102
	CodeInvalidPoolAddress       ErrorCode = 103
	CodeInvalidBootstrapStatus   ErrorCode = 104
	CodeAlreadyClaimed           ErrorCode = 105
	CodeInsufficientDeposit      ErrorCode = 106
	CodeReceivedNoBackstopTokens ErrorCode = 107
	CodeAlreadyRefunded          ErrorCode = 108
)

func (c ErrorCode) String() string {
	switch c {
	case CodeInternal:
		return "InternalError"
	case CodeAlreadyInitialized:
		return "AlreadyInitializedError"
	case CodeUnauthorized:
		return "UnauthorizedError"
	case CodeNegativeAmount:
		return "NegativeAmountError"
	case CodeAllowance:
		return "AllowanceError"
	case CodeBalance:
		return "BalanceError"
	case CodeOverflow:
		return "OverflowError"
	case CodeBadRequest:
		return "BadRequest"
	case CodeInvalidCloseLedger:
		return "InvalidCloseLedger"
	case CodeInvalidBootstrapToken:
		return "InvalidBootstrapToken"
	case CodeInvalidBootstrapAmount:
		return "InvalidBootstrapAmount"
	case CodeInvalidPoolAddress:
		return "InvalidPoolAddressError"
	case CodeInvalidBootstrapStatus:
		return "InvalidBootstrapStatus"
	case CodeAlreadyClaimed:
		return "AlreadyClaimedError"
	case CodeInsufficientDeposit:
		return "InsufficientDepositError"
	case CodeReceivedNoBackstopTokens:
		return "ReceivedNoBackstopTokens"
	case CodeAlreadyRefunded:
		return "AlreadyRefundedError"
	default:
		return fmt.Sprintf("ErrorCode(%d)", uint32(c))
	}
}

// ContractError is a structured abort. Two ContractErrors match under
// errors.Is when their codes are equal, so wrapped errors still compare
// against the sentinels below.
type ContractError struct {
	Code   ErrorCode
	Detail string
}

func (e *ContractError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("contract error %d: %s", uint32(e.Code), e.Code)
	}
	return fmt.Sprintf("contract error %d: %s: %s", uint32(e.Code), e.Code, e.Detail)
}

func (e *ContractError) Is(target error) bool {
	t, ok := target.(*ContractError)
	return ok && t.Code == e.Code
}

// Errorf builds a ContractError carrying a formatted detail.
func Errorf(code ErrorCode, format string, args ...interface{}) *ContractError {
	return &ContractError{Code: code, Detail: fmt.Sprintf(format, args...)}
}

var (
	ErrInternal                 = &ContractError{Code: CodeInternal}
	ErrAlreadyInitialized       = &ContractError{Code: CodeAlreadyInitialized}
	ErrUnauthorized             = &ContractError{Code: CodeUnauthorized}
	ErrNegativeAmount           = &ContractError{Code: CodeNegativeAmount}
	ErrAllowance                = &ContractError{Code: CodeAllowance}
	ErrBalance                  = &ContractError{Code: CodeBalance}
	ErrOverflow                 = &ContractError{Code: CodeOverflow}
	ErrBadRequest               = &ContractError{Code: CodeBadRequest}
	ErrInvalidCloseLedger       = &ContractError{Code: CodeInvalidCloseLedger}
	ErrInvalidBootstrapToken    = &ContractError{Code: CodeInvalidBootstrapToken}
	ErrInvalidBootstrapAmount   = &ContractError{Code: CodeInvalidBootstrapAmount}
	ErrInvalidPoolAddress       = &ContractError{Code: CodeInvalidPoolAddress}
	ErrInvalidBootstrapStatus   = &ContractError{Code: CodeInvalidBootstrapStatus}
	ErrAlreadyClaimed           = &ContractError{Code: CodeAlreadyClaimed}
	ErrInsufficientDeposit      = &ContractError{Code: CodeInsufficientDeposit}
	ErrReceivedNoBackstopTokens = &ContractError{Code: CodeReceivedNoBackstopTokens}
	ErrAlreadyRefunded          = &ContractError{Code: CodeAlreadyRefunded}
)

// CodeOf extracts the abort code from err, or CodeInternal when err is not
// a contract error.
func CodeOf(err error) ErrorCode {
	var ce *ContractError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeInternal
}
