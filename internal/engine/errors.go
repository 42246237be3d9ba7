package engine

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
)

// ErrorCode classifies trade failures for callers and the transport layer
type ErrorCode string

const (
	ErrCodeInsufficientFunds     ErrorCode = "insufficient_funds"
	ErrCodeInsufficientLiquidity ErrorCode = "insufficient_liquidity"
	ErrCodeInvalidTransaction    ErrorCode = "invalid_transaction"
	ErrCodeInvariantViolation    ErrorCode = "invariant_violation"
	ErrCodeServiceUnavailable    ErrorCode = "service_unavailable"
)

// TradeError is the structured business failure returned by the trade engine.
// Required/Available are populated for funds and liquidity failures.
type TradeError struct {
	Code      ErrorCode       `json:"code"`
	Message   string          `json:"message"`
	Token     string          `json:"token,omitempty"`
	Required  decimal.Decimal `json:"required,omitempty"`
	Available decimal.Decimal `json:"available,omitempty"`
	Err       error           `json:"-"`
}

func (e *TradeError) Error() string {
	if e.Token != "" {
		return fmt.Sprintf("%s: %s (token=%s required=%s available=%s)",
			e.Code, e.Message, e.Token, e.Required.String(), e.Available.String())
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *TradeError) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the error code to a response status for the controllers
func (e *TradeError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeInsufficientFunds, ErrCodeInvalidTransaction:
		return http.StatusBadRequest
	case ErrCodeInsufficientLiquidity:
		return http.StatusConflict
	case ErrCodeServiceUnavailable:
		return http.StatusServiceUnavailable
	case ErrCodeInvariantViolation:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// NewInsufficientFunds reports a user balance that cannot cover a trade
func NewInsufficientFunds(token string, required, available decimal.Decimal) *TradeError {
	return &TradeError{
		Code:      ErrCodeInsufficientFunds,
		Message:   "insufficient balance for trade",
		Token:     token,
		Required:  required,
		Available: available,
	}
}

// NewInsufficientLiquidity reports pool reserves that cannot pay out a trade
func NewInsufficientLiquidity(token string, required, available decimal.Decimal) *TradeError {
	return &TradeError{
		Code:      ErrCodeInsufficientLiquidity,
		Message:   "insufficient pool liquidity for trade",
		Token:     token,
		Required:  required,
		Available: available,
	}
}

// NewInvalidTransaction reports a malformed or unpriceable trade request
func NewInvalidTransaction(message string, cause error) *TradeError {
	return &TradeError{
		Code:    ErrCodeInvalidTransaction,
		Message: message,
		Err:     cause,
	}
}

// NewInvariantViolation reports a settlement that would corrupt a ledger
func NewInvariantViolation(message string) *TradeError {
	return &TradeError{
		Code:    ErrCodeInvariantViolation,
		Message: message,
	}
}

// NewServiceUnavailable reports a transient infrastructure failure
func NewServiceUnavailable(message string, cause error) *TradeError {
	return &TradeError{
		Code:    ErrCodeServiceUnavailable,
		Message: message,
		Err:     cause,
	}
}

// AsTradeError extracts a TradeError from an error chain
func AsTradeError(err error) (*TradeError, bool) {
	var te *TradeError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}
