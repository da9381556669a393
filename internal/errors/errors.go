// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrPositionNotFound = errors.New("position not found")
	ErrInvalidQuantity  = errors.New("quantity must be positive")
	ErrUnavailable      = errors.New("market data unavailable")
	ErrStaleData        = errors.New("market data stale")
	ErrTimeout          = errors.New("operation timed out")
	ErrConfigInvalid    = errors.New("invalid configuration")
	ErrStoreClosed      = errors.New("store is closed")
)

// ReasonCode is a machine-checkable rejection code. Every policy rejection
// carries one alongside a human-readable reason string.
type ReasonCode string

const (
	ReasonCircuitOpen        ReasonCode = "CIRCUIT_OPEN"
	ReasonLossCooldown       ReasonCode = "LOSS_COOLDOWN"
	ReasonDailyLossLimitHit  ReasonCode = "DAILY_LOSS_LIMIT_HIT"
	ReasonPositionTooLarge   ReasonCode = "POSITION_TOO_LARGE"
	ReasonTooManyPositions   ReasonCode = "TOO_MANY_POSITIONS"
	ReasonCorrelationBlocked ReasonCode = "CORRELATION_BLOCKED"
	ReasonPortfolioHeat      ReasonCode = "PORTFOLIO_HEAT_EXCEEDED"
	ReasonSectorCeiling      ReasonCode = "SECTOR_CEILING_EXCEEDED"
	ReasonDrawdownVelocity   ReasonCode = "DRAWDOWN_VELOCITY_HALT"
	ReasonExecutionBlocked   ReasonCode = "EXECUTION_BLOCKED"
	ReasonVenueUnhealthy     ReasonCode = "VENUE_UNHEALTHY"
	ReasonRegimeBlocked      ReasonCode = "REGIME_BLOCKED"
	ReasonSizeRoundedToZero  ReasonCode = "SIZE_ROUNDED_TO_ZERO"
	ReasonDataUnavailable    ReasonCode = "DATA_UNAVAILABLE"
)

// RejectionError carries a policy rejection across error-shaped APIs.
// Rejections are expected outcomes, not faults; callers log them and move on.
type RejectionError struct {
	Code   ReasonCode
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("trade rejected [%s]: %s", e.Code, e.Reason)
}

// NewRejection creates a new RejectionError.
func NewRejection(code ReasonCode, format string, args ...interface{}) *RejectionError {
	return &RejectionError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// DataError represents a market-data error for a symbol.
type DataError struct {
	DataType string
	Symbol   string
	Message  string
	Err      error
}

func (e *DataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("data error [%s] %s: %s: %v", e.DataType, e.Symbol, e.Message, e.Err)
	}
	return fmt.Sprintf("data error [%s] %s: %s", e.DataType, e.Symbol, e.Message)
}

func (e *DataError) Unwrap() error {
	return e.Err
}

// NewDataError creates a new DataError.
func NewDataError(dataType, symbol, message string, err error) *DataError {
	return &DataError{
		DataType: dataType,
		Symbol:   symbol,
		Message:  message,
		Err:      err,
	}
}

// RiskError represents a risk limit violation with the observed and limit
// values attached.
type RiskError struct {
	Rule    string
	Current float64
	Limit   float64
	Message string
}

func (e *RiskError) Error() string {
	return fmt.Sprintf("risk violation [%s]: %s (current: %.2f, limit: %.2f)", e.Rule, e.Message, e.Current, e.Limit)
}

// NewRiskError creates a new RiskError.
func NewRiskError(rule string, current, limit float64, message string) *RiskError {
	return &RiskError{
		Rule:    rule,
		Current: current,
		Limit:   limit,
		Message: message,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
