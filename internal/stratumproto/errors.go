// Package stratumproto defines the newline-delimited JSON-RPC 2.0 wire
// shapes spoken by Stratum miners and the standard pool-side error codes.
package stratumproto

import "fmt"

// ErrorCode is a Stratum protocol-visible error code (see the pool's error
// taxonomy table).
type ErrorCode int

const (
	ErrOther               ErrorCode = 20
	ErrJobNotFound         ErrorCode = 21
	ErrDuplicateShare      ErrorCode = 22
	ErrLowDifficultyShare  ErrorCode = 23
	ErrUnauthorizedWorker  ErrorCode = 24
	ErrNotSubscribed       ErrorCode = 25
)

// StratumError is the JSON-RPC error object returned to a miner: a tuple of
// (code, message, extra) encoded as a 3-element JSON array.
type StratumError struct {
	Code    ErrorCode
	Message string
	Extra   interface{}
}

func (e *StratumError) Error() string {
	return fmt.Sprintf("stratum error %d: %s", e.Code, e.Message)
}

// MarshalJSON encodes a StratumError as the [code, message, extra] array
// shape every Stratum client expects.
func (e *StratumError) MarshalJSON() ([]byte, error) {
	return marshalTuple(int(e.Code), e.Message, e.Extra)
}

func NewError(code ErrorCode, message string) *StratumError {
	return &StratumError{Code: code, Message: message}
}

func JobNotFound() *StratumError {
	return NewError(ErrJobNotFound, "job not found")
}

func DuplicateShare() *StratumError {
	return NewError(ErrDuplicateShare, "duplicate share")
}

func LowDifficultyShare(shareDiff float64) *StratumError {
	return NewError(ErrLowDifficultyShare, fmt.Sprintf("low difficulty share (%v)", shareDiff))
}

func UnauthorizedWorker() *StratumError {
	return NewError(ErrUnauthorizedWorker, "unauthorized worker")
}

func NotSubscribed() *StratumError {
	return NewError(ErrNotSubscribed, "not subscribed")
}

func UnsupportedMethod(method string) *StratumError {
	return NewError(ErrOther, "Unsupported method: "+method)
}
