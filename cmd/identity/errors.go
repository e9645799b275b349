package identity

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingToken is returned when no bearer credential was supplied.
	ErrMissingToken = errors.New("identity: missing token")

	// ErrInvalidToken is returned for any verification failure. Callers must not
	// distinguish expired, malformed, or wrongly-signed tokens to clients.
	ErrInvalidToken = errors.New("identity: invalid token")

	// ErrConfig is returned when provider configuration is invalid.
	ErrConfig = errors.New("identity: invalid config")
)

// OpError is a typed operation error with a stable Op + Kind contract.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

func configErr(op, msg string) error {
	return OpError{Op: op, Kind: ErrConfig, Msg: msg}
}

// IsInvalidToken reports whether err represents a missing or rejected credential.
func IsInvalidToken(err error) bool {
	return errors.Is(err, ErrInvalidToken) || errors.Is(err, ErrMissingToken)
}
