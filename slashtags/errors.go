package slashtags

import (
	"errors"
	"fmt"
)

const (
	ErrInvalidIdentitySymbol = "INVALID_IDENTITY"
	ErrRemoteIdentitySymbol  = "REMOTE_IDENTITY"
	ErrSelfConnectSymbol     = "SELF_CONNECT"
	ErrConnectSymbol         = "CONNECT_FAILED"
	ErrConnectTimeoutSymbol  = "CONNECT_TIMEOUT"
	ErrAlreadyClosedSymbol   = "ALREADY_CLOSED"
	ErrInvalidURLSymbol      = "INVALID_URL"
	ErrReadOnlyDriveSymbol   = "READ_ONLY_DRIVE"
)

// Error is a stable-symbol error. Symbols survive wrapping so callers
// can match on condition rather than message text.
type Error struct {
	Symbol  string
	Message string
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Message == "" {
		return e.Symbol
	}
	return e.Symbol + ": " + e.Message
}

// Is matches any *Error carrying the same symbol, so
// errors.Is(WrapError(ErrConnect, ...), ErrConnect) holds.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e != nil && other != nil && e.Symbol == other.Symbol
}

var (
	ErrInvalidIdentity = &Error{Symbol: ErrInvalidIdentitySymbol, Message: "no resolvable public key"}
	ErrRemoteIdentity  = &Error{Symbol: ErrRemoteIdentitySymbol, Message: "operation requires a signing identity"}
	ErrSelfConnect     = &Error{Symbol: ErrSelfConnectSymbol, Message: "cannot connect to own key"}
	ErrConnect         = &Error{Symbol: ErrConnectSymbol, Message: "connect failed"}
	ErrConnectTimeout  = &Error{Symbol: ErrConnectTimeoutSymbol, Message: "connect timed out"}
	ErrAlreadyClosed   = &Error{Symbol: ErrAlreadyClosedSymbol, Message: "slashtag is closed"}
	ErrInvalidURL      = &Error{Symbol: ErrInvalidURLSymbol, Message: "invalid slashtags url"}
	ErrReadOnlyDrive   = &Error{Symbol: ErrReadOnlyDriveSymbol, Message: "drive is not writable"}
)

// WrapError attaches detail to a sentinel while keeping its symbol.
func WrapError(base *Error, format string, args ...any) error {
	if base == nil {
		return fmt.Errorf(format, args...)
	}
	return &Error{Symbol: base.Symbol, Message: fmt.Sprintf(format, args...)}
}

// SymbolOf reports the symbol of err, or "" for foreign errors.
func SymbolOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Symbol
	}
	return ""
}
