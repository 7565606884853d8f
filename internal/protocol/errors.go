// Package protocol defines the coinswap wire messages, the collaborator
// interfaces consumed by the taker and maker, and the shared error taxonomy.
package protocol

import (
	"errors"
	"fmt"
)

// Swap error taxonomy. Callers wrap these with context and test with errors.Is.
var (
	ErrNetwork               = errors.New("network error")
	ErrProtocolViolation     = errors.New("protocol violation")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrBroadcastFailure      = errors.New("broadcast failure")
	ErrTimelockNotYetMatured = errors.New("timelock not yet matured")
	ErrWallet                = errors.New("wallet error")
)

// Error codes carried in ack messages so the requester can rebuild the
// sentinel on its side of the wire.
const (
	CodeNetwork           = "network"
	CodeProtocolViolation = "protocol-violation"
	CodeInsufficientFunds = "insufficient-funds"
	CodeBroadcastFailure  = "broadcast-failure"
	CodeNotMatured        = "timelock-not-matured"
	CodeWallet            = "wallet"
	CodeInternal          = "internal"
)

var codeToErr = map[string]error{
	CodeNetwork:           ErrNetwork,
	CodeProtocolViolation: ErrProtocolViolation,
	CodeInsufficientFunds: ErrInsufficientFunds,
	CodeBroadcastFailure:  ErrBroadcastFailure,
	CodeNotMatured:        ErrTimelockNotYetMatured,
	CodeWallet:            ErrWallet,
}

// Violation builds an ErrProtocolViolation with a formatted reason.
func Violation(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...))
}

// ErrorCode maps err onto its wire code.
func ErrorCode(err error) string {
	for code, sentinel := range codeToErr {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeInternal
}

// RemoteError rebuilds an error received from a peer. Unknown codes are
// treated as protocol violations: a peer that fails for reasons it cannot
// name is not following the protocol.
func RemoteError(peer, code, msg string) error {
	sentinel, ok := codeToErr[code]
	if !ok {
		sentinel = ErrProtocolViolation
	}
	return fmt.Errorf("%w: peer %s: %s", sentinel, ShortPeer(peer), msg)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrBroadcastFailure)
}

// ShortPeer truncates a peer id for logs.
func ShortPeer(p string) string {
	if len(p) > 12 {
		return p[:12]
	}
	return p
}
