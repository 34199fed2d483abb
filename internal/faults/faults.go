// Package faults defines the error taxonomy shared across the metering
// substrate. Errors carry a string Kind rather than a distinct type per
// failure mode so that callers can map them to HTTP statuses and retry
// policy without importing every subsystem package.
package faults

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure. The set is closed; new kinds require a
// corresponding entry in the status and retry tables below.
type Kind string

const (
	ConfigInvalid Kind = "config_invalid"

	// WAL / ledger
	DiskPressure  Kind = "disk_pressure"
	ShuttingDown  Kind = "shutting_down"
	IO            Kind = "io"
	JournalFailed Kind = "journal_failed"
	BudgetInvalid Kind = "budget_invalid"

	// x402 verification
	NonceNotFound    Kind = "nonce_not_found"
	ChallengeCorrupt Kind = "challenge_corrupt"
	HMACInvalid      Kind = "hmac_invalid"
	ChallengeExpired Kind = "challenge_expired"
	BindingMismatch  Kind = "binding_mismatch"
	PathMismatch     Kind = "path_mismatch"
	TxNotFound       Kind = "tx_not_found"
	TxReverted       Kind = "tx_reverted"
	TxPending        Kind = "pending"
	TransferNotFound Kind = "transfer_not_found"
	ReplayDetected   Kind = "replay_detected"
	RaceLost         Kind = "race_lost"
	RPCUnreachable   Kind = "rpc_unreachable"
	RPCError         Kind = "rpc_error"

	// settlement
	SettlementFailed             Kind = "settlement_failed"
	SettlementUnavailable        Kind = "settlement_unavailable"
	SettlementVerificationFailed Kind = "settlement_verification_failed"

	RateLimited         Kind = "rate_limited"
	InsufficientCredits Kind = "insufficient_credits"
	NonceUnavailable    Kind = "nonce_unavailable"
	ReservationNotFound Kind = "reservation_not_found"

	SandboxViolation Kind = "sandbox_violation"
	SandboxTimeout   Kind = "sandbox_timeout"

	EnsembleTimeout Kind = "ensemble_timeout"
	EnsembleFailed  Kind = "ensemble_failed"
	ProviderHalted  Kind = "provider_halted"

	DLQEnqueued Kind = "dlq_enqueued"
)

// Error is a taxonomy-tagged error. Wrapped causes are preserved for
// errors.Is / errors.As chains.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		if e.Msg != "" {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
		}
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a taxonomy error with a message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf builds a taxonomy error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a taxonomy kind to an underlying cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// KindOf extracts the taxonomy kind from an error chain, or "" if the
// error carries no kind.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the failure is transient from the caller's
// perspective. Provider adapters retry these with backoff and jitter;
// everything else returns immediately.
func Retryable(err error) bool {
	switch KindOf(err) {
	case RPCUnreachable, SettlementUnavailable, TxPending, IO:
		return true
	}
	return false
}

// HTTPStatus maps a taxonomy kind to the user-visible status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case InsufficientCredits,
		NonceNotFound, ChallengeCorrupt, HMACInvalid, ChallengeExpired,
		BindingMismatch, PathMismatch, TxNotFound, TxReverted, TxPending,
		TransferNotFound, ReplayDetected, RaceLost:
		return http.StatusPaymentRequired
	case RateLimited:
		return http.StatusTooManyRequests
	case RPCUnreachable, SettlementUnavailable, NonceUnavailable, ProviderHalted:
		return http.StatusServiceUnavailable
	case ConfigInvalid, BudgetInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
