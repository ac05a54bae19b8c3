package sync

import (
	"errors"
	"fmt"
)

// ErrPassInProgress is returned when a reconciliation pass for the same user
// already holds the advisory lock.
var ErrPassInProgress = errors.New("sync pass already in progress for user")

// ErrNotConnected is returned by manual entry points when the caller has no
// usable calendar connection.
var ErrNotConnected = errors.New("calendar not connected")

// ProviderCallError reports a failed provider call. Transient by assumption:
// the work is retried on the next pass, never in-process.
type ProviderCallError struct {
	Op  string
	Err error
}

func (e *ProviderCallError) Error() string {
	return fmt.Sprintf("provider call %s failed: %v", e.Op, e.Err)
}

func (e *ProviderCallError) Unwrap() error { return e.Err }

// TranslationError reports a malformed internal or external event record. The
// offending event is skipped and the pass continues.
type TranslationError struct {
	Ref string
	Err error
}

func (e *TranslationError) Error() string {
	return fmt.Sprintf("cannot translate event %q: %v", e.Ref, e.Err)
}

func (e *TranslationError) Unwrap() error { return e.Err }

// WebhookRegistrationError reports a failed push-channel registration.
// Non-fatal: sync falls back to the periodic sweep.
type WebhookRegistrationError struct {
	UserID string
	Err    error
}

func (e *WebhookRegistrationError) Error() string {
	return fmt.Sprintf("webhook registration failed for user %s: %v", e.UserID, e.Err)
}

func (e *WebhookRegistrationError) Unwrap() error { return e.Err }
