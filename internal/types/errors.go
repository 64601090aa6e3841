package types

import (
	"errors"
	"fmt"
)

var (
	ErrUnmappedRoom      = errors.New("room has no mapping")
	ErrDuplicate         = errors.New("duplicate message")
	ErrStoreUnavailable  = errors.New("state store unavailable")
	ErrSelfMessage       = errors.New("message authored by the bridge")
	ErrNotFound          = errors.New("not found")
	ErrInvalidMapping    = errors.New("invalid mapping")
	ErrMessageTooLong    = errors.New("message exceeds maximum length")
	ErrNetworkDisabled   = errors.New("network disabled")
	ErrSchedulerStopped  = errors.New("scheduler stopped")
	errTransientDelivery = errors.New("transient delivery error")
	errPermanentDelivery = errors.New("permanent delivery error")
)

// TransientDeliveryError marks a send failure worth retrying: rate limits,
// timeouts, temporary network trouble.
type TransientDeliveryError struct {
	Reason string
	Err    error
}

func (e *TransientDeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient delivery error: %s: %v", e.Reason, e.Err)
	}
	return "transient delivery error: " + e.Reason
}

func (e *TransientDeliveryError) Unwrap() error { return e.Err }

func (e *TransientDeliveryError) Is(target error) bool { return target == errTransientDelivery }

// PermanentDeliveryError marks a send failure that will never succeed, such
// as a target room that no longer exists.
type PermanentDeliveryError struct {
	Reason string
	Err    error
}

func (e *PermanentDeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("permanent delivery error: %s: %v", e.Reason, e.Err)
	}
	return "permanent delivery error: " + e.Reason
}

func (e *PermanentDeliveryError) Unwrap() error { return e.Err }

func (e *PermanentDeliveryError) Is(target error) bool { return target == errPermanentDelivery }

// MalformedEventError is returned when a raw event lacks required fields.
type MalformedEventError struct {
	Network Network
	Field   string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed %s event: missing %s", e.Network, e.Field)
}

// Transient wraps err as a TransientDeliveryError.
func Transient(reason string, err error) error {
	return &TransientDeliveryError{Reason: reason, Err: err}
}

// Permanent wraps err as a PermanentDeliveryError.
func Permanent(reason string, err error) error {
	return &PermanentDeliveryError{Reason: reason, Err: err}
}

// IsTransient reports whether err is, or wraps, a TransientDeliveryError.
func IsTransient(err error) bool { return errors.Is(err, errTransientDelivery) }

// IsPermanent reports whether err is, or wraps, a PermanentDeliveryError.
func IsPermanent(err error) bool { return errors.Is(err, errPermanentDelivery) }

// IsMalformed reports whether err is, or wraps, a MalformedEventError.
func IsMalformed(err error) bool {
	var me *MalformedEventError
	return errors.As(err, &me)
}
