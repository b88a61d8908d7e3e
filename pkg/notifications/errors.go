package notifications

import "errors"

var (
	// ErrValidation is returned when enqueue arguments are rejected.
	// Rejected notifications are never persisted.
	ErrValidation = errors.New("invalid notification")

	// ErrNotFound is returned when an operation targets an unknown notification
	// or a notification that is not dead-lettered.
	ErrNotFound = errors.New("notification not found")

	// ErrInvalidState is returned when an operation is not allowed in the
	// notification's current status, e.g. marking a pending notification read.
	ErrInvalidState = errors.New("invalid notification state")

	// ErrDelivery wraps failures reported by a channel deliverer.
	// The processor folds it into a retry or dead-letter decision.
	ErrDelivery = errors.New("channel delivery failed")

	// ErrPermanentDelivery marks delivery failures that retrying cannot fix.
	ErrPermanentDelivery = errors.New("permanent delivery failure")

	// ErrStorage wraps failures of the persistence layer. They are transient
	// from the processor's point of view.
	ErrStorage = errors.New("notification storage failure")

	// ErrStateConflict is returned by guarded updates when the stored status
	// differs from the expected one, meaning another writer got there first.
	ErrStateConflict = errors.New("notification state changed concurrently")

	// ErrChannelNotRegistered is returned when no deliverer serves a channel.
	ErrChannelNotRegistered = errors.New("no deliverer registered for channel")

	// ErrChannelAlreadyRegistered is returned on duplicate registration.
	ErrChannelAlreadyRegistered = errors.New("channel already registered")

	// ErrInvalidChannel is returned when a channel name is malformed.
	ErrInvalidChannel = errors.New("invalid channel name")

	// ErrDelivererNil is returned when registering a nil deliverer.
	ErrDelivererNil = errors.New("deliverer cannot be nil")

	// ErrStorageNil is returned when a nil storage is provided.
	ErrStorageNil = errors.New("storage cannot be nil")

	// ErrRegistryNil is returned when a nil registry is provided.
	ErrRegistryNil = errors.New("registry cannot be nil")

	// ErrProcessorRunning is returned by Start on an already started processor.
	ErrProcessorRunning = errors.New("processor already started")

	// ErrProcessorNotRunning is returned by Stop on a processor that is not running.
	ErrProcessorNotRunning = errors.New("processor not started")
)

// IsTransient reports whether err is a storage failure worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrStorage)
}

// IsPermanent reports whether a delivery error must not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanentDelivery)
}
