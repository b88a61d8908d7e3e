package channels

import "errors"

var (
	ErrInvalidConfig     = errors.New("channels: invalid configuration")
	ErrInvalidAddress    = errors.New("channels: invalid recipient address")
	ErrMissingWebhookURL = errors.New("channels: no webhook url for notification")
	ErrUnexpectedStatus  = errors.New("channels: unexpected response status")
	ErrProviderRejected  = errors.New("channels: provider rejected message")
	ErrSimulatedFailure  = errors.New("channels: simulated delivery failure")
)
