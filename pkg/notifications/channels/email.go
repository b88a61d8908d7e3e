package channels

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/mrz1836/postmark"

	"github.com/dmitrymomot/notifykit/pkg/notifications"
)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// Postmark API error codes that no retry can fix.
// https://postmarkapp.com/developer/api/overview#error-codes
const (
	postmarkInvalidRequest    = 300
	postmarkInactiveRecipient = 406
)

// PostmarkAPI is the subset of *postmark.Client used by EmailDeliverer.
type PostmarkAPI interface {
	SendEmail(ctx context.Context, email postmark.Email) (postmark.EmailResponse, error)
}

// EmailDeliverer sends notifications through Postmark's transactional API.
// The address is metadata["email"] when set, otherwise the recipient id.
type EmailDeliverer struct {
	client PostmarkAPI
	config EmailConfig
}

// EmailOption configures an EmailDeliverer.
type EmailOption func(*EmailDeliverer)

// WithPostmarkAPI replaces the Postmark client built from the config tokens.
func WithPostmarkAPI(api PostmarkAPI) EmailOption {
	return func(d *EmailDeliverer) {
		if api != nil {
			d.client = api
		}
	}
}

// NewEmailDeliverer validates cfg and builds a Postmark-backed deliverer.
func NewEmailDeliverer(cfg EmailConfig, opts ...EmailOption) (*EmailDeliverer, error) {
	d := &EmailDeliverer{config: cfg}
	for _, opt := range opts {
		opt(d)
	}

	if d.client == nil {
		if cfg.PostmarkServerToken == "" {
			return nil, fmt.Errorf("%w: PostmarkServerToken is required", ErrInvalidConfig)
		}
		if cfg.PostmarkAccountToken == "" {
			return nil, fmt.Errorf("%w: PostmarkAccountToken is required", ErrInvalidConfig)
		}
		d.client = postmark.NewClient(cfg.PostmarkServerToken, cfg.PostmarkAccountToken)
	}
	if !emailRegex.MatchString(cfg.SenderEmail) {
		return nil, fmt.Errorf("%w: SenderEmail must be a valid email address", ErrInvalidConfig)
	}
	if cfg.ReplyTo != "" && !emailRegex.MatchString(cfg.ReplyTo) {
		return nil, fmt.Errorf("%w: ReplyTo must be a valid email address", ErrInvalidConfig)
	}

	return d, nil
}

func (d *EmailDeliverer) Deliver(ctx context.Context, n notifications.Notification) error {
	to, ok := n.MetadataString("email")
	if !ok {
		to = n.RecipientID
	}
	to = strings.TrimSpace(to)
	if !emailRegex.MatchString(to) {
		return errors.Join(notifications.ErrPermanentDelivery, fmt.Errorf("%w: %q", ErrInvalidAddress, to))
	}

	subject := n.Subject
	if subject == "" {
		subject = "Notification"
	}

	resp, err := d.client.SendEmail(ctx, postmark.Email{
		From:       d.config.SenderEmail,
		ReplyTo:    d.config.ReplyTo,
		To:         to,
		Subject:    subject,
		Tag:        d.config.Tag,
		TextBody:   n.Body,
		TrackOpens: true,
	})
	if err != nil {
		return fmt.Errorf("postmark: %w", err)
	}

	switch {
	case resp.ErrorCode == 0:
		return nil
	case resp.ErrorCode == postmarkInvalidRequest || resp.ErrorCode == postmarkInactiveRecipient:
		return errors.Join(notifications.ErrPermanentDelivery,
			fmt.Errorf("%w: postmark error %d: %s", ErrProviderRejected, resp.ErrorCode, resp.Message))
	default:
		return fmt.Errorf("%w: postmark error %d: %s", ErrProviderRejected, resp.ErrorCode, resp.Message)
	}
}
