package channels

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/notifykit/pkg/notifications"
)

// Signature headers set when a signing secret is configured.
const (
	HeaderSignature = "X-Notify-Signature"
	HeaderTimestamp = "X-Notify-Timestamp"
	HeaderMessageID = "X-Notify-ID"
)

// ChatPayload is the body posted to chat webhooks. Text is a ready-to-render
// line for chat tools; Notification carries the structured form.
type ChatPayload struct {
	Text         string  `json:"text"`
	Notification Message `json:"notification"`
}

// ChatDeliverer posts notifications to a chat webhook as JSON.
// The target is metadata["webhook_url"] when set, otherwise the configured default.
type ChatDeliverer struct {
	client *http.Client
	config ChatConfig
	now    func() time.Time
}

// ChatOption configures a ChatDeliverer.
type ChatOption func(*ChatDeliverer)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(client *http.Client) ChatOption {
	return func(d *ChatDeliverer) {
		if client != nil {
			d.client = client
		}
	}
}

// NewChatDeliverer creates a chat webhook deliverer.
func NewChatDeliverer(cfg ChatConfig, opts ...ChatOption) (*ChatDeliverer, error) {
	if cfg.WebhookURL != "" {
		if err := validateWebhookURL(cfg.WebhookURL); err != nil {
			return nil, errors.Join(ErrInvalidConfig, err)
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "notifykit/1.0"
	}

	d := &ChatDeliverer{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		config: cfg,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func (d *ChatDeliverer) Deliver(ctx context.Context, n notifications.Notification) error {
	target, ok := n.MetadataString("webhook_url")
	if !ok {
		target = d.config.WebhookURL
	}
	if target == "" {
		return errors.Join(notifications.ErrPermanentDelivery, ErrMissingWebhookURL)
	}
	if err := validateWebhookURL(target); err != nil {
		return errors.Join(notifications.ErrPermanentDelivery, err)
	}

	payload, err := json.Marshal(ChatPayload{Text: chatText(n), Notification: NewMessage(n)})
	if err != nil {
		return errors.Join(notifications.ErrPermanentDelivery, fmt.Errorf("encode chat payload: %w", err))
	}

	reqCtx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return errors.Join(notifications.ErrPermanentDelivery, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.config.UserAgent)

	if d.config.SigningSecret != "" {
		ts := d.now().Unix()
		req.Header.Set(HeaderSignature, Sign(d.config.SigningSecret, ts, payload))
		req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
		req.Header.Set(HeaderMessageID, uuid.NewString())
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("chat webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	statusErr := fmt.Errorf("%w: %d %s", ErrUnexpectedStatus, resp.StatusCode, bytes.TrimSpace(body))
	if isPermanentStatus(resp.StatusCode) {
		return errors.Join(notifications.ErrPermanentDelivery, statusErr)
	}
	return statusErr
}

// Sign returns the hex HMAC-SHA256 of "<timestamp>.<payload>" keyed by secret.
// Receivers recompute it from the timestamp header to verify a request.
func Sign(secret string, timestamp int64, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(strconv.FormatInt(timestamp, 10)))
	h.Write([]byte("."))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func chatText(n notifications.Notification) string {
	if n.Subject == "" {
		return n.Body
	}
	return "*" + n.Subject + "*\n" + n.Body
}

func validateWebhookURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid webhook url %q: only http and https are supported", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid webhook url %q: host is required", raw)
	}
	return nil
}

// isPermanentStatus reports 4xx responses other than the ones that clear up
// on their own.
func isPermanentStatus(code int) bool {
	if code < 400 || code >= 500 {
		return false
	}
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return false
	}
	return true
}
