package channels

import "time"

// EmailConfig configures the Postmark email deliverer. Email delivery is
// disabled when the tokens are empty.
type EmailConfig struct {
	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	SenderEmail          string `env:"NOTIFY_EMAIL_SENDER"`
	ReplyTo              string `env:"NOTIFY_EMAIL_REPLY_TO"`
	Tag                  string `env:"NOTIFY_EMAIL_TAG" envDefault:"notification"`
}

// Enabled reports whether both Postmark tokens are set.
func (c EmailConfig) Enabled() bool {
	return c.PostmarkServerToken != "" && c.PostmarkAccountToken != ""
}

// ChatConfig configures the chat webhook deliverer.
type ChatConfig struct {
	// WebhookURL is the default target when metadata has no webhook_url.
	WebhookURL    string        `env:"NOTIFY_CHAT_WEBHOOK_URL"`
	// SigningSecret enables HMAC-SHA256 signature headers.
	SigningSecret string        `env:"NOTIFY_CHAT_SIGNING_SECRET"`
	Timeout       time.Duration `env:"NOTIFY_CHAT_TIMEOUT" envDefault:"10s"`
	UserAgent     string        `env:"NOTIFY_CHAT_USER_AGENT" envDefault:"notifykit/1.0"`
}

// InAppConfig configures in-app fan-out.
type InAppConfig struct {
	BufferSize    int    `env:"NOTIFY_INAPP_BUFFER" envDefault:"16"`                    // Per-subscriber buffer for the memory transport.
	ChannelPrefix string `env:"NOTIFY_INAPP_CHANNEL_PREFIX" envDefault:"notifications"` // Redis pub/sub channel prefix.
}

// KafkaConfig configures the event channel. It is disabled without brokers.
type KafkaConfig struct {
	Brokers      []string      `env:"NOTIFY_KAFKA_BROKERS" envSeparator:","`
	Topic        string        `env:"NOTIFY_KAFKA_TOPIC" envDefault:"notifications"`
	BatchTimeout time.Duration `env:"NOTIFY_KAFKA_BATCH_TIMEOUT" envDefault:"10ms"`
}

// Enabled reports whether at least one broker is configured.
func (c KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0
}
