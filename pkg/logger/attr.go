package logger

import (
	"log/slog"
	"strconv"
)

// Group creates a slog group attribute from the provided attributes.
func Group(name string, attrs ...slog.Attr) slog.Attr {
	return slog.Attr{Key: name, Value: slog.GroupValue(attrs...)}
}

// Errors groups multiple non-nil errors under the key "errors".
// If all errors are nil, it returns an empty Attr.
func Errors(errs ...error) slog.Attr {
	as := make([]slog.Attr, 0, len(errs))
	for i, err := range errs {
		if err != nil {
			as = append(as, slog.Any(strconv.Itoa(i), err))
		}
	}
	if len(as) == 0 {
		return slog.Attr{}
	}
	return slog.Attr{Key: "errors", Value: slog.GroupValue(as...)}
}

// Error creates an attribute for a single error under the key "error".
// If err is nil, it returns an empty Attr.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// NotificationID records the notification identifier under the key "notification_id".
func NotificationID(id string) slog.Attr {
	return slog.String("notification_id", id)
}

// RecipientID records the recipient identifier under the key "recipient_id".
// If id is empty, it returns an empty Attr.
func RecipientID(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("recipient_id", id)
}

// Channel records the delivery channel under the key "channel".
// Accepts any value with a string form, such as notifications.Channel.
func Channel(ch any) slog.Attr {
	return slog.Any("channel", ch)
}

// Priority records the priority class under the key "priority".
func Priority(p any) slog.Attr {
	return slog.Any("priority", p)
}

// Status records a status name under the key "status".
func Status(s any) slog.Attr {
	return slog.Any("status", s)
}

// Transition records a state change as "from" -> "to" under the key "transition".
func Transition(from, to any) slog.Attr {
	return Group("transition", slog.Any("from", from), slog.Any("to", to))
}

// RetryCount records the retry count under the key "retry_count".
func RetryCount(count int) slog.Attr {
	return slog.Int("retry_count", count)
}

// MaxRetries records the retry budget under the key "max_retries".
func MaxRetries(n int) slog.Attr {
	return slog.Int("max_retries", n)
}

// Duration records a duration under the key "duration".
func Duration(d any) slog.Attr {
	return slog.Any("duration", d)
}

// Count records a quantity under the key "count".
func Count(n int) slog.Attr {
	return slog.Int("count", n)
}

// Component records the component name under the key "component".
func Component(name string) slog.Attr {
	return slog.String("component", name)
}

// Reason records a human readable reason under the key "reason".
func Reason(reason string) slog.Attr {
	return slog.String("reason", reason)
}
