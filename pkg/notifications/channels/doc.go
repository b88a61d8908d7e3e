// Package channels provides notifications.Deliverer implementations for the
// built-in channels.
//
//   - EmailDeliverer sends through Postmark.
//   - ChatDeliverer posts JSON to a chat webhook, optionally signed with HMAC-SHA256.
//   - InAppDeliverer fans out to in-process subscribers.
//   - RedisInAppDeliverer publishes to Redis pub/sub for multi-process setups.
//   - KafkaDeliverer publishes to a Kafka topic on the "event" channel.
//   - SimulatedDeliverer fails at a configured rate for demos and load tests.
//
// Deliverers report failures that retrying cannot fix, such as a malformed
// address or a 4xx webhook response, joined with
// notifications.ErrPermanentDelivery. The processor dead-letters those
// immediately instead of spending the retry budget.
//
// # Usage
//
//	chat, err := channels.NewChatDeliverer(cfg.Chat)
//	if err != nil {
//		return err
//	}
//	inApp := channels.NewInAppDeliverer()
//
//	registry := notifications.NewRegistry().
//		MustRegister(notifications.ChannelChat, chat).
//		MustRegister(notifications.ChannelInApp, inApp)
//
//	msgs, unsubscribe := inApp.Subscribe("user-42")
//	defer unsubscribe()
package channels
