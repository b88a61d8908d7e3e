// Package logger builds slog loggers and keeps attribute naming consistent.
//
// New creates a *slog.Logger configured by Option functions: output format
// (text or json), minimum level, output writer and static attributes.
// WithEnvironment applies development, staging or production defaults.
//
// Helper constructors such as Error, NotificationID, Channel and RetryCount
// return slog.Attr values with fixed keys so records from the storage layer,
// the processor and the channel deliverers can be correlated.
//
// # Usage
//
//	log := logger.New(logger.WithEnvironment("production", "notifications"))
//	log.LogAttrs(ctx, slog.LevelInfo, "notification delivered",
//	    logger.NotificationID(n.ID),
//	    logger.Channel(n.Channel),
//	)
package logger
