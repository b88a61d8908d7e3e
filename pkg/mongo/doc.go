// Package mongo connects to MongoDB for the document notification store.
//
// Config is read from MONGODB_* environment variables. New retries the
// connect-and-ping sequence RetryAttempts times, waiting RetryInterval
// between attempts, and returns ErrFailedToConnectToMongo joined with the
// last driver error.
//
// # Usage
//
//	client, err := mongo.New(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer client.Disconnect(context.Background())
//
//	storage, err := mongostore.New(ctx, client.Database(cfg.Database))
//
// Healthcheck returns a probe function that pings the server.
package mongo
