// Package redis connects to Redis for the distributed notification lock and
// the in-app pub/sub transport.
//
// Connect retries the ping until the server answers or the attempts run out:
//
//	client, err := redis.Connect(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	lock := locker.NewRedisLocker(client)
//	inApp := channels.NewRedisInAppDeliverer(client)
//
// Config is populated from REDIS_* environment variables. Healthcheck wraps a
// ping for readiness probes.
package redis
