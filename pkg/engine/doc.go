// Package engine assembles a ready-to-run notification service from
// configuration.
//
// New picks the storage backend (memory, PostgreSQL or MongoDB), the lock
// backend (memory or Redis), and the channel deliverers. Migrations for
// PostgreSQL are applied on startup. With NOTIFY_SIMULATE every built-in
// channel is replaced by a simulated deliverer, which is handy for demos.
//
//	cfg, err := engine.LoadConfig()
//	if err != nil {
//		return err
//	}
//	e, err := engine.New(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer e.Close()
//
//	go e.Run(ctx)
//	n, err := e.Service.Send(ctx, notifications.SendParams{...})
package engine
