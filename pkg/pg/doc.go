// Package pg bootstraps PostgreSQL access on top of pgx/v5.
//
// Connect opens a *pgxpool.Pool from Config, retrying while the database
// comes up. Migrate runs goose migrations from an fs.FS (typically an
// embed.FS owned by the storage package) against the same pool. Healthcheck
// returns a ping closure and the Is* helpers classify pgx errors.
//
//	pool, err := pg.Connect(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer pool.Close()
//
//	if err := pg.Migrate(ctx, pool, pgstore.Migrations, "migrations", cfg, slog.Default()); err != nil {
//	    return err
//	}
package pg
