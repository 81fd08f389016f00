// Package bunstore implements store.Archive using the Bun ORM with the
// PostgreSQL dialect. Each terminal request gets one summary row, upserted
// so a re-run finalization overwrites rather than duplicates.
//
// The caller owns the *bun.DB lifecycle; bunstore never closes it:
//
//	import (
//	    "github.com/uptrace/bun"
//	    "github.com/uptrace/bun/dialect/pgdialect"
//	    "github.com/uptrace/bun/driver/pgdriver"
//	    bunstore "github.com/xraph/haul/store/bun"
//	)
//
//	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
//	db := bun.NewDB(sqldb, pgdialect.New())
//	archive := bunstore.New(db)
//	archive.Migrate(ctx)
package bunstore
