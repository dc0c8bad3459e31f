// Package database provides SQLite connectivity for the agent's device,
// group and command stores.
//
// This package manages:
//   - Connection setup with WAL mode and busy timeout
//   - Embedded schema migrations applied at startup
//   - Translation of driver failures: uniqueness violations are detected
//     with IsUniqueConstraintError, everything else is wrapped as ErrInternal
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    log.Fatal(err)
//	}
package database
