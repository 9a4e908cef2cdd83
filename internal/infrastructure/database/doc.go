// Package database provides the SQLite store behind powerboxd.
//
// The database holds the controller's persisted settings (selected serial
// port, port names, trace flag) and the command audit trail. It is opened
// in WAL mode with a single connection, which matches SQLite's single
// writer model.
//
// Migrations are plain SQL files named YYYYMMDD_HHMMSS_description.up.sql
// with an optional matching .down.sql. They are passed in as an fs.FS so
// the binary embeds them while tests can supply their own:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Security Considerations:
//   - All queries use parameterised statements
//   - The database file is created with 0600 permissions
package database
