// Package database opens the SQLite database used by the sqlite
// persistence backend and applies versioned schema migrations.
//
// Migrations are supplied as an fs.FS, normally the embedded FS of the
// top-level migrations package:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Every migration has an .up.sql file and may have a .down.sql file.
// Migrations are additive: new columns are nullable or carry a default so
// that older snapshots stay loadable.
package database
