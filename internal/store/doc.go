// Package store implements vdc.Store backends.
//
// FileStore keeps the snapshot in one YAML file and replaces it atomically
// on every save. SQLiteStore keeps it in the tables created by the
// migrations package and replaces it in a single transaction. Both treat a
// missing snapshot as an empty registry.
//
// The backend is chosen once at startup with Open.
package store
