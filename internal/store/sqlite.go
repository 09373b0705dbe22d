package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/dsuid"
	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/infrastructure/database"
	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/vdc"
	"github.com/KarlKiel/ha-digitalstrom-vdc/migrations"
)

// SQLiteStore persists snapshots in SQLite.
//
// Save replaces every row in one transaction, so readers and crashes see
// either the previous or the new snapshot. Rows that fail to decode are
// skipped and logged rather than failing the whole load.
type SQLiteStore struct {
	db     *database.DB
	logger vdc.Logger
}

// NewSQLiteStore applies pending migrations to db and returns a store on it.
// The caller keeps ownership of db.
func NewSQLiteStore(ctx context.Context, db *database.DB) (*SQLiteStore, error) {
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	return &SQLiteStore{db: db, logger: noopLogger{}}, nil
}

// SetLogger sets the logger used to report skipped rows.
func (s *SQLiteStore) SetLogger(logger vdc.Logger) {
	s.logger = logger
}

// Check runs a trivial query and verifies the schema is current.
func (s *SQLiteStore) Check(ctx context.Context) error {
	if err := s.db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	_, pending, err := s.db.MigrationStatus(ctx, migrations.FS)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if len(pending) > 0 {
		return fmt.Errorf("%w: %d migrations pending, first %s", ErrUnavailable, len(pending), pending[0].Version)
	}
	return nil
}

// Load reads the snapshot. An empty database yields an empty snapshot.
func (s *SQLiteStore) Load(ctx context.Context) (vdc.Snapshot, error) {
	var snap vdc.Snapshot

	var hostID string
	err := s.db.QueryRowContext(ctx,
		"SELECT dsuid, mac, vendor_id, version FROM vdc_host WHERE id = 1",
	).Scan(&hostID, &snap.Host.MAC, &snap.Host.VendorID, &snap.Version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return vdc.Snapshot{}, fmt.Errorf("reading host: %w", err)
	default:
		if id, perr := dsuid.Parse(hostID); perr == nil {
			snap.Host.Dsuid = id
		}
	}

	containers, err := s.loadContainers(ctx)
	if err != nil {
		return vdc.Snapshot{}, err
	}
	devices, err := s.loadDevices(ctx)
	if err != nil {
		return vdc.Snapshot{}, err
	}
	snap.Containers = containers
	snap.Devices = devices
	return snap, nil
}

func (s *SQLiteStore) loadContainers(ctx context.Context) ([]vdc.Container, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT dsuid, name, model, model_uid, model_version, implementation_id, created_at
		FROM vdc_containers ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("querying containers: %w", err)
	}
	defer rows.Close()

	var out []vdc.Container
	for rows.Next() {
		var c vdc.Container
		var id, created string
		if err := rows.Scan(&id, &c.Name, &c.Model, &c.ModelUID, &c.ModelVersion, &c.ImplementationID, &created); err != nil {
			return nil, fmt.Errorf("scanning container: %w", err)
		}
		if c.Dsuid, err = dsuid.Parse(id); err != nil {
			s.logger.Warn("skipping stored vdc", "dsuid", id, "error", err)
			continue
		}
		c.CreatedAt = parseTime(created)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating containers: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) loadDevices(ctx context.Context) ([]vdc.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.dsuid, d.container_dsuid, d.name, d.unique_id, d.sub_device_index, d.properties, d.created_at
		FROM vdc_devices d
		JOIN vdc_containers c ON c.dsuid = d.container_dsuid
		ORDER BY c.position, d.position`)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var out []vdc.Device
	for rows.Next() {
		var d vdc.Device
		var id, container, props, created string
		if err := rows.Scan(&id, &container, &d.Name, &d.UniqueID, &d.SubDeviceIndex, &props, &created); err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		if d.Dsuid, err = dsuid.Parse(id); err != nil {
			s.logger.Warn("skipping stored device", "dsuid", id, "error", err)
			continue
		}
		if d.Container, err = dsuid.Parse(container); err != nil {
			s.logger.Warn("skipping stored device", "dsuid", id, "error", err)
			continue
		}
		if props != "" && props != "{}" {
			if err := json.Unmarshal([]byte(props), &d.Properties); err != nil {
				s.logger.Warn("skipping stored device", "dsuid", id, "error", err)
				continue
			}
		}
		d.CreatedAt = parseTime(created)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return out, nil
}

// Save replaces the stored snapshot with snap.
func (s *SQLiteStore) Save(ctx context.Context, snap vdc.Snapshot) error {
	return s.db.InTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range []string{
			"DELETE FROM vdc_devices",
			"DELETE FROM vdc_containers",
			"DELETE FROM vdc_host",
		} {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("clearing snapshot: %w", err)
			}
		}

		version := snap.Version
		if version == 0 {
			version = vdc.SnapshotVersion
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO vdc_host (id, dsuid, mac, vendor_id, version, updated_at) VALUES (1, ?, ?, ?, ?, ?)",
			snap.Host.Dsuid.String(), snap.Host.MAC, snap.Host.VendorID, version, formatTime(time.Now()),
		); err != nil {
			return fmt.Errorf("writing host: %w", err)
		}

		for i, c := range snap.Containers {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO vdc_containers
					(dsuid, position, name, model, model_uid, model_version, implementation_id, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				c.Dsuid.String(), i, c.Name, c.Model, c.ModelUID, c.ModelVersion, c.ImplementationID, formatTime(c.CreatedAt),
			); err != nil {
				return fmt.Errorf("writing vdc %s: %w", c.Dsuid, err)
			}
		}

		for i, d := range snap.Devices {
			props := []byte("{}")
			if len(d.Properties) > 0 {
				var err error
				if props, err = json.Marshal(d.Properties); err != nil {
					return fmt.Errorf("encoding properties of %s: %w", d.Dsuid, err)
				}
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO vdc_devices
					(dsuid, position, container_dsuid, name, unique_id, sub_device_index, properties, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				d.Dsuid.String(), i, d.Container.String(), d.Name, d.UniqueID, int64(d.SubDeviceIndex), string(props), formatTime(d.CreatedAt),
			); err != nil {
				return fmt.Errorf("writing device %s: %w", d.Dsuid, err)
			}
		}
		return nil
	})
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s) //nolint:errcheck // Format is controlled
	return t
}
