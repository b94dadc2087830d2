// Package store persists the devices the exporter knows about.
package store

import (
  "context"
  "database/sql"
  "fmt"
  "time"

  "github.com/robertof/go-bms-exporter/device"
  "github.com/rs/zerolog/log"
  _ "modernc.org/sqlite"
)

// fixed width so that timestamps sort lexicographically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// SQLite implements device.Store on top of a SQLite database.
type SQLite struct {
  db *sql.DB
}

var _ device.Store = (*SQLite)(nil)

// OpenSQLite opens (or creates) the database at path and migrates its schema.
func OpenSQLite(path string) (*SQLite, error) {
  db, err := sql.Open("sqlite", path)

  if err != nil {
    return nil, fmt.Errorf("open device db: %w", err)
  }

  if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
    db.Close()
    return nil, fmt.Errorf("set WAL mode: %w", err)
  }

  if err := migrate(db); err != nil {
    db.Close()
    return nil, fmt.Errorf("migrate device db: %w", err)
  }

  log.Debug().Str("Path", path).Msg("store: opened device database")

  return &SQLite{db: db}, nil
}

func migrate(db *sql.DB) error {
  _, err := db.Exec(`
    CREATE TABLE IF NOT EXISTS devices (
      id       TEXT PRIMARY KEY,
      name     TEXT NOT NULL DEFAULT '',
      added_at TEXT NOT NULL
    )
  `)

  return err
}

func (s *SQLite) Close() error {
  return s.db.Close()
}

func (s *SQLite) List(ctx context.Context) ([]device.Descriptor, error) {
  rows, err := s.db.QueryContext(ctx, "SELECT id, name FROM devices ORDER BY added_at, rowid")

  if err != nil {
    return nil, fmt.Errorf("list devices: %w", err)
  }

  defer rows.Close()

  var out []device.Descriptor

  for rows.Next() {
    var d device.Descriptor

    if err := rows.Scan(&d.ID, &d.Name); err != nil {
      return nil, fmt.Errorf("scan device: %w", err)
    }

    out = append(out, d)
  }

  return out, rows.Err()
}

// Add stores d. Adding an id that is already stored keeps the existing entry.
func (s *SQLite) Add(ctx context.Context, d device.Descriptor) error {
  d = device.NewDescriptor(d.ID, d.Name)

  if d.ID == "" {
    return fmt.Errorf("%w: empty device id", device.ErrInvalidData)
  }

  res, err := s.db.ExecContext(
    ctx,
    "INSERT OR IGNORE INTO devices (id, name, added_at) VALUES (?, ?, ?)",
    d.ID, d.Name, time.Now().UTC().Format(timeFormat),
  )

  if err != nil {
    return fmt.Errorf("add device %v: %w", d, err)
  }

  if n, _ := res.RowsAffected(); n > 0 {
    log.Info().Stringer("Device", d).Msg("store: saved new device")
  }

  return nil
}

func (s *SQLite) Remove(ctx context.Context, id string) error {
  res, err := s.db.ExecContext(ctx, "DELETE FROM devices WHERE id = ?", device.NormalizeID(id))

  if err != nil {
    return fmt.Errorf("remove device %q: %w", id, err)
  }

  if n, _ := res.RowsAffected(); n == 0 {
    return fmt.Errorf("%w: %q is not a saved device", device.ErrNotFound, id)
  }

  return nil
}

func (s *SQLite) Clear(ctx context.Context) error {
  if _, err := s.db.ExecContext(ctx, "DELETE FROM devices"); err != nil {
    return fmt.Errorf("clear devices: %w", err)
  }

  return nil
}
