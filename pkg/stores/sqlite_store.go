package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/openfroyo/labforge/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: is a distinct database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database with WAL mode, foreign keys and a busy timeout.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// CommitTx commits a transaction
func (s *SQLiteStore) CommitTx(tx *sql.Tx) error {
	return tx.Commit()
}

// RollbackTx rolls back a transaction
func (s *SQLiteStore) RollbackTx(tx *sql.Tx) error {
	return tx.Rollback()
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %w: %s", kind, ErrNotFound, id)
}

func checkAffected(result sql.Result, kind, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return notFound(kind, id)
	}
	return nil
}

func encodeJSON(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func stamp(t *time.Time) time.Time {
	if t.IsZero() {
		*t = time.Now().UTC()
	} else {
		*t = t.UTC()
	}
	return *t
}

// Lab operations

const labColumns = `id, name, description, provider, provider_config, status, created_at, updated_at`

// CreateLab inserts a lab and its machines in one transaction.
func (s *SQLiteStore) CreateLab(ctx context.Context, lab *engine.Lab, machines []*engine.Machine) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := s.CreateLabTx(ctx, tx, lab); err != nil {
		_ = tx.Rollback()
		return err
	}
	for _, m := range machines {
		if err := s.CreateMachineTx(ctx, tx, m); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit lab: %w", err)
	}
	return nil
}

// CreateLabTx inserts a lab inside tx.
func (s *SQLiteStore) CreateLabTx(ctx context.Context, tx *sql.Tx, lab *engine.Lab) error {
	return createLab(ctx, tx, lab)
}

func createLab(ctx context.Context, q querier, lab *engine.Lab) error {
	cfg, err := encodeJSON(lab.ProviderConfig)
	if err != nil {
		return fmt.Errorf("failed to encode provider config: %w", err)
	}
	if lab.Status == "" {
		lab.Status = engine.LabStatusStopped
	}
	stamp(&lab.CreatedAt)
	stamp(&lab.UpdatedAt)

	_, err = q.ExecContext(ctx, `
		INSERT INTO labs (`+labColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		lab.ID,
		lab.Name,
		lab.Description,
		string(lab.Provider),
		cfg,
		string(lab.Status),
		lab.CreatedAt,
		lab.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create lab: %w", err)
	}
	return nil
}

func scanLab(row interface{ Scan(...interface{}) error }) (*engine.Lab, error) {
	lab := &engine.Lab{}
	var provider, status, cfg string
	if err := row.Scan(
		&lab.ID,
		&lab.Name,
		&lab.Description,
		&provider,
		&cfg,
		&status,
		&lab.CreatedAt,
		&lab.UpdatedAt,
	); err != nil {
		return nil, err
	}
	lab.Provider = engine.ProviderKind(provider)
	lab.Status = engine.LabStatus(status)
	if err := json.Unmarshal([]byte(cfg), &lab.ProviderConfig); err != nil {
		return nil, fmt.Errorf("failed to decode provider config: %w", err)
	}
	return lab, nil
}

// GetLab retrieves a lab by ID
func (s *SQLiteStore) GetLab(ctx context.Context, id string) (*engine.Lab, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+labColumns+` FROM labs WHERE id = ?`, id)
	lab, err := scanLab(row)
	if err == sql.ErrNoRows {
		return nil, notFound("lab", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lab: %w", err)
	}
	return lab, nil
}

// FindLab resolves a lab by id, falling back to the most recent lab with that name.
func (s *SQLiteStore) FindLab(ctx context.Context, idOrName string) (*engine.Lab, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+labColumns+`
		FROM labs
		WHERE id = ? OR name = ?
		ORDER BY (id = ?) DESC, created_at DESC
		LIMIT 1
	`, idOrName, idOrName, idOrName)
	lab, err := scanLab(row)
	if err == sql.ErrNoRows {
		return nil, notFound("lab", idOrName)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find lab: %w", err)
	}
	return lab, nil
}

// ListLabs lists all labs, oldest first.
func (s *SQLiteStore) ListLabs(ctx context.Context) ([]*engine.Lab, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+labColumns+` FROM labs ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list labs: %w", err)
	}
	defer rows.Close()

	labs := []*engine.Lab{}
	for rows.Next() {
		lab, err := scanLab(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lab: %w", err)
		}
		labs = append(labs, lab)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating labs: %w", err)
	}
	return labs, nil
}

// UpdateLab updates every mutable lab column.
func (s *SQLiteStore) UpdateLab(ctx context.Context, lab *engine.Lab) error {
	cfg, err := encodeJSON(lab.ProviderConfig)
	if err != nil {
		return fmt.Errorf("failed to encode provider config: %w", err)
	}
	lab.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE labs
		SET name = ?, description = ?, provider = ?, provider_config = ?, status = ?, updated_at = ?
		WHERE id = ?
	`,
		lab.Name,
		lab.Description,
		string(lab.Provider),
		cfg,
		string(lab.Status),
		lab.UpdatedAt,
		lab.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update lab: %w", err)
	}
	return checkAffected(result, "lab", lab.ID)
}

// UpdateLabStatus sets the lab status.
func (s *SQLiteStore) UpdateLabStatus(ctx context.Context, id string, status engine.LabStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE labs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update lab status: %w", err)
	}
	return checkAffected(result, "lab", id)
}

// DeleteLab deletes a lab; machines, snapshots and logs cascade.
func (s *SQLiteStore) DeleteLab(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM labs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete lab: %w", err)
	}
	return checkAffected(result, "lab", id)
}

// Machine operations

const machineColumns = `id, lab_id, name, os, cpu, ram_gb, storage_gb, ip_address, status, role, software, custom_bundles, position, created_at, updated_at`

// CreateMachineTx inserts a machine inside tx.
func (s *SQLiteStore) CreateMachineTx(ctx context.Context, tx *sql.Tx, machine *engine.Machine) error {
	return createMachine(ctx, tx, machine)
}

func createMachine(ctx context.Context, q querier, m *engine.Machine) error {
	software, err := encodeJSON(nonNil(m.Software))
	if err != nil {
		return fmt.Errorf("failed to encode software: %w", err)
	}
	bundles, err := encodeJSON(nonNil(m.CustomBundles))
	if err != nil {
		return fmt.Errorf("failed to encode custom bundles: %w", err)
	}
	if m.Status == "" {
		m.Status = engine.MachineStatusStopped
	}
	if m.Role == "" {
		m.Role = "default"
	}
	stamp(&m.CreatedAt)
	stamp(&m.UpdatedAt)

	_, err = q.ExecContext(ctx, `
		INSERT INTO machines (`+machineColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		m.ID,
		m.LabID,
		m.Name,
		m.OS,
		m.Sizing.CPU,
		m.Sizing.RAMGB,
		m.Sizing.StorageGB,
		m.IPAddress,
		string(m.Status),
		m.Role,
		software,
		bundles,
		m.Position,
		m.CreatedAt,
		m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create machine %s: %w", m.Name, err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func scanMachine(row interface{ Scan(...interface{}) error }) (*engine.Machine, error) {
	m := &engine.Machine{}
	var status, software, bundles string
	if err := row.Scan(
		&m.ID,
		&m.LabID,
		&m.Name,
		&m.OS,
		&m.Sizing.CPU,
		&m.Sizing.RAMGB,
		&m.Sizing.StorageGB,
		&m.IPAddress,
		&status,
		&m.Role,
		&software,
		&bundles,
		&m.Position,
		&m.CreatedAt,
		&m.UpdatedAt,
	); err != nil {
		return nil, err
	}
	m.Status = engine.MachineStatus(status)
	if err := json.Unmarshal([]byte(software), &m.Software); err != nil {
		return nil, fmt.Errorf("failed to decode software: %w", err)
	}
	if err := json.Unmarshal([]byte(bundles), &m.CustomBundles); err != nil {
		return nil, fmt.Errorf("failed to decode custom bundles: %w", err)
	}
	return m, nil
}

// ReplaceMachines deletes every machine of a lab and inserts machines in one transaction.
func (s *SQLiteStore) ReplaceMachines(ctx context.Context, labID string, machines []*engine.Machine) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM machines WHERE lab_id = ?`, labID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to delete machines: %w", err)
	}
	for _, m := range machines {
		m.LabID = labID
		if err := createMachine(ctx, tx, m); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit machines: %w", err)
	}
	return nil
}

// ListMachines lists a lab's machines in position order.
func (s *SQLiteStore) ListMachines(ctx context.Context, labID string) ([]*engine.Machine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+machineColumns+`
		FROM machines
		WHERE lab_id = ?
		ORDER BY position ASC, rowid ASC
	`, labID)
	if err != nil {
		return nil, fmt.Errorf("failed to list machines: %w", err)
	}
	defer rows.Close()

	machines := []*engine.Machine{}
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan machine: %w", err)
		}
		machines = append(machines, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating machines: %w", err)
	}
	return machines, nil
}

// GetMachine retrieves a machine by ID
func (s *SQLiteStore) GetMachine(ctx context.Context, id string) (*engine.Machine, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+machineColumns+` FROM machines WHERE id = ?`, id)
	m, err := scanMachine(row)
	if err == sql.ErrNoRows {
		return nil, notFound("machine", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get machine: %w", err)
	}
	return m, nil
}

// UpdateMachineAddress records a resolved address and status.
func (s *SQLiteStore) UpdateMachineAddress(ctx context.Context, id, address string, status engine.MachineStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE machines SET ip_address = ?, status = ?, updated_at = ? WHERE id = ?`,
		address, string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update machine address: %w", err)
	}
	return checkAffected(result, "machine", id)
}

// ResetMachines clears the addresses of a lab's machines and sets their status.
func (s *SQLiteStore) ResetMachines(ctx context.Context, labID string, status engine.MachineStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE machines SET ip_address = NULL, status = ?, updated_at = ? WHERE lab_id = ?`,
		string(status), time.Now().UTC(), labID,
	)
	if err != nil {
		return fmt.Errorf("failed to reset machines: %w", err)
	}
	return nil
}

// Custom bundle operations

const bundleColumns = `id, name, description, content, tags, created_at, updated_at`

// CreateBundle inserts a custom task bundle.
func (s *SQLiteStore) CreateBundle(ctx context.Context, bundle *engine.CustomTaskBundle) error {
	return createBundle(ctx, s.db, bundle)
}

// CreateBundleTx inserts a custom task bundle inside tx.
func (s *SQLiteStore) CreateBundleTx(ctx context.Context, tx *sql.Tx, bundle *engine.CustomTaskBundle) error {
	return createBundle(ctx, tx, bundle)
}

func createBundle(ctx context.Context, q querier, b *engine.CustomTaskBundle) error {
	tags, err := encodeJSON(nonNil(b.Tags))
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}
	stamp(&b.CreatedAt)
	stamp(&b.UpdatedAt)

	_, err = q.ExecContext(ctx, `
		INSERT INTO custom_bundles (`+bundleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		b.ID,
		b.Name,
		b.Description,
		b.Content,
		tags,
		b.CreatedAt,
		b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create bundle %s: %w", b.Name, err)
	}
	return nil
}

func scanBundle(row interface{ Scan(...interface{}) error }) (*engine.CustomTaskBundle, error) {
	b := &engine.CustomTaskBundle{}
	var tags string
	if err := row.Scan(
		&b.ID,
		&b.Name,
		&b.Description,
		&b.Content,
		&tags,
		&b.CreatedAt,
		&b.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &b.Tags); err != nil {
		return nil, fmt.Errorf("failed to decode tags: %w", err)
	}
	return b, nil
}

func queryBundles(ctx context.Context, q querier, query string, args ...interface{}) ([]*engine.CustomTaskBundle, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list bundles: %w", err)
	}
	defer rows.Close()

	bundles := []*engine.CustomTaskBundle{}
	for rows.Next() {
		b, err := scanBundle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bundle: %w", err)
		}
		bundles = append(bundles, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bundles: %w", err)
	}
	return bundles, nil
}

// GetBundle retrieves a bundle by ID
func (s *SQLiteStore) GetBundle(ctx context.Context, id string) (*engine.CustomTaskBundle, error) {
	b, err := scanBundle(s.db.QueryRowContext(ctx, `SELECT `+bundleColumns+` FROM custom_bundles WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, notFound("bundle", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bundle: %w", err)
	}
	return b, nil
}

// GetBundleByNameTx retrieves a bundle by its unique name inside tx.
func (s *SQLiteStore) GetBundleByNameTx(ctx context.Context, tx *sql.Tx, name string) (*engine.CustomTaskBundle, error) {
	b, err := scanBundle(tx.QueryRowContext(ctx, `SELECT `+bundleColumns+` FROM custom_bundles WHERE name = ?`, name))
	if err == sql.ErrNoRows {
		return nil, notFound("bundle", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bundle: %w", err)
	}
	return b, nil
}

// FindBundle resolves a bundle by id or name.
func (s *SQLiteStore) FindBundle(ctx context.Context, idOrName string) (*engine.CustomTaskBundle, error) {
	b, err := scanBundle(s.db.QueryRowContext(ctx,
		`SELECT `+bundleColumns+` FROM custom_bundles WHERE id = ? OR name = ? ORDER BY (id = ?) DESC LIMIT 1`,
		idOrName, idOrName, idOrName))
	if err == sql.ErrNoRows {
		return nil, notFound("bundle", idOrName)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find bundle: %w", err)
	}
	return b, nil
}

// ListBundles lists all bundles by name.
func (s *SQLiteStore) ListBundles(ctx context.Context) ([]*engine.CustomTaskBundle, error) {
	return queryBundles(ctx, s.db, `SELECT `+bundleColumns+` FROM custom_bundles ORDER BY name ASC`)
}

// ListBundlesByIDs returns the bundles whose id is in ids. Unknown ids are ignored.
func (s *SQLiteStore) ListBundlesByIDs(ctx context.Context, ids []string) ([]*engine.CustomTaskBundle, error) {
	if len(ids) == 0 {
		return []*engine.CustomTaskBundle{}, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return queryBundles(ctx, s.db,
		`SELECT `+bundleColumns+` FROM custom_bundles WHERE id IN (`+placeholders+`) ORDER BY name ASC`,
		args...)
}

// UpdateBundle updates a bundle's name, description, content and tags.
func (s *SQLiteStore) UpdateBundle(ctx context.Context, bundle *engine.CustomTaskBundle) error {
	tags, err := encodeJSON(nonNil(bundle.Tags))
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}
	bundle.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE custom_bundles
		SET name = ?, description = ?, content = ?, tags = ?, updated_at = ?
		WHERE id = ?
	`,
		bundle.Name,
		bundle.Description,
		bundle.Content,
		tags,
		bundle.UpdatedAt,
		bundle.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update bundle: %w", err)
	}
	return checkAffected(result, "bundle", bundle.ID)
}

// DeleteBundle deletes a bundle. Machines keep the dangling reference.
func (s *SQLiteStore) DeleteBundle(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM custom_bundles WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete bundle: %w", err)
	}
	return checkAffected(result, "bundle", id)
}

// Snapshot operations

const snapshotColumns = `id, lab_id, name, description, snapshot_data, created_at`

// CreateSnapshot inserts a snapshot record.
func (s *SQLiteStore) CreateSnapshot(ctx context.Context, snapshot *engine.Snapshot) error {
	data, err := encodeJSON(snapshot.Data)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot data: %w", err)
	}
	stamp(&snapshot.CreatedAt)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (`+snapshotColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		snapshot.ID,
		snapshot.LabID,
		snapshot.Name,
		snapshot.Description,
		data,
		snapshot.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create snapshot: %w", err)
	}
	return nil
}

func scanSnapshot(row interface{ Scan(...interface{}) error }) (*engine.Snapshot, error) {
	snap := &engine.Snapshot{}
	var data string
	if err := row.Scan(
		&snap.ID,
		&snap.LabID,
		&snap.Name,
		&snap.Description,
		&data,
		&snap.CreatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), &snap.Data); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot data: %w", err)
	}
	return snap, nil
}

// GetSnapshot retrieves a snapshot by ID
func (s *SQLiteStore) GetSnapshot(ctx context.Context, id string) (*engine.Snapshot, error) {
	snap, err := scanSnapshot(s.db.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM snapshots WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, notFound("snapshot", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return snap, nil
}

// ListSnapshots lists a lab's snapshots, newest first.
func (s *SQLiteStore) ListSnapshots(ctx context.Context, labID string) ([]*engine.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+snapshotColumns+`
		FROM snapshots
		WHERE lab_id = ?
		ORDER BY created_at DESC, rowid DESC
	`, labID)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	snaps := []*engine.Snapshot{}
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}
	return snaps, nil
}

// DeleteSnapshot deletes a snapshot record.
func (s *SQLiteStore) DeleteSnapshot(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return checkAffected(result, "snapshot", id)
}

// Deployment log operations

const logColumns = `id, lab_id, operation, status, log_output, started_at, completed_at`

// CreateDeploymentLog inserts a deployment log.
func (s *SQLiteStore) CreateDeploymentLog(ctx context.Context, log *engine.DeploymentLog) error {
	if log.Status == "" {
		log.Status = engine.LogStatusRunning
	}
	stamp(&log.StartedAt)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deployment_logs (`+logColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		log.ID,
		log.LabID,
		string(log.Operation),
		string(log.Status),
		log.Body,
		log.StartedAt,
		log.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create deployment log: %w", err)
	}
	return nil
}

// AppendDeploymentLog appends one line to the log body.
func (s *SQLiteStore) AppendDeploymentLog(ctx context.Context, id, line string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE deployment_logs SET log_output = log_output || ? WHERE id = ?`,
		line+"\n", id,
	)
	if err != nil {
		return fmt.Errorf("failed to append deployment log: %w", err)
	}
	return checkAffected(result, "deployment log", id)
}

// FinishDeploymentLog appends a final line, sets the terminal status and the completion time.
func (s *SQLiteStore) FinishDeploymentLog(ctx context.Context, id string, status engine.LogStatus, line string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("status %s is not terminal", status)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE deployment_logs
		SET status = ?, log_output = log_output || ?, completed_at = ?
		WHERE id = ?
	`, string(status), line+"\n", time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to finish deployment log: %w", err)
	}
	return checkAffected(result, "deployment log", id)
}

func scanLog(row interface{ Scan(...interface{}) error }) (*engine.DeploymentLog, error) {
	log := &engine.DeploymentLog{}
	var op, status string
	if err := row.Scan(
		&log.ID,
		&log.LabID,
		&op,
		&status,
		&log.Body,
		&log.StartedAt,
		&log.CompletedAt,
	); err != nil {
		return nil, err
	}
	log.Operation = engine.Operation(op)
	log.Status = engine.LogStatus(status)
	return log, nil
}

// GetDeploymentLog retrieves a deployment log by ID
func (s *SQLiteStore) GetDeploymentLog(ctx context.Context, id string) (*engine.DeploymentLog, error) {
	log, err := scanLog(s.db.QueryRowContext(ctx, `SELECT `+logColumns+` FROM deployment_logs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, notFound("deployment log", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment log: %w", err)
	}
	return log, nil
}

// ListDeploymentLogs lists a lab's logs, newest first. A limit of zero means no limit.
func (s *SQLiteStore) ListDeploymentLogs(ctx context.Context, labID string, limit int) ([]*engine.DeploymentLog, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+logColumns+`
		FROM deployment_logs
		WHERE lab_id = ?
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`, labID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployment logs: %w", err)
	}
	defer rows.Close()

	logs := []*engine.DeploymentLog{}
	for rows.Next() {
		log, err := scanLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deployment log: %w", err)
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deployment logs: %w", err)
	}
	return logs, nil
}

// Audit operations

// CreateAuditEntry creates a new audit log entry
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	stamp(&entry.Timestamp)

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO audit (action, actor, target_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`,
		entry.Action,
		entry.Actor,
		entry.TargetID,
		entry.Details,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}
	entry.ID = id
	return nil
}

// ListAuditEntries lists audit entries with optional filters and pagination
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, action *string, targetID *string, limit, offset int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action, actor, target_id, details, timestamp
		FROM audit
		WHERE (? IS NULL OR action = ?)
		  AND (? IS NULL OR target_id = ?)
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`, action, action, targetID, targetID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		if err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.Actor,
			&entry.TargetID,
			&entry.Details,
			&entry.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}
	return entries, nil
}
