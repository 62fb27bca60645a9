// Package stores provides the persistence layer for labforge.
// It includes a SQLite-based store with WAL mode, embedded migrations,
// and CRUD operations for labs, machines, custom task bundles, snapshots,
// deployment logs and the audit trail.
package stores
