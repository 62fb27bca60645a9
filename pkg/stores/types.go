package stores

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/openfroyo/labforge/pkg/engine"
)

// ErrNotFound is wrapped by every lookup that matches no row.
var ErrNotFound = errors.New("not found")

// Audit actions recorded by callers.
const (
	AuditLabCreated       = "lab.created"
	AuditLabUpdated       = "lab.updated"
	AuditLabDeleted       = "lab.deleted"
	AuditLabRestored      = "lab.restored"
	AuditLabImported      = "lab.imported"
	AuditLabStarted       = "lab.started"
	AuditLabStopped       = "lab.stopped"
	AuditLabRecovered     = "lab.recovered"
	AuditBundleCreated    = "bundle.created"
	AuditBundleUpdated    = "bundle.updated"
	AuditBundleDeleted    = "bundle.deleted"
	AuditSnapshotCreated  = "snapshot.created"
	AuditSnapshotDeleted  = "snapshot.deleted"
	AuditPipelineStarted  = "pipeline.started"
	AuditPipelineFinished = "pipeline.finished"
)

// AuditEntry represents an audit trail entry
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
	TargetID  *string   `json:"target_id,omitempty"`
	Details   *string   `json:"details,omitempty"` // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)
	CommitTx(tx *sql.Tx) error
	RollbackTx(tx *sql.Tx) error

	// Lab operations
	CreateLab(ctx context.Context, lab *engine.Lab, machines []*engine.Machine) error
	CreateLabTx(ctx context.Context, tx *sql.Tx, lab *engine.Lab) error
	GetLab(ctx context.Context, id string) (*engine.Lab, error)
	FindLab(ctx context.Context, idOrName string) (*engine.Lab, error)
	ListLabs(ctx context.Context) ([]*engine.Lab, error)
	UpdateLab(ctx context.Context, lab *engine.Lab) error
	UpdateLabStatus(ctx context.Context, id string, status engine.LabStatus) error
	DeleteLab(ctx context.Context, id string) error

	// Machine operations
	CreateMachineTx(ctx context.Context, tx *sql.Tx, machine *engine.Machine) error
	ReplaceMachines(ctx context.Context, labID string, machines []*engine.Machine) error
	ListMachines(ctx context.Context, labID string) ([]*engine.Machine, error)
	GetMachine(ctx context.Context, id string) (*engine.Machine, error)
	UpdateMachineAddress(ctx context.Context, id, address string, status engine.MachineStatus) error
	ResetMachines(ctx context.Context, labID string, status engine.MachineStatus) error

	// Custom bundle operations
	CreateBundle(ctx context.Context, bundle *engine.CustomTaskBundle) error
	CreateBundleTx(ctx context.Context, tx *sql.Tx, bundle *engine.CustomTaskBundle) error
	GetBundle(ctx context.Context, id string) (*engine.CustomTaskBundle, error)
	GetBundleByNameTx(ctx context.Context, tx *sql.Tx, name string) (*engine.CustomTaskBundle, error)
	FindBundle(ctx context.Context, idOrName string) (*engine.CustomTaskBundle, error)
	ListBundles(ctx context.Context) ([]*engine.CustomTaskBundle, error)
	ListBundlesByIDs(ctx context.Context, ids []string) ([]*engine.CustomTaskBundle, error)
	UpdateBundle(ctx context.Context, bundle *engine.CustomTaskBundle) error
	DeleteBundle(ctx context.Context, id string) error

	// Snapshot operations
	CreateSnapshot(ctx context.Context, snapshot *engine.Snapshot) error
	GetSnapshot(ctx context.Context, id string) (*engine.Snapshot, error)
	ListSnapshots(ctx context.Context, labID string) ([]*engine.Snapshot, error)
	DeleteSnapshot(ctx context.Context, id string) error

	// Deployment log operations
	CreateDeploymentLog(ctx context.Context, log *engine.DeploymentLog) error
	AppendDeploymentLog(ctx context.Context, id, line string) error
	FinishDeploymentLog(ctx context.Context, id string, status engine.LogStatus, line string) error
	GetDeploymentLog(ctx context.Context, id string) (*engine.DeploymentLog, error)
	ListDeploymentLogs(ctx context.Context, labID string, limit int) ([]*engine.DeploymentLog, error)

	// Audit operations
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, targetID *string, limit, offset int) ([]*AuditEntry, error)
}
