// Package archive captures labs into portable gzip tarballs and restores them.
//
// Snapshots are point-in-time archives recorded in the store and bound to
// their lab. Exports are self-contained archives that carry the custom task
// bundles the lab references and can be imported into another installation.
// Every archive holds exactly one top-level directory with a JSON manifest
// and optional provisioning/ and config-management/ workspace copies.
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/openfroyo/labforge/pkg/engine"
	"github.com/openfroyo/labforge/pkg/stores"
	"github.com/openfroyo/labforge/pkg/telemetry"
	"github.com/openfroyo/labforge/pkg/workspace"
	"github.com/rs/zerolog"
)

// Archive member names.
const (
	SnapshotManifest = "manifest.json"
	ExportManifest   = "lab_export.json"
	VMSnapshotsFile  = "vm_snapshots.json"

	// ExportVersion is written into export_metadata.version.
	ExportVersion = "1.0"

	// DefaultRetention is the number of snapshots Prune keeps when keep is not positive.
	DefaultRetention = 10

	timestampLayout = "20060102_150405"
)

// Workspaces copies lab workspaces in and out of archives.
type Workspaces interface {
	Export(kind workspace.Kind, labID, dst string) (bool, error)
	Import(kind workspace.Kind, labID, src string) error
	Path(kind workspace.Kind, labID string) (string, error)
}

// Mirror keeps an off-host copy of archives. *objectstore.Client implements it.
type Mirror interface {
	Key(name string) string
	Upload(ctx context.Context, key, src string) (string, error)
	Download(ctx context.Context, key, dst string) error
	Delete(ctx context.Context, key string) error
}

// VMSnapshotter captures hypervisor or cloud snapshots of a lab's machines.
type VMSnapshotter interface {
	Snapshot(ctx context.Context, lab *engine.Lab, machines []*engine.Machine) ([]engine.VMSnapshotDescriptor, error)
}

// NoopSnapshotter records no VM snapshots.
type NoopSnapshotter struct{}

// Snapshot returns an empty descriptor list.
func (NoopSnapshotter) Snapshot(context.Context, *engine.Lab, []*engine.Machine) ([]engine.VMSnapshotDescriptor, error) {
	return []engine.VMSnapshotDescriptor{}, nil
}

// Archiver creates, restores, exports, imports and prunes lab archives.
type Archiver struct {
	store       stores.Store
	workspaces  Workspaces
	dir         string
	snapshotter VMSnapshotter
	mirror      Mirror
	tel         *telemetry.Telemetry
	logger      zerolog.Logger
	now         func() time.Time
}

// Option configures an Archiver.
type Option func(*Archiver)

// WithSnapshotter sets the VM snapshotter.
func WithSnapshotter(s VMSnapshotter) Option {
	return func(a *Archiver) { a.snapshotter = s }
}

// WithMirror uploads every archive to m.
func WithMirror(m Mirror) Option {
	return func(a *Archiver) { a.mirror = m }
}

// WithTelemetry records archive metrics, spans and events.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(a *Archiver) { a.tel = t }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(a *Archiver) { a.logger = l }
}

// WithClock overrides the time source used for names and timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *Archiver) { a.now = now }
}

// New creates an archiver writing archives under dir.
func New(store stores.Store, workspaces Workspaces, dir string, opts ...Option) (*Archiver, error) {
	if dir == "" {
		return nil, fmt.Errorf("archive directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	a := &Archiver{
		store:       store,
		workspaces:  workspaces,
		dir:         dir,
		snapshotter: NoopSnapshotter{},
		logger:      zerolog.Nop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.tel == nil {
		a.tel = telemetry.Nop()
	}
	a.logger = a.logger.With().Str("component", "archive").Logger()

	return a, nil
}

// Dir returns the directory archives are written to.
func (a *Archiver) Dir() string {
	return a.dir
}

// SnapshotMetadata describes the snapshot inside its manifest.
type SnapshotMetadata struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	CreatedAt   time.Time        `json:"created_at"`
	LabStatus   engine.LabStatus `json:"lab_status"`
}

// Manifest is the manifest.json of a snapshot archive.
type Manifest struct {
	Lab      *engine.Lab       `json:"lab"`
	Machines []*engine.Machine `json:"machines"`
	Snapshot SnapshotMetadata  `json:"snapshot_metadata"`
}

// ExportMetadata stamps an export archive.
type ExportMetadata struct {
	ExportedAt time.Time `json:"exported_at"`
	Version    string    `json:"version"`
}

// Export is the lab_export.json of an export archive.
type Export struct {
	Lab           *engine.Lab                `json:"lab"`
	Machines      []*engine.Machine          `json:"machines"`
	Snapshots     []*engine.Snapshot         `json:"snapshots"`
	CustomBundles []*engine.CustomTaskBundle `json:"custom_bundles,omitempty"`
	Metadata      ExportMetadata             `json:"export_metadata"`
}

// ArchiveFile is a written archive.
type ArchiveFile struct {
	Path      string `json:"path"`
	Size      int64  `json:"size"`
	MirrorURI string `json:"mirror_uri,omitempty"`
}

// observe opens a span for one archive operation and returns a function
// recording its outcome.
func (a *Archiver) observe(ctx context.Context, op, labID string) (context.Context, func(err error, message string)) {
	ctx, span := a.tel.Tracer.StartArchiveSpan(ctx, op, labID)
	return ctx, func(err error, message string) {
		defer span.End()
		if err != nil {
			telemetry.RecordError(span, err)
			a.tel.Metrics.RecordArchiveOperation(op, "failure")
			a.logger.Error().Err(err).Str("operation", op).Str("lab_id", labID).Msg("Archive operation failed")
			return
		}
		telemetry.RecordSuccess(span)
		a.tel.Metrics.RecordArchiveOperation(op, "success")
		_ = a.tel.Events.PublishArchive(op, labID, message)
		a.logger.Info().Str("operation", op).Str("lab_id", labID).Msg(message)
	}
}

func (a *Archiver) audit(ctx context.Context, action, targetID, details string) {
	entry := &stores.AuditEntry{
		Action:   action,
		Actor:    "archive",
		TargetID: &targetID,
		Details:  &details,
	}
	if err := a.store.CreateAuditEntry(ctx, entry); err != nil {
		a.logger.Warn().Err(err).Str("action", action).Msg("Failed to write audit entry")
	}
}

// cleanup removes a working directory once the operation has succeeded. After
// a failure the directory is kept for inspection.
func (a *Archiver) cleanup(dir string, err *error) {
	if *err != nil {
		a.logger.Warn().Str("path", dir).Msg("Leaving working directory in place after failure")
		return
	}
	if rmErr := os.RemoveAll(dir); rmErr != nil {
		a.logger.Warn().Err(rmErr).Str("path", dir).Msg("Failed to remove working directory")
	}
}

func (a *Archiver) timestamp() string {
	return a.now().Format(timestampLayout)
}

// lookupError converts a store miss into a reference error.
func lookupError(kind, id string, err error) error {
	if errors.Is(err, stores.ErrNotFound) {
		return engine.NewReferenceError(kind+" not found", err).WithResource(id)
	}
	return err
}

// uniqueDir returns base, or base with a numeric suffix when base is taken.
func uniqueDir(base string) string {
	candidate := base
	for i := 1; ; i++ {
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			if _, err := os.Stat(candidate + ".tar.gz"); os.IsNotExist(err) {
				return candidate
			}
		}
		candidate = fmt.Sprintf("%s_%d", base, i)
	}
}
