package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/openfroyo/labforge/pkg/engine"
	"github.com/openfroyo/labforge/pkg/stores"
	"github.com/openfroyo/labforge/pkg/workspace"
)

// CreateSnapshot archives the lab definition and both workspaces and records
// the result as a snapshot of the lab.
func (a *Archiver) CreateSnapshot(ctx context.Context, labID, name, description string) (snap *engine.Snapshot, err error) {
	ctx, done := a.observe(ctx, "snapshot", labID)
	defer func() {
		msg := ""
		if snap != nil {
			msg = fmt.Sprintf("Snapshot %s created", snap.Name)
		}
		done(err, msg)
	}()

	if name == "" {
		return nil, engine.NewConfigurationError("snapshot name is required", nil)
	}

	lab, err := a.store.GetLab(ctx, labID)
	if err != nil {
		return nil, lookupError("lab", labID, err)
	}
	machines, err := a.store.ListMachines(ctx, lab.ID)
	if err != nil {
		return nil, err
	}

	createdAt := a.now().UTC()
	workDir := uniqueDir(filepath.Join(a.dir, fmt.Sprintf("lab_%s_snapshot_%s", lab.ID, a.timestamp())))
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	defer a.cleanup(workDir, &err)

	manifest := Manifest{
		Lab:      lab,
		Machines: machines,
		Snapshot: SnapshotMetadata{
			Name:        name,
			Description: description,
			CreatedAt:   createdAt,
			LabStatus:   lab.Status,
		},
	}
	if err := writeJSON(filepath.Join(workDir, SnapshotManifest), manifest); err != nil {
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := a.exportWorkspaces(lab.ID, workDir); err != nil {
		return nil, err
	}

	vmSnapshots, err := a.snapshotter.Snapshot(ctx, lab, machines)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot machines: %w", err)
	}
	if vmSnapshots == nil {
		vmSnapshots = []engine.VMSnapshotDescriptor{}
	}
	if err := writeJSON(filepath.Join(workDir, VMSnapshotsFile), vmSnapshots); err != nil {
		return nil, fmt.Errorf("failed to write VM snapshots: %w", err)
	}

	file, err := a.write(ctx, workDir)
	if err != nil {
		return nil, err
	}

	snap = &engine.Snapshot{
		ID:          uuid.New().String(),
		LabID:       lab.ID,
		Name:        name,
		Description: description,
		Data: engine.SnapshotData{
			ArchivePath: file.Path,
			Size:        file.Size,
			VMSnapshots: vmSnapshots,
			MirrorURI:   file.MirrorURI,
		},
		CreatedAt: createdAt,
	}
	if err := a.store.CreateSnapshot(ctx, snap); err != nil {
		return nil, err
	}

	a.audit(ctx, stores.AuditSnapshotCreated, snap.ID, fmt.Sprintf("lab=%s name=%s", lab.ID, name))
	return snap, nil
}

// RestoreSnapshot creates a new stopped lab from a snapshot. The new lab is
// named newName, or <name>_restored_<ts> when newName is empty.
func (a *Archiver) RestoreSnapshot(ctx context.Context, snapshotID, newName string) (lab *engine.Lab, err error) {
	snap, err := a.store.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, lookupError("snapshot", snapshotID, err)
	}

	ctx, done := a.observe(ctx, "restore", snap.LabID)
	defer func() {
		msg := ""
		if lab != nil {
			msg = fmt.Sprintf("Snapshot %s restored as %s", snap.Name, lab.Name)
		}
		done(err, msg)
	}()

	archivePath, err := a.locate(ctx, snap)
	if err != nil {
		return nil, err
	}

	tmp, err := os.MkdirTemp(a.dir, "restore-")
	if err != nil {
		return nil, fmt.Errorf("failed to create extraction directory: %w", err)
	}
	defer a.cleanup(tmp, &err)

	root, err := unpack(archivePath, tmp)
	if err != nil {
		return nil, err
	}
	var manifest Manifest
	if err := readManifest(root, SnapshotManifest, &manifest); err != nil {
		return nil, err
	}
	if manifest.Lab == nil {
		return nil, engine.NewArchiveIntegrityError("manifest has no lab", nil).WithResource(archivePath)
	}
	if err := checkLayout(root); err != nil {
		return nil, err
	}

	name := newName
	if name == "" {
		name = fmt.Sprintf("%s_restored_%s", manifest.Lab.Name, a.timestamp())
	}
	lab = &engine.Lab{
		ID:             uuid.New().String(),
		Name:           name,
		Description:    "Restored from snapshot: " + snap.Name,
		Provider:       manifest.Lab.Provider,
		ProviderConfig: manifest.Lab.ProviderConfig,
		Status:         engine.LabStatusStopped,
	}

	if err := a.insertLab(ctx, lab, manifest.Machines, root, nil); err != nil {
		return nil, err
	}

	a.audit(ctx, stores.AuditLabRestored, lab.ID, fmt.Sprintf("snapshot=%s source_lab=%s", snap.ID, snap.LabID))
	return lab, nil
}

// History lists the snapshots of a lab, newest first.
func (a *Archiver) History(ctx context.Context, labID string) ([]*engine.Snapshot, error) {
	if _, err := a.store.GetLab(ctx, labID); err != nil {
		return nil, lookupError("lab", labID, err)
	}
	return a.store.ListSnapshots(ctx, labID)
}

// DeleteSnapshot removes a snapshot's archive, its mirrored copy and its record.
func (a *Archiver) DeleteSnapshot(ctx context.Context, snapshotID string) (err error) {
	snap, err := a.store.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return lookupError("snapshot", snapshotID, err)
	}

	ctx, done := a.observe(ctx, "delete", snap.LabID)
	defer func() { done(err, fmt.Sprintf("Snapshot %s deleted", snap.Name)) }()

	return a.deleteSnapshot(ctx, snap)
}

func (a *Archiver) deleteSnapshot(ctx context.Context, snap *engine.Snapshot) error {
	if path := snap.Data.ArchivePath; path != "" {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove archive: %w", err)
		}
	}
	if a.mirror != nil && snap.Data.MirrorURI != "" {
		if err := a.mirror.Delete(ctx, a.mirror.Key(filepath.Base(snap.Data.ArchivePath))); err != nil {
			return err
		}
	}
	if err := a.store.DeleteSnapshot(ctx, snap.ID); err != nil {
		return err
	}

	a.audit(ctx, stores.AuditSnapshotDeleted, snap.ID, fmt.Sprintf("lab=%s name=%s", snap.LabID, snap.Name))
	return nil
}

// Prune deletes every snapshot of a lab beyond the newest keep and returns
// how many were removed. keep below one means DefaultRetention.
func (a *Archiver) Prune(ctx context.Context, labID string, keep int) (removed int, err error) {
	if keep < 1 {
		keep = DefaultRetention
	}

	snaps, err := a.History(ctx, labID)
	if err != nil {
		return 0, err
	}

	ctx, done := a.observe(ctx, "prune", labID)
	defer func() { done(err, fmt.Sprintf("Pruned %d snapshots", removed)) }()

	if len(snaps) <= keep {
		return 0, nil
	}
	var errs []error
	for _, snap := range snaps[keep:] {
		if err := a.deleteSnapshot(ctx, snap); err != nil {
			errs = append(errs, fmt.Errorf("snapshot %s: %w", snap.ID, err))
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// locate returns a local path for the snapshot archive, fetching it from the
// mirror when the local copy is gone.
func (a *Archiver) locate(ctx context.Context, snap *engine.Snapshot) (string, error) {
	path := snap.Data.ArchivePath
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if a.mirror == nil || snap.Data.MirrorURI == "" {
		return "", engine.NewArchiveIntegrityError("snapshot archive not found", nil).WithResource(path)
	}

	a.logger.Info().Str("snapshot_id", snap.ID).Str("uri", snap.Data.MirrorURI).Msg("Fetching snapshot archive from mirror")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := a.mirror.Download(ctx, a.mirror.Key(filepath.Base(path)), path); err != nil {
		_ = os.Remove(path)
		return "", engine.NewArchiveIntegrityError("snapshot archive not found", err).WithResource(path)
	}
	return path, nil
}

// write packs workDir and mirrors the archive when a mirror is configured.
func (a *Archiver) write(ctx context.Context, workDir string) (*ArchiveFile, error) {
	path, size, err := pack(workDir)
	if err != nil {
		return nil, err
	}
	file := &ArchiveFile{Path: path, Size: size}

	if a.mirror != nil {
		uri, err := a.mirror.Upload(ctx, a.mirror.Key(filepath.Base(path)), path)
		if err != nil {
			return nil, err
		}
		file.MirrorURI = uri
	}
	return file, nil
}

func (a *Archiver) exportWorkspaces(labID, dst string) error {
	for _, kind := range workspace.Kinds {
		if _, err := a.workspaces.Export(kind, labID, filepath.Join(dst, string(kind))); err != nil {
			return fmt.Errorf("failed to copy %s workspace: %w", kind, err)
		}
	}
	return nil
}

// checkLayout rejects an archive whose workspace entries are not directories.
func checkLayout(root string) error {
	for _, kind := range workspace.Kinds {
		info, err := os.Stat(filepath.Join(root, string(kind)))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return engine.NewArchiveIntegrityError(fmt.Sprintf("%s is not a directory", kind), nil)
		}
	}
	return nil
}

func (a *Archiver) importWorkspaces(root, labID string) error {
	for _, kind := range workspace.Kinds {
		src := filepath.Join(root, string(kind))
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue
		}
		if err := a.workspaces.Import(kind, labID, src); err != nil {
			return fmt.Errorf("failed to restore %s workspace: %w", kind, err)
		}
	}
	return nil
}

// insertLab creates lab and fresh copies of machines in one transaction and
// copies the archived workspaces into place before committing. When remap is
// set it runs first in the same transaction and its result rewrites custom
// bundle references. On failure the transaction is rolled back and any
// workspace already copied stays on disk.
func (a *Archiver) insertLab(ctx context.Context, lab *engine.Lab, machines []*engine.Machine, root string, remap func(*sql.Tx) (map[string]string, error)) error {
	tx, err := a.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = a.store.RollbackTx(tx)
			for _, kind := range workspace.Kinds {
				dir, err := a.workspaces.Path(kind, lab.ID)
				if err != nil {
					continue
				}
				if _, err := os.Stat(dir); err == nil {
					a.logger.Warn().Str("lab_id", lab.ID).Str("path", dir).Msg("Leaving partially restored workspace in place")
				}
			}
		}
	}()

	var bundleIDs map[string]string
	if remap != nil {
		if bundleIDs, err = remap(tx); err != nil {
			return err
		}
	}
	if err := a.store.CreateLabTx(ctx, tx, lab); err != nil {
		return err
	}
	for _, m := range machines {
		if err := a.store.CreateMachineTx(ctx, tx, cloneMachine(m, lab.ID, bundleIDs)); err != nil {
			return err
		}
	}
	if err := a.importWorkspaces(root, lab.ID); err != nil {
		return err
	}

	if err := a.store.CommitTx(tx); err != nil {
		return err
	}
	committed = true
	return nil
}

// cloneMachine copies a machine definition into labID with a fresh id, no
// address and stopped status.
func cloneMachine(m *engine.Machine, labID string, bundleIDs map[string]string) *engine.Machine {
	clone := &engine.Machine{
		ID:       uuid.New().String(),
		LabID:    labID,
		Name:     m.Name,
		OS:       m.OS,
		Sizing:   m.Sizing,
		Status:   engine.MachineStatusStopped,
		Role:     m.Role,
		Software: append([]string(nil), m.Software...),
		Position: m.Position,
	}
	for _, id := range m.CustomBundles {
		if bundleIDs != nil {
			mapped, ok := bundleIDs[id]
			if !ok {
				continue
			}
			id = mapped
		}
		clone.CustomBundles = append(clone.CustomBundles, id)
	}
	return clone
}
