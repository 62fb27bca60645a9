package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/openfroyo/labforge/pkg/engine"
	"github.com/openfroyo/labforge/pkg/stores"
)

// ExportLab writes a self-contained archive of the lab into destDir, or into
// the archive directory when destDir is empty.
func (a *Archiver) ExportLab(ctx context.Context, labID, destDir string) (file *ArchiveFile, err error) {
	ctx, done := a.observe(ctx, "export", labID)
	defer func() {
		msg := ""
		if file != nil {
			msg = "Lab exported to " + file.Path
		}
		done(err, msg)
	}()

	lab, err := a.store.GetLab(ctx, labID)
	if err != nil {
		return nil, lookupError("lab", labID, err)
	}
	machines, err := a.store.ListMachines(ctx, lab.ID)
	if err != nil {
		return nil, err
	}
	snapshots, err := a.store.ListSnapshots(ctx, lab.ID)
	if err != nil {
		return nil, err
	}
	bundles, err := a.store.ListBundlesByIDs(ctx, referencedBundles(machines))
	if err != nil {
		return nil, err
	}

	if destDir == "" {
		destDir = a.dir
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}
	workDir := uniqueDir(filepath.Join(destDir, fmt.Sprintf("lab_%s_export_%s", lab.ID, a.timestamp())))
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}
	defer a.cleanup(workDir, &err)

	export := Export{
		Lab:           lab,
		Machines:      machines,
		Snapshots:     snapshots,
		CustomBundles: bundles,
		Metadata: ExportMetadata{
			ExportedAt: a.now().UTC(),
			Version:    ExportVersion,
		},
	}
	if err := writeJSON(filepath.Join(workDir, ExportManifest), export); err != nil {
		return nil, fmt.Errorf("failed to write export manifest: %w", err)
	}
	if err := a.exportWorkspaces(lab.ID, workDir); err != nil {
		return nil, err
	}

	return a.write(ctx, workDir)
}

// ImportLab creates a new stopped lab from an export archive. Custom bundles
// are matched by name: existing ones are reused untouched and missing ones
// are created. The lab is named newName, or <name>_imported_<ts>.
func (a *Archiver) ImportLab(ctx context.Context, archivePath, newName string) (lab *engine.Lab, err error) {
	ctx, done := a.observe(ctx, "import", "")
	defer func() {
		msg := ""
		if lab != nil {
			msg = "Lab imported as " + lab.Name
		}
		done(err, msg)
	}()

	if _, err := os.Stat(archivePath); err != nil {
		return nil, engine.NewArchiveIntegrityError("archive not found", err).WithResource(archivePath)
	}

	tmp, err := os.MkdirTemp(a.dir, "import-")
	if err != nil {
		return nil, fmt.Errorf("failed to create extraction directory: %w", err)
	}
	defer a.cleanup(tmp, &err)

	root, err := unpack(archivePath, tmp)
	if err != nil {
		return nil, err
	}
	var export Export
	if err := readManifest(root, ExportManifest, &export); err != nil {
		return nil, err
	}
	if export.Lab == nil {
		return nil, engine.NewArchiveIntegrityError("export has no lab", nil).WithResource(archivePath)
	}
	if v := export.Metadata.Version; v != "" && !strings.HasPrefix(v, "1.") {
		return nil, engine.NewArchiveIntegrityError(fmt.Sprintf("unsupported export version %q", v), nil).WithResource(archivePath)
	}
	if err := checkLayout(root); err != nil {
		return nil, err
	}

	name := newName
	if name == "" {
		name = fmt.Sprintf("%s_imported_%s", export.Lab.Name, a.timestamp())
	}
	lab = &engine.Lab{
		ID:             uuid.New().String(),
		Name:           name,
		Description:    "Imported lab: " + export.Lab.Description,
		Provider:       export.Lab.Provider,
		ProviderConfig: export.Lab.ProviderConfig,
		Status:         engine.LabStatusStopped,
	}

	remap := func(tx *sql.Tx) (map[string]string, error) {
		return a.importBundles(ctx, tx, export.CustomBundles)
	}
	if err := a.insertLab(ctx, lab, export.Machines, root, remap); err != nil {
		return nil, err
	}

	a.audit(ctx, stores.AuditLabImported, lab.ID, fmt.Sprintf("source_lab=%s archive=%s", export.Lab.ID, filepath.Base(archivePath)))
	return lab, nil
}

// importBundles maps each exported bundle id to the id of the bundle with the
// same name in this store, creating the ones that do not exist yet.
func (a *Archiver) importBundles(ctx context.Context, tx *sql.Tx, bundles []*engine.CustomTaskBundle) (map[string]string, error) {
	ids := make(map[string]string, len(bundles))
	for _, b := range bundles {
		existing, err := a.store.GetBundleByNameTx(ctx, tx, b.Name)
		switch {
		case err == nil:
			a.logger.Debug().Str("bundle", b.Name).Msg("Bundle exists, skipping")
			ids[b.ID] = existing.ID
			continue
		case !errors.Is(err, stores.ErrNotFound):
			return nil, err
		}

		created := &engine.CustomTaskBundle{
			ID:          uuid.New().String(),
			Name:        b.Name,
			Description: b.Description,
			Content:     b.Content,
			Tags:        b.Tags,
		}
		if err := a.store.CreateBundleTx(ctx, tx, created); err != nil {
			return nil, err
		}
		ids[b.ID] = created.ID
	}
	return ids, nil
}

func referencedBundles(machines []*engine.Machine) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, m := range machines {
		for _, id := range m.CustomBundles {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids
}
