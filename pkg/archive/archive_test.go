package archive

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/openfroyo/labforge/pkg/engine"
	"github.com/openfroyo/labforge/pkg/stores"
	"github.com/openfroyo/labforge/pkg/workspace"
	"github.com/rs/zerolog"
)

type fixture struct {
	archiver   *Archiver
	store      *stores.SQLiteStore
	workspaces *workspace.Manager
	clock      *clock
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// memoryMirror keeps uploaded archives in a local directory.
type memoryMirror struct {
	mu      sync.Mutex
	dir     string
	deleted []string
}

func (m *memoryMirror) Key(name string) string { return "labs/" + name }

func (m *memoryMirror) Upload(_ context.Context, key, src string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, err := os.ReadFile(src)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(m.dir, filepath.Base(key)), data, 0o600); err != nil {
		return "", err
	}
	return "mem://" + key, nil
}

func (m *memoryMirror) Download(_ context.Context, key, dst string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, err := os.ReadFile(filepath.Join(m.dir, filepath.Base(key)))
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o600)
}

func (m *memoryMirror) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, key)
	return os.Remove(filepath.Join(m.dir, filepath.Base(key)))
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := stores.NewSQLiteStore(stores.Config{Path: filepath.Join(t.TempDir(), "labforge.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to init store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ws, err := workspace.NewManager(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create workspaces: %v", err)
	}

	clk := &clock{t: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clk.now)}, opts...)
	a, err := New(store, ws, filepath.Join(t.TempDir(), "archives"), opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	return &fixture{archiver: a, store: store, workspaces: ws, clock: clk}
}

func (f *fixture) seedLab(t *testing.T, bundleIDs ...string) *engine.Lab {
	t.Helper()
	ctx := context.Background()

	addr := "10.0.0.1"
	lab := &engine.Lab{
		ID:             "lab-1",
		Name:           "webstack",
		Description:    "three tier",
		Provider:       engine.ProviderVPS,
		ProviderConfig: map[string]string{"region": "fra1"},
		Status:         engine.LabStatusRunning,
	}
	machines := []*engine.Machine{
		{
			ID: "m1", LabID: lab.ID, Name: "web", OS: "ubuntu-22.04",
			Sizing:    engine.Sizing{CPU: 2, RAMGB: 4, StorageGB: 20},
			IPAddress: &addr, Status: engine.MachineStatusRunning,
			Role: "frontend", Software: []string{"nginx", "nodejs"},
			CustomBundles: bundleIDs, Position: 0,
		},
		{
			ID: "m2", LabID: lab.ID, Name: "db", OS: "debian-12",
			Sizing: engine.Sizing{CPU: 4, RAMGB: 16, StorageGB: 100},
			Role:   "database", Software: []string{"postgresql"}, Position: 1,
		},
	}
	if err := f.store.CreateLab(ctx, lab, machines); err != nil {
		t.Fatalf("failed to seed lab: %v", err)
	}

	dir, err := f.workspaces.Ensure(workspace.KindProvisioning, lab.ID)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "terraform.tfstate"), []byte(`{"version":4}`), 0o600); err != nil {
		t.Fatal(err)
	}
	return lab
}

func (f *fixture) createBundle(t *testing.T, id, name, content string) {
	t.Helper()
	b := &engine.CustomTaskBundle{ID: id, Name: name, Content: content, Tags: []string{"test"}}
	if err := f.store.CreateBundle(context.Background(), b); err != nil {
		t.Fatalf("failed to create bundle: %v", err)
	}
}

type machineShape struct {
	Name     string
	OS       string
	Sizing   engine.Sizing
	Role     string
	Software []string
	Position int
}

func shapes(machines []*engine.Machine) []machineShape {
	out := make([]machineShape, 0, len(machines))
	for _, m := range machines {
		out = append(out, machineShape{m.Name, m.OS, m.Sizing, m.Role, m.Software, m.Position})
	}
	return out
}

func TestSnapshotRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lab := f.seedLab(t)
	original, _ := f.store.ListMachines(ctx, lab.ID)

	snap, err := f.archiver.CreateSnapshot(ctx, lab.ID, "before-upgrade", "pre change")
	if err != nil {
		t.Fatalf("CreateSnapshot() error = %v", err)
	}

	want := filepath.Join(f.archiver.Dir(), "lab_lab-1_snapshot_20260314_093000.tar.gz")
	if snap.Data.ArchivePath != want {
		t.Errorf("ArchivePath = %s, want %s", snap.Data.ArchivePath, want)
	}
	info, err := os.Stat(want)
	if err != nil {
		t.Fatalf("archive missing: %v", err)
	}
	if snap.Data.Size != info.Size() {
		t.Errorf("Size = %d, want %d", snap.Data.Size, info.Size())
	}
	if _, err := os.Stat(strings.TrimSuffix(want, ".tar.gz")); !os.IsNotExist(err) {
		t.Error("working directory was not removed")
	}
	if snap.Data.VMSnapshots == nil || len(snap.Data.VMSnapshots) != 0 {
		t.Errorf("VMSnapshots = %v, want empty", snap.Data.VMSnapshots)
	}

	restored, err := f.archiver.RestoreSnapshot(ctx, snap.ID, "")
	if err != nil {
		t.Fatalf("RestoreSnapshot() error = %v", err)
	}
	if restored.ID == lab.ID {
		t.Error("restored lab reused the source id")
	}
	if restored.Name != "webstack_restored_20260314_093000" {
		t.Errorf("Name = %s", restored.Name)
	}
	if restored.Description != "Restored from snapshot: before-upgrade" {
		t.Errorf("Description = %s", restored.Description)
	}

	stored, err := f.store.GetLab(ctx, restored.ID)
	if err != nil {
		t.Fatalf("GetLab() error = %v", err)
	}
	if stored.Status != engine.LabStatusStopped {
		t.Errorf("Status = %s, want stopped", stored.Status)
	}
	if !reflect.DeepEqual(stored.ProviderConfig, lab.ProviderConfig) {
		t.Errorf("ProviderConfig = %v", stored.ProviderConfig)
	}

	machines, err := f.store.ListMachines(ctx, restored.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(shapes(machines), shapes(original)) {
		t.Errorf("machines = %+v, want %+v", shapes(machines), shapes(original))
	}
	for _, m := range machines {
		if m.ID == "m1" || m.ID == "m2" {
			t.Errorf("machine %s kept its source id", m.Name)
		}
		if m.Status != engine.MachineStatusStopped || m.IPAddress != nil {
			t.Errorf("machine %s status = %s ip = %v", m.Name, m.Status, m.IPAddress)
		}
	}

	dir, _ := f.workspaces.Path(workspace.KindProvisioning, restored.ID)
	if data, err := os.ReadFile(filepath.Join(dir, "terraform.tfstate")); err != nil || string(data) != `{"version":4}` {
		t.Errorf("restored workspace = %q, %v", data, err)
	}
	if f.workspaces.Exists(workspace.KindConfigManagement, restored.ID) {
		t.Error("config-management workspace created from nothing")
	}

	entries, _ := f.store.ListAuditEntries(ctx, nil, nil, 10, 0)
	actions := map[string]bool{}
	for _, e := range entries {
		actions[e.Action] = true
	}
	if !actions[stores.AuditSnapshotCreated] || !actions[stores.AuditLabRestored] {
		t.Errorf("audit actions = %v", actions)
	}
}

func TestRestoreWithExplicitName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lab := f.seedLab(t)

	snap, err := f.archiver.CreateSnapshot(ctx, lab.ID, "s1", "")
	if err != nil {
		t.Fatal(err)
	}
	restored, err := f.archiver.RestoreSnapshot(ctx, snap.ID, "staging")
	if err != nil {
		t.Fatalf("RestoreSnapshot() error = %v", err)
	}
	if restored.Name != "staging" {
		t.Errorf("Name = %s, want staging", restored.Name)
	}
}

func TestRestoreMissingArchive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lab := f.seedLab(t)

	snap, err := f.archiver.CreateSnapshot(ctx, lab.ID, "s1", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(snap.Data.ArchivePath); err != nil {
		t.Fatal(err)
	}

	_, err = f.archiver.RestoreSnapshot(ctx, snap.ID, "")
	if !engine.IsArchiveIntegrity(err) {
		t.Fatalf("RestoreSnapshot() error = %v, want archive integrity", err)
	}
	labs, _ := f.store.ListLabs(ctx)
	if len(labs) != 1 {
		t.Errorf("labs = %d, want 1", len(labs))
	}
}

func TestRestoreFetchesFromMirror(t *testing.T) {
	mirror := &memoryMirror{dir: t.TempDir()}
	f := newFixture(t, WithMirror(mirror))
	ctx := context.Background()
	lab := f.seedLab(t)

	snap, err := f.archiver.CreateSnapshot(ctx, lab.ID, "s1", "")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Data.MirrorURI != "mem://labs/lab_lab-1_snapshot_20260314_093000.tar.gz" {
		t.Errorf("MirrorURI = %s", snap.Data.MirrorURI)
	}
	if err := os.Remove(snap.Data.ArchivePath); err != nil {
		t.Fatal(err)
	}

	if _, err := f.archiver.RestoreSnapshot(ctx, snap.ID, "from-mirror"); err != nil {
		t.Fatalf("RestoreSnapshot() error = %v", err)
	}

	if err := f.archiver.DeleteSnapshot(ctx, snap.ID); err != nil {
		t.Fatalf("DeleteSnapshot() error = %v", err)
	}
	if len(mirror.deleted) != 1 || mirror.deleted[0] != "labs/lab_lab-1_snapshot_20260314_093000.tar.gz" {
		t.Errorf("mirror deletes = %v", mirror.deleted)
	}
}

func TestCreateSnapshotUnknownLab(t *testing.T) {
	f := newFixture(t)

	_, err := f.archiver.CreateSnapshot(context.Background(), "missing", "s1", "")
	if !engine.IsReference(err) {
		t.Errorf("CreateSnapshot() error = %v, want reference error", err)
	}
}

type fixedSnapshotter struct{}

func (fixedSnapshotter) Snapshot(_ context.Context, _ *engine.Lab, machines []*engine.Machine) ([]engine.VMSnapshotDescriptor, error) {
	var out []engine.VMSnapshotDescriptor
	for _, m := range machines {
		out = append(out, engine.VMSnapshotDescriptor{MachineID: m.ID, Backend: "test", Reference: "snap-" + m.Name})
	}
	return out, nil
}

func TestCreateSnapshotRecordsVMSnapshots(t *testing.T) {
	f := newFixture(t, WithSnapshotter(fixedSnapshotter{}))
	ctx := context.Background()
	lab := f.seedLab(t)

	snap, err := f.archiver.CreateSnapshot(ctx, lab.ID, "s1", "")
	if err != nil {
		t.Fatal(err)
	}

	stored, err := f.store.GetSnapshot(ctx, snap.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored.Data.VMSnapshots) != 2 || stored.Data.VMSnapshots[0].Reference != "snap-web" {
		t.Errorf("VMSnapshots = %+v", stored.Data.VMSnapshots)
	}
}

func TestPruneKeepsNewest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lab := f.seedLab(t)

	var paths []string
	for i := 0; i < 4; i++ {
		snap, err := f.archiver.CreateSnapshot(ctx, lab.ID, fmt.Sprintf("s%d", i), "")
		if err != nil {
			t.Fatal(err)
		}
		paths = append(paths, snap.Data.ArchivePath)
		f.clock.advance(time.Minute)
	}

	removed, err := f.archiver.Prune(ctx, lab.ID, 2)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}

	history, err := f.archiver.History(ctx, lab.ID)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, s := range history {
		names = append(names, s.Name)
	}
	if !reflect.DeepEqual(names, []string{"s3", "s2"}) {
		t.Errorf("history = %v, want [s3 s2]", names)
	}
	for i, p := range paths {
		_, err := os.Stat(p)
		if kept := i >= 2; kept != (err == nil) {
			t.Errorf("archive %d exists = %v, want %v", i, err == nil, kept)
		}
	}

	removed, err = f.archiver.Prune(ctx, lab.ID, 0)
	if err != nil || removed != 0 {
		t.Errorf("Prune(default) = %d, %v", removed, err)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	src := newFixture(t)
	ctx := context.Background()
	src.createBundle(t, "b-hard", "hardening", "- name: harden\n")
	src.createBundle(t, "b-mon", "monitoring", "- name: monitor\n")
	lab := src.seedLab(t, "b-hard", "b-mon")
	if _, err := src.archiver.CreateSnapshot(ctx, lab.ID, "s1", ""); err != nil {
		t.Fatal(err)
	}

	outDir := t.TempDir()
	file, err := src.archiver.ExportLab(ctx, lab.ID, outDir)
	if err != nil {
		t.Fatalf("ExportLab() error = %v", err)
	}
	if file.Path != filepath.Join(outDir, "lab_lab-1_export_20260314_093000.tar.gz") {
		t.Errorf("Path = %s", file.Path)
	}

	dst := newFixture(t)
	dst.createBundle(t, "local-hard", "hardening", "- name: local\n")

	imported, err := dst.archiver.ImportLab(ctx, file.Path, "")
	if err != nil {
		t.Fatalf("ImportLab() error = %v", err)
	}
	if imported.Name != "webstack_imported_20260314_093000" {
		t.Errorf("Name = %s", imported.Name)
	}
	if imported.Description != "Imported lab: three tier" {
		t.Errorf("Description = %s", imported.Description)
	}

	bundles, err := dst.store.ListBundles(ctx)
	if err != nil {
		t.Fatal(err)
	}
	byName := map[string]*engine.CustomTaskBundle{}
	for _, b := range bundles {
		byName[b.Name] = b
	}
	if len(bundles) != 2 {
		t.Fatalf("bundles = %d, want 2", len(bundles))
	}
	if b := byName["hardening"]; b.ID != "local-hard" || b.Content != "- name: local\n" {
		t.Errorf("existing bundle changed: %+v", b)
	}
	mon := byName["monitoring"]
	if mon == nil || mon.ID == "b-mon" || mon.Content != "- name: monitor\n" {
		t.Fatalf("monitoring bundle = %+v", mon)
	}

	machines, err := dst.store.ListMachines(ctx, imported.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(machines) != 2 {
		t.Fatalf("machines = %d, want 2", len(machines))
	}
	if want := []string{"local-hard", mon.ID}; !reflect.DeepEqual(machines[0].CustomBundles, want) {
		t.Errorf("bundle refs = %v, want %v", machines[0].CustomBundles, want)
	}

	dir, _ := dst.workspaces.Path(workspace.KindProvisioning, imported.ID)
	if _, err := os.Stat(filepath.Join(dir, "terraform.tfstate")); err != nil {
		t.Errorf("imported workspace missing: %v", err)
	}
}

func TestImportDropsDanglingBundleReferences(t *testing.T) {
	src := newFixture(t)
	ctx := context.Background()
	lab := src.seedLab(t, "gone")

	file, err := src.archiver.ExportLab(ctx, lab.ID, "")
	if err != nil {
		t.Fatal(err)
	}

	imported, err := src.archiver.ImportLab(ctx, file.Path, "copy")
	if err != nil {
		t.Fatalf("ImportLab() error = %v", err)
	}
	machines, _ := src.store.ListMachines(ctx, imported.ID)
	if len(machines[0].CustomBundles) != 0 {
		t.Errorf("bundle refs = %v, want none", machines[0].CustomBundles)
	}
}

func writeTarball(t *testing.T, entries map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bad.tar.gz")
	out, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)
	for name, body := range entries {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}); err != nil {
			t.Fatal(err)
		}
		if _, err := io.WriteString(tw, body); err != nil {
			t.Fatal(err)
		}
	}
	if err := closeAll(tw, gz, out); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestImportRejectsMalformedArchives(t *testing.T) {
	notGzip := filepath.Join(t.TempDir(), "plain.tar.gz")
	if err := os.WriteFile(notGzip, []byte("not an archive"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		path func(t *testing.T) string
	}{
		{"missing file", func(t *testing.T) string { return filepath.Join(t.TempDir(), "nope.tar.gz") }},
		{"not gzip", func(*testing.T) string { return notGzip }},
		{"two top-level dirs", func(t *testing.T) string {
			return writeTarball(t, map[string]string{"a/lab_export.json": "{}", "b/lab_export.json": "{}"})
		}},
		{"escaping entry", func(t *testing.T) string {
			return writeTarball(t, map[string]string{"../evil": "x"})
		}},
		{"no manifest", func(t *testing.T) string {
			return writeTarball(t, map[string]string{"lab/readme": "x"})
		}},
		{"malformed manifest", func(t *testing.T) string {
			return writeTarball(t, map[string]string{"lab/lab_export.json": "{"})
		}},
		{"manifest without lab", func(t *testing.T) string {
			return writeTarball(t, map[string]string{"lab/lab_export.json": `{"machines":[]}`})
		}},
		{"future version", func(t *testing.T) string {
			return writeTarball(t, map[string]string{"lab/lab_export.json": `{"lab":{"name":"x"},"export_metadata":{"version":"2.0"}}`})
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.archiver.ImportLab(context.Background(), tt.path(t), "")
			if !engine.IsArchiveIntegrity(err) {
				t.Fatalf("ImportLab() error = %v, want archive integrity", err)
			}
			labs, _ := f.store.ListLabs(context.Background())
			if len(labs) != 0 {
				t.Errorf("labs = %d, want 0", len(labs))
			}
		})
	}
}

func TestDeleteSnapshotToleratesMissingFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lab := f.seedLab(t)

	snap, err := f.archiver.CreateSnapshot(ctx, lab.ID, "s1", "")
	if err != nil {
		t.Fatal(err)
	}
	_ = os.Remove(snap.Data.ArchivePath)

	if err := f.archiver.DeleteSnapshot(ctx, snap.ID); err != nil {
		t.Fatalf("DeleteSnapshot() error = %v", err)
	}
	if _, err := f.store.GetSnapshot(ctx, snap.ID); err == nil {
		t.Error("snapshot record still present")
	}
	if err := f.archiver.DeleteSnapshot(ctx, snap.ID); !engine.IsReference(err) {
		t.Errorf("second DeleteSnapshot() error = %v, want reference error", err)
	}
}

type failingSnapshotter struct{}

func (failingSnapshotter) Snapshot(context.Context, *engine.Lab, []*engine.Machine) ([]engine.VMSnapshotDescriptor, error) {
	return nil, fmt.Errorf("hypervisor unreachable")
}

func TestCreateSnapshotKeepsWorkDirOnFailure(t *testing.T) {
	f := newFixture(t, WithSnapshotter(failingSnapshotter{}))
	ctx := context.Background()
	lab := f.seedLab(t)

	if _, err := f.archiver.CreateSnapshot(ctx, lab.ID, "s1", ""); err == nil {
		t.Fatal("CreateSnapshot() succeeded with a failing snapshotter")
	}

	workDir := filepath.Join(f.archiver.Dir(), "lab_lab-1_snapshot_20260314_093000")
	if _, err := os.Stat(filepath.Join(workDir, SnapshotManifest)); err != nil {
		t.Errorf("working directory not kept: %v", err)
	}
	if _, err := os.Stat(filepath.Join(workDir, "provisioning", "terraform.tfstate")); err != nil {
		t.Errorf("copied workspace not kept: %v", err)
	}
	history, err := f.archiver.History(ctx, lab.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 0 {
		t.Errorf("snapshots = %d, want 0", len(history))
	}
}

const exportedLab = `{"id":"src","name":"webstack","provider":"vps","status":"running"}`

func TestImportRejectsBadLayoutBeforeStoreWrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	path := writeTarball(t, map[string]string{
		"lab/lab_export.json":      `{"lab":` + exportedLab + `,"machines":[{"id":"m1","name":"web","os":"ubuntu-22.04"}]}`,
		"lab/provisioning/main.tf": "# main",
		"lab/config-management":    "not a directory",
	})

	_, err := f.archiver.ImportLab(ctx, path, "copy")
	if !engine.IsArchiveIntegrity(err) {
		t.Fatalf("ImportLab() error = %v, want archive integrity", err)
	}
	labs, _ := f.store.ListLabs(ctx)
	if len(labs) != 0 {
		t.Errorf("labs = %d, want 0", len(labs))
	}
	if entries, _ := os.ReadDir(filepath.Join(f.workspaces.Root(), string(workspace.KindProvisioning))); len(entries) != 0 {
		t.Errorf("provisioning workspaces = %d, want 0", len(entries))
	}

	extracted, _ := filepath.Glob(filepath.Join(f.archiver.Dir(), "import-*", "lab", "provisioning", "main.tf"))
	if len(extracted) != 1 {
		t.Errorf("extracted files = %v, want the extraction kept", extracted)
	}
}

func TestImportRollsBackPartialWrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	path := writeTarball(t, map[string]string{
		"lab/lab_export.json": `{"lab":` + exportedLab + `,` +
			`"machines":[{"id":"m1","name":"web","os":"ubuntu-22.04","custom_bundles":["b1"]},` +
			`{"id":"m2","name":"web","os":"ubuntu-22.04","position":1}],` +
			`"custom_bundles":[{"id":"b1","name":"hardening","content":"- name: harden\n"}]}`,
		"lab/provisioning/main.tf": "# main",
	})

	_, err := f.archiver.ImportLab(ctx, path, "copy")
	if err == nil {
		t.Fatal("ImportLab() succeeded with duplicate machine names")
	}
	if engine.IsArchiveIntegrity(err) {
		t.Fatalf("ImportLab() error = %v, want a store failure", err)
	}

	labs, _ := f.store.ListLabs(ctx)
	if len(labs) != 0 {
		t.Errorf("labs = %d, want 0", len(labs))
	}
	bundles, _ := f.store.ListBundles(ctx)
	if len(bundles) != 0 {
		t.Errorf("bundles = %d, want 0 after rollback", len(bundles))
	}
	extracted, _ := filepath.Glob(filepath.Join(f.archiver.Dir(), "import-*", "lab", ExportManifest))
	if len(extracted) != 1 {
		t.Errorf("extracted manifest = %v, want the extraction kept", extracted)
	}
}

func TestRestoreRollsBackPartialWrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lab := f.seedLab(t)

	path := writeTarball(t, map[string]string{
		"snap/manifest.json": `{"lab":` + exportedLab + `,` +
			`"machines":[{"id":"m1","name":"web","os":"ubuntu-22.04"},{"id":"m2","name":"web","os":"ubuntu-22.04","position":1}],` +
			`"snapshot_metadata":{"name":"broken"}}`,
	})
	snap := &engine.Snapshot{
		ID:        "snap-broken",
		LabID:     lab.ID,
		Name:      "broken",
		Data:      engine.SnapshotData{ArchivePath: path, VMSnapshots: []engine.VMSnapshotDescriptor{}},
		CreatedAt: f.clock.now(),
	}
	if err := f.store.CreateSnapshot(ctx, snap); err != nil {
		t.Fatal(err)
	}

	_, err := f.archiver.RestoreSnapshot(ctx, snap.ID, "restored")
	if err == nil {
		t.Fatal("RestoreSnapshot() succeeded with duplicate machine names")
	}
	if engine.IsArchiveIntegrity(err) {
		t.Fatalf("RestoreSnapshot() error = %v, want a store failure", err)
	}

	labs, _ := f.store.ListLabs(ctx)
	if len(labs) != 1 || labs[0].ID != lab.ID {
		t.Errorf("labs = %d, want only the source lab", len(labs))
	}
	if _, err := f.store.FindLab(ctx, "restored"); err == nil {
		t.Error("restored lab survived the rollback")
	}
	extracted, _ := filepath.Glob(filepath.Join(f.archiver.Dir(), "restore-*", "snap", SnapshotManifest))
	if len(extracted) != 1 {
		t.Errorf("extracted manifest = %v, want the extraction kept", extracted)
	}
}
