package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/labforge/pkg/engine"
)

// setupTestStore creates a file-backed SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "labforge.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func testLab(id string) (*engine.Lab, []*engine.Machine) {
	lab := &engine.Lab{
		ID:             id,
		Name:           "lab-" + id,
		Description:    "test lab",
		Provider:       engine.ProviderVPS,
		ProviderConfig: map[string]string{"region": "fra1"},
	}
	machines := []*engine.Machine{
		{ID: id + "-m1", LabID: id, Name: "web", OS: "ubuntu-22.04", Sizing: engine.Sizing{CPU: 2, RAMGB: 4, StorageGB: 20}, Role: "web", Software: []string{"nginx"}, Position: 0},
		{ID: id + "-m2", LabID: id, Name: "db", OS: "debian-11", Sizing: engine.Sizing{CPU: 4, RAMGB: 8, StorageGB: 50}, Role: "db", CustomBundles: []string{"b1"}, Position: 1},
	}
	return lab, machines
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{"labs", "machines", "custom_bundles", "snapshots", "deployment_logs", "audit"}
	for _, table := range tables {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Migrating twice is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("second migration failed: %v", err)
	}
}

func TestLabCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	lab, machines := testLab("l1")
	if err := store.CreateLab(ctx, lab, machines); err != nil {
		t.Fatalf("failed to create lab: %v", err)
	}

	got, err := store.GetLab(ctx, "l1")
	if err != nil {
		t.Fatalf("failed to get lab: %v", err)
	}
	if got.Name != lab.Name || got.Provider != engine.ProviderVPS || got.Status != engine.LabStatusStopped {
		t.Errorf("unexpected lab: %+v", got)
	}
	if got.ProviderConfig["region"] != "fra1" {
		t.Errorf("provider config not round-tripped: %v", got.ProviderConfig)
	}

	byName, err := store.FindLab(ctx, lab.Name)
	if err != nil || byName.ID != lab.ID {
		t.Errorf("failed to find lab by name: %v", err)
	}

	got.Description = "changed"
	got.Status = engine.LabStatusRunning
	if err := store.UpdateLab(ctx, got); err != nil {
		t.Fatalf("failed to update lab: %v", err)
	}
	if err := store.UpdateLabStatus(ctx, "l1", engine.LabStatusError); err != nil {
		t.Fatalf("failed to update status: %v", err)
	}
	got, _ = store.GetLab(ctx, "l1")
	if got.Description != "changed" || got.Status != engine.LabStatusError {
		t.Errorf("unexpected lab after update: %+v", got)
	}

	labs, err := store.ListLabs(ctx)
	if err != nil || len(labs) != 1 {
		t.Fatalf("expected 1 lab, got %d (%v)", len(labs), err)
	}

	if err := store.DeleteLab(ctx, "l1"); err != nil {
		t.Fatalf("failed to delete lab: %v", err)
	}
	if _, err := store.GetLab(ctx, "l1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	ms, _ := store.ListMachines(ctx, "l1")
	if len(ms) != 0 {
		t.Errorf("machines must cascade, %d left", len(ms))
	}
	if err := store.DeleteLab(ctx, "l1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestMachines(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	lab, machines := testLab("l1")
	if err := store.CreateLab(ctx, lab, machines); err != nil {
		t.Fatal(err)
	}

	ms, err := store.ListMachines(ctx, "l1")
	if err != nil {
		t.Fatal(err)
	}
	if len(ms) != 2 || ms[0].Name != "web" || ms[1].Name != "db" {
		t.Fatalf("unexpected machines: %+v", ms)
	}
	if ms[0].Software[0] != "nginx" || ms[1].CustomBundles[0] != "b1" {
		t.Error("lists not round-tripped")
	}
	if ms[1].Sizing != (engine.Sizing{CPU: 4, RAMGB: 8, StorageGB: 50}) {
		t.Errorf("unexpected sizing: %+v", ms[1].Sizing)
	}
	if ms[0].IPAddress != nil {
		t.Error("address must be absent before provisioning")
	}

	if err := store.UpdateMachineAddress(ctx, ms[0].ID, "203.0.113.1", engine.MachineStatusRunning); err != nil {
		t.Fatal(err)
	}
	m, err := store.GetMachine(ctx, ms[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if m.Address() != "203.0.113.1" || m.Status != engine.MachineStatusRunning {
		t.Errorf("unexpected machine: %+v", m)
	}

	if err := store.ResetMachines(ctx, "l1", engine.MachineStatusStopped); err != nil {
		t.Fatal(err)
	}
	m, _ = store.GetMachine(ctx, ms[0].ID)
	if m.IPAddress != nil || m.Status != engine.MachineStatusStopped {
		t.Errorf("machine not reset: %+v", m)
	}

	// Duplicate names within a lab are rejected.
	dup := []*engine.Machine{
		{ID: "x1", Name: "same", OS: "ubuntu-22.04"},
		{ID: "x2", Name: "same", OS: "ubuntu-22.04"},
	}
	if err := store.ReplaceMachines(ctx, "l1", dup); err == nil {
		t.Error("expected unique name violation")
	}
	ms, _ = store.ListMachines(ctx, "l1")
	if len(ms) != 2 || ms[0].Name != "web" {
		t.Error("failed replace must roll back")
	}

	repl := []*engine.Machine{{ID: "n1", Name: "solo", OS: "ubuntu-22.04", Sizing: engine.Sizing{CPU: 1, RAMGB: 1, StorageGB: 10}}}
	if err := store.ReplaceMachines(ctx, "l1", repl); err != nil {
		t.Fatal(err)
	}
	ms, _ = store.ListMachines(ctx, "l1")
	if len(ms) != 1 || ms[0].ID != "n1" || ms[0].LabID != "l1" {
		t.Errorf("unexpected machines after replace: %+v", ms)
	}
}

func TestBundles(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	b := &engine.CustomTaskBundle{ID: "b1", Name: "hardening", Content: "---", Tags: []string{"security"}}
	if err := store.CreateBundle(ctx, b); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateBundle(ctx, &engine.CustomTaskBundle{ID: "b2", Name: "hardening", Content: "---"}); err == nil {
		t.Error("expected unique name violation")
	}

	got, err := store.FindBundle(ctx, "hardening")
	if err != nil || got.ID != "b1" || got.Tags[0] != "security" {
		t.Fatalf("unexpected bundle: %+v %v", got, err)
	}

	got.Content = "- name: x"
	if err := store.UpdateBundle(ctx, got); err != nil {
		t.Fatal(err)
	}

	list, err := store.ListBundlesByIDs(ctx, []string{"b1", "missing"})
	if err != nil || len(list) != 1 || list[0].Content != "- name: x" {
		t.Errorf("unexpected bundles: %+v %v", list, err)
	}

	tx, err := store.BeginTx(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.CreateBundleTx(ctx, tx, &engine.CustomTaskBundle{ID: "b3", Name: "other", Content: "---"}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetBundleByNameTx(ctx, tx, "other"); err != nil {
		t.Errorf("bundle must be visible inside its transaction: %v", err)
	}
	if err := store.RollbackTx(tx); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetBundle(ctx, "b3"); !errors.Is(err, ErrNotFound) {
		t.Errorf("rolled back bundle must not exist, got %v", err)
	}

	if err := store.DeleteBundle(ctx, "b1"); err != nil {
		t.Fatal(err)
	}
	all, _ := store.ListBundles(ctx)
	if len(all) != 0 {
		t.Errorf("expected no bundles, got %d", len(all))
	}
}

func TestSnapshots(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	lab, machines := testLab("l1")
	if err := store.CreateLab(ctx, lab, machines); err != nil {
		t.Fatal(err)
	}

	base := time.Now().UTC()
	for i, name := range []string{"first", "second", "third"} {
		snap := &engine.Snapshot{
			ID:        name,
			LabID:     "l1",
			Name:      name,
			Data:      engine.SnapshotData{ArchivePath: "/tmp/" + name + ".tar.gz", Size: int64(i + 1)},
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := store.CreateSnapshot(ctx, snap); err != nil {
			t.Fatal(err)
		}
	}

	snaps, err := store.ListSnapshots(ctx, "l1")
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 3 || snaps[0].Name != "third" || snaps[2].Name != "first" {
		t.Fatalf("expected newest first, got %v", snaps)
	}
	if snaps[0].Data.ArchivePath != "/tmp/third.tar.gz" || snaps[0].Data.Size != 3 {
		t.Errorf("snapshot data not round-tripped: %+v", snaps[0].Data)
	}

	if err := store.DeleteSnapshot(ctx, "second"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetSnapshot(ctx, "second"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := store.DeleteLab(ctx, "l1"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetSnapshot(ctx, "first"); !errors.Is(err, ErrNotFound) {
		t.Error("snapshots must cascade with their lab")
	}
}

func TestDeploymentLogs(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	lab, machines := testLab("l1")
	if err := store.CreateLab(ctx, lab, machines); err != nil {
		t.Fatal(err)
	}

	log := &engine.DeploymentLog{ID: "log1", LabID: "l1", Operation: engine.OperationDeploy}
	if err := store.CreateDeploymentLog(ctx, log); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendDeploymentLog(ctx, "log1", "Terraform initialized"); err != nil {
		t.Fatal(err)
	}
	if err := store.FinishDeploymentLog(ctx, "log1", engine.LogStatusRunning, "x"); err == nil {
		t.Error("expected error for non-terminal status")
	}
	if err := store.FinishDeploymentLog(ctx, "log1", engine.LogStatusSuccess, "Deployment succeeded"); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetDeploymentLog(ctx, "log1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != engine.LogStatusSuccess || got.CompletedAt == nil {
		t.Errorf("unexpected log: %+v", got)
	}
	if got.Body != "Terraform initialized\nDeployment succeeded\n" {
		t.Errorf("unexpected body: %q", got.Body)
	}

	logs, err := store.ListDeploymentLogs(ctx, "l1", 0)
	if err != nil || len(logs) != 1 {
		t.Fatalf("expected 1 log, got %d (%v)", len(logs), err)
	}
	if err := store.AppendDeploymentLog(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAuditEntries(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	target := "l1"
	for _, action := range []string{AuditLabCreated, AuditSnapshotCreated, AuditLabDeleted} {
		entry := &AuditEntry{Action: action, Actor: "cli", TargetID: &target}
		if err := store.CreateAuditEntry(ctx, entry); err != nil {
			t.Fatal(err)
		}
		if entry.ID == 0 {
			t.Error("expected generated id")
		}
	}

	action := AuditLabCreated
	entries, err := store.ListAuditEntries(ctx, &action, nil, 10, 0)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d (%v)", len(entries), err)
	}
	entries, _ = store.ListAuditEntries(ctx, nil, &target, 0, 0)
	if len(entries) != 3 || entries[0].Action != AuditLabDeleted {
		t.Errorf("expected newest first, got %+v", entries)
	}
}
