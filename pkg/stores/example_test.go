package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openfroyo/labforge/pkg/engine"
	"github.com/openfroyo/labforge/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            ":memory:",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_CreateLab demonstrates creating a lab with its machines.
func ExampleSQLiteStore_CreateLab() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	lab := &engine.Lab{ID: "lab-001", Name: "webstack", Provider: engine.ProviderLocal}
	machines := []*engine.Machine{
		{ID: "m-001", LabID: lab.ID, Name: "web", OS: "ubuntu-22.04", Sizing: engine.Sizing{CPU: 2, RAMGB: 4, StorageGB: 20}},
		{ID: "m-002", LabID: lab.ID, Name: "db", OS: "ubuntu-22.04", Sizing: engine.Sizing{CPU: 2, RAMGB: 4, StorageGB: 40}, Position: 1},
	}
	if err := store.CreateLab(ctx, lab, machines); err != nil {
		log.Fatal(err)
	}

	got, err := store.GetLab(ctx, "lab-001")
	if err != nil {
		log.Fatal(err)
	}
	ms, _ := store.ListMachines(ctx, got.ID)

	fmt.Printf("Lab: %s, Status: %s, Machines: %d\n", got.Name, got.Status, len(ms))
	// Output: Lab: webstack, Status: stopped, Machines: 2
}

// ExampleSQLiteStore_AppendDeploymentLog demonstrates the append-only deployment log.
func ExampleSQLiteStore_AppendDeploymentLog() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	_ = store.CreateLab(ctx, &engine.Lab{ID: "lab-001", Name: "webstack", Provider: engine.ProviderVPS}, nil)
	_ = store.CreateDeploymentLog(ctx, &engine.DeploymentLog{ID: "log-001", LabID: "lab-001", Operation: engine.OperationDeploy})
	_ = store.AppendDeploymentLog(ctx, "log-001", "Terraform configuration generated")
	_ = store.FinishDeploymentLog(ctx, "log-001", engine.LogStatusSuccess, "Deployment succeeded")

	entry, err := store.GetDeploymentLog(ctx, "log-001")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Status: %s\n%s", entry.Status, entry.Body)
	// Output:
	// Status: success
	// Terraform configuration generated
	// Deployment succeeded
}
