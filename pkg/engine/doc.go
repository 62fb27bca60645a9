// Package engine provides the core domain types shared by the labforge
// packages.
//
// # Overview
//
// A Lab is a named set of Machines bound to one provisioning backend
// (ProviderKind). Deploying a lab renders a Terraform workspace, applies it,
// reads back machine addresses and then configures every machine with
// Ansible. Destroying a lab tears the infrastructure down and purges both
// workspaces. The deploy and destroy runs are expressed as ordered Stage
// values:
//
//	configGenerated -> provisionInitialized -> planned -> applied ->
//	addressesResolved -> inventoryGenerated -> credentialSaved ->
//	connectivityVerified -> perMachineConfigured -> succeeded
//
//	destroyed -> workspacesPurged -> succeeded
//
// Any stage may end the run in the error stage instead.
//
// # Core Domain Types
//
//   - Lab: the environment definition and its lifecycle status
//   - Machine: one virtual machine with sizing, software modules and bundles
//   - CustomTaskBundle: a user-supplied Ansible task list
//   - Snapshot: a point-in-time copy of a lab held in the archive directory
//   - DeploymentLog: the record of a single deploy or destroy run
//   - StageResult: the outcome of one stage (ok, skipped or failed)
//
// # Error Handling
//
// Failures are reported as *EngineError values carrying an ErrorClass:
//
//	if err := svc.Start(ctx, "webstack"); err != nil {
//	    if engine.IsConflict(err) {
//	        // the lab is busy or in the wrong state
//	    }
//	}
//
// Configuration errors are raised before any external process runs. Process
// and timeout errors carry the captured stderr as a detail.
package engine
