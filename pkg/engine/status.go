package engine

import (
	"encoding/json"
	"fmt"
)

// LabStatus represents the lifecycle status of a lab.
type LabStatus string

const (
	// LabStatusStopped indicates the lab has no live infrastructure, or it is not assumed live.
	LabStatusStopped LabStatus = "stopped"

	// LabStatusDeploying indicates a deploy pipeline run is in flight.
	LabStatusDeploying LabStatus = "deploying"

	// LabStatusRunning indicates the last deploy succeeded.
	LabStatusRunning LabStatus = "running"

	// LabStatusDestroying indicates a destroy pipeline run is in flight.
	LabStatusDestroying LabStatus = "destroying"

	// LabStatusError indicates the last pipeline run failed.
	LabStatusError LabStatus = "error"
)

// IsBusy returns true while a pipeline run owns the lab.
func (s LabStatus) IsBusy() bool {
	return s == LabStatusDeploying || s == LabStatusDestroying
}

// Validate checks if the lab status is valid.
func (s LabStatus) Validate() error {
	switch s {
	case LabStatusStopped, LabStatusDeploying, LabStatusRunning,
		LabStatusDestroying, LabStatusError:
		return nil
	default:
		return fmt.Errorf("invalid lab status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s LabStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *LabStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = LabStatus(str)
	return s.Validate()
}

// MachineStatus is the machine-local status.
type MachineStatus string

const (
	MachineStatusStopped MachineStatus = "stopped"
	MachineStatusRunning MachineStatus = "running"
	MachineStatusError   MachineStatus = "error"
)

// ProviderKind selects the provisioning backend of a lab.
type ProviderKind string

const (
	// ProviderVPS is the cloud-VM backend (DigitalOcean).
	ProviderVPS ProviderKind = "vps"

	// ProviderLocal is the on-prem hypervisor backend (Proxmox).
	ProviderLocal ProviderKind = "local"
)

// Validate checks if the provider kind is supported.
func (p ProviderKind) Validate() error {
	switch p {
	case ProviderVPS, ProviderLocal:
		return nil
	default:
		return fmt.Errorf("unsupported provider: %s", p)
	}
}

// Operation is the kind of pipeline run.
type Operation string

const (
	OperationDeploy  Operation = "deploy"
	OperationDestroy Operation = "destroy"
)

// Validate checks if the operation is valid.
func (o Operation) Validate() error {
	switch o {
	case OperationDeploy, OperationDestroy:
		return nil
	default:
		return fmt.Errorf("invalid operation: %s", o)
	}
}

// LogStatus represents the status of a deployment log.
type LogStatus string

const (
	LogStatusRunning LogStatus = "running"
	LogStatusSuccess LogStatus = "success"
	LogStatusError   LogStatus = "error"
)

// IsTerminal returns true if the log status represents a final state.
func (s LogStatus) IsTerminal() bool {
	return s == LogStatusSuccess || s == LogStatusError
}

// Validate checks if the log status is valid.
func (s LogStatus) Validate() error {
	switch s {
	case LogStatusRunning, LogStatusSuccess, LogStatusError:
		return nil
	default:
		return fmt.Errorf("invalid log status: %s", s)
	}
}

// Stage identifies a step of the deploy or destroy state machine.
type Stage string

const (
	StageInit                 Stage = "init"
	StageConfigGenerated      Stage = "configGenerated"
	StageProvisionInitialized Stage = "provisionInitialized"
	StagePlanned              Stage = "planned"
	StageApplied              Stage = "applied"
	StageAddressesResolved    Stage = "addressesResolved"
	StageInventoryGenerated   Stage = "inventoryGenerated"
	StageCredentialSaved      Stage = "credentialSaved"
	StageConnectivityVerified Stage = "connectivityVerified"
	StageMachineConfigured    Stage = "perMachineConfigured"
	StageDestroyed            Stage = "destroyed"
	StageWorkspacesPurged     Stage = "workspacesPurged"
	StageSucceeded            Stage = "succeeded"
	StageError                Stage = "error"
)

// DeployStages is the ordered deploy state machine, excluding the terminal states.
var DeployStages = []Stage{
	StageConfigGenerated,
	StageProvisionInitialized,
	StagePlanned,
	StageApplied,
	StageAddressesResolved,
	StageInventoryGenerated,
	StageCredentialSaved,
	StageConnectivityVerified,
	StageMachineConfigured,
}

// DestroyStages is the ordered destroy state machine, excluding the terminal states.
var DestroyStages = []Stage{
	StageDestroyed,
	StageWorkspacesPurged,
}

// IsTerminal returns true for succeeded and error.
func (s Stage) IsTerminal() bool {
	return s == StageSucceeded || s == StageError
}
