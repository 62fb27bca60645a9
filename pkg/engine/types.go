package engine

import (
	"time"
)

// Lab is a user-defined multi-machine environment bound to one provisioning backend.
type Lab struct {
	// ID is the unique identifier of the lab.
	ID string `json:"id"`

	// Name is the display name.
	Name string `json:"name"`

	// Description is free text.
	Description string `json:"description"`

	// Provider selects the provisioning backend.
	Provider ProviderKind `json:"provider"`

	// ProviderConfig is an opaque pass-through bag of backend credentials and settings.
	ProviderConfig map[string]string `json:"provider_config,omitempty"`

	// Status is the lifecycle status.
	Status LabStatus `json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProviderSetting returns a provider config value or def when unset or empty.
func (l *Lab) ProviderSetting(key, def string) string {
	if v, ok := l.ProviderConfig[key]; ok && v != "" {
		return v
	}
	return def
}

// Sizing is the requested compute shape of a machine.
type Sizing struct {
	// CPU is the vCPU count.
	CPU int `json:"cpu"`

	// RAMGB is the memory size in gigabytes.
	RAMGB int `json:"ram"`

	// StorageGB is the root disk size in gigabytes.
	StorageGB int `json:"storage"`
}

// Machine is one compute node within a lab.
type Machine struct {
	ID    string `json:"id"`
	LabID string `json:"lab_id"`

	// Name is unique within the lab and doubles as the inventory host name.
	Name string `json:"name"`

	// OS is the operating system identifier, e.g. "ubuntu-22.04".
	OS string `json:"os"`

	Sizing Sizing `json:"sizing"`

	// IPAddress is nil until provisioning resolved an address.
	IPAddress *string `json:"ip_address,omitempty"`

	Status MachineStatus `json:"status"`

	// Role groups the machine in the inventory. Empty means the default group.
	Role string `json:"role,omitempty"`

	// Software lists software module identifiers in install order.
	Software []string `json:"software,omitempty"`

	// CustomBundles lists custom task bundle ids in run order.
	CustomBundles []string `json:"custom_bundles,omitempty"`

	// Position orders machines within the lab.
	Position int `json:"position"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Address returns the resolved address or the empty string.
func (m *Machine) Address() string {
	if m.IPAddress == nil {
		return ""
	}
	return *m.IPAddress
}

// CustomTaskBundle is user-supplied configuration-management content, opaque to labforge.
type CustomTaskBundle struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Content     string    `json:"content"`
	Tags        []string  `json:"tags,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// VMSnapshotDescriptor is an opaque per-backend reference to a hypervisor or cloud snapshot.
type VMSnapshotDescriptor struct {
	MachineID  string            `json:"machine_id"`
	Backend    string            `json:"backend"`
	Reference  string            `json:"reference"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// SnapshotData is the typed metadata blob stored with a snapshot.
type SnapshotData struct {
	ArchivePath string                 `json:"archive_path"`
	Size        int64                  `json:"size"`
	VMSnapshots []VMSnapshotDescriptor `json:"vm_snapshots"`
	MirrorURI   string                 `json:"mirror_uri,omitempty"`
}

// Snapshot is an immutable point-in-time archive of a lab.
type Snapshot struct {
	ID          string       `json:"id"`
	LabID       string       `json:"lab_id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Data        SnapshotData `json:"snapshot_data"`
	CreatedAt   time.Time    `json:"created_at"`
}

// DeploymentLog is the audit record of one deploy or destroy run.
type DeploymentLog struct {
	ID          string     `json:"id"`
	LabID       string     `json:"lab_id"`
	Operation   Operation  `json:"operation"`
	Status      LogStatus  `json:"status"`
	Body        string     `json:"log_output"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
