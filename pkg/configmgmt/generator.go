// Package configmgmt renders Ansible inventories and per-machine playbooks
// into a lab's configuration-management workspace and runs them.
package configmgmt

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/openfroyo/labforge/pkg/engine"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

//go:embed playbooks/*.yml
var modulePlaybooks embed.FS

// Files written into the configuration-management workspace.
const (
	InventoryFile  = "inventory.yml"
	CredentialFile = "ssh_key"
	PublicKeyFile  = "ssh_key.pub"
	ModulesDir     = "playbooks"

	defaultAnsibleUser = "ubuntu"
	defaultRole        = "default"
)

// BaselinePackages are installed on every machine before any module runs.
var BaselinePackages = []string{"curl", "wget", "vim", "htop", "unzip"}

// Workspaces resolves configuration-management workspaces.
type Workspaces interface {
	ConfigDir(labID string) (string, error)
}

// Generator writes inventories, playbooks and credentials.
type Generator struct {
	workspaces Workspaces
	logger     zerolog.Logger
}

// NewGenerator creates a generator.
func NewGenerator(workspaces Workspaces, logger zerolog.Logger) *Generator {
	return &Generator{
		workspaces: workspaces,
		logger:     logger.With().Str("component", "configmgmt-generator").Logger(),
	}
}

// Modules returns the names of the embedded software modules, sorted.
func Modules() []string {
	entries, err := fs.ReadDir(modulePlaybooks, ModulesDir)
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".yml"))
	}
	sort.Strings(names)
	return names
}

// HasModule reports whether a software module has an embedded task file.
func HasModule(name string) bool {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return false
	}
	_, err := fs.Stat(modulePlaybooks, ModulesDir+"/"+name+".yml")
	return err == nil
}

type inventory struct {
	All inventoryGroup `yaml:"all"`
}

type inventoryGroup struct {
	Children map[string]inventoryRole `yaml:"children"`
	Vars     map[string]string        `yaml:"vars"`
}

type inventoryRole struct {
	Hosts map[string]inventoryHost `yaml:"hosts"`
}

type inventoryHost struct {
	AnsibleHost    string `yaml:"ansible_host"`
	AnsibleUser    string `yaml:"ansible_user"`
	PrivateKeyFile string `yaml:"ansible_ssh_private_key_file"`
	MachineID      string `yaml:"machine_id"`
}

// GenerateInventory writes inventory.yml grouping addressed machines by role.
// addresses is keyed by machine id; machines missing from it are omitted.
func (g *Generator) GenerateInventory(ctx context.Context, lab *engine.Lab, machines []*engine.Machine, addresses map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir, err := g.workspaces.ConfigDir(lab.ID)
	if err != nil {
		return "", err
	}

	user := lab.ProviderSetting("ansible_user", defaultAnsibleUser)
	inv := inventory{All: inventoryGroup{
		Children: make(map[string]inventoryRole),
		Vars: map[string]string{
			"ansible_ssh_common_args":    "-o StrictHostKeyChecking=no",
			"ansible_python_interpreter": "/usr/bin/python3",
		},
	}}

	hosts := 0
	for _, m := range machines {
		addr := addresses[m.ID]
		if addr == "" {
			continue
		}
		role := m.Role
		if role == "" {
			role = defaultRole
		}
		group, ok := inv.All.Children[role]
		if !ok {
			group = inventoryRole{Hosts: make(map[string]inventoryHost)}
			inv.All.Children[role] = group
		}
		group.Hosts[m.Name] = inventoryHost{
			AnsibleHost:    addr,
			AnsibleUser:    user,
			PrivateKeyFile: filepath.Join(dir, CredentialFile),
			MachineID:      m.ID,
		}
		hosts++
	}

	data, err := marshalYAML(inv)
	if err != nil {
		return "", fmt.Errorf("failed to render inventory: %w", err)
	}
	path := filepath.Join(dir, InventoryFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write inventory: %w", err)
	}

	g.logger.Info().Str("lab_id", lab.ID).Int("hosts", hosts).Msg("Inventory generated")
	return path, nil
}

type play struct {
	Name   string `yaml:"name"`
	Hosts  string `yaml:"hosts"`
	Become bool   `yaml:"become"`
	Tasks  []task `yaml:"tasks"`
}

type task struct {
	Name         string   `yaml:"name"`
	Apt          *aptTask `yaml:"ansible.builtin.apt,omitempty"`
	IncludeTasks string   `yaml:"ansible.builtin.include_tasks,omitempty"`
}

type aptTask struct {
	UpdateCache bool     `yaml:"update_cache,omitempty"`
	Name        []string `yaml:"name,omitempty"`
	State       string   `yaml:"state,omitempty"`
}

// PlaybookName is the file name of a machine's playbook.
func PlaybookName(machineID string) string {
	return "machine_" + machineID + "_playbook.yml"
}

// BundleFileName is the file name a custom bundle is written to.
func BundleFileName(bundleID string) string {
	return "custom_" + bundleID + ".yml"
}

// GenerateMachinePlaybook writes the machine's playbook plus the module and
// bundle task files it includes. Unknown modules and bundle ids missing from
// bundles are skipped.
func (g *Generator) GenerateMachinePlaybook(ctx context.Context, lab *engine.Lab, machine *engine.Machine, bundles []*engine.CustomTaskBundle) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir, err := g.workspaces.ConfigDir(lab.ID)
	if err != nil {
		return "", err
	}

	p := play{
		Name:   "Configure " + machine.Name,
		Hosts:  machine.Name,
		Become: true,
		Tasks: []task{
			{Name: "Update apt cache", Apt: &aptTask{UpdateCache: true}},
			{Name: "Install baseline packages", Apt: &aptTask{Name: BaselinePackages, State: "present"}},
		},
	}

	for _, module := range machine.Software {
		if !HasModule(module) {
			g.logger.Warn().Str("machine", machine.Name).Str("module", module).Msg("Unknown software module skipped")
			continue
		}
		rel, err := g.installModule(dir, module)
		if err != nil {
			return "", err
		}
		p.Tasks = append(p.Tasks, task{Name: "Include " + module + " module", IncludeTasks: rel})
	}

	byID := make(map[string]*engine.CustomTaskBundle, len(bundles))
	for _, b := range bundles {
		byID[b.ID] = b
	}
	for _, id := range machine.CustomBundles {
		b, ok := byID[id]
		if !ok {
			g.logger.Warn().Str("machine", machine.Name).Str("bundle_id", id).Msg("Dangling bundle reference skipped")
			continue
		}
		name := BundleFileName(b.ID)
		if err := os.WriteFile(filepath.Join(dir, name), []byte(b.Content), 0o644); err != nil {
			return "", fmt.Errorf("failed to write bundle %s: %w", b.Name, err)
		}
		p.Tasks = append(p.Tasks, task{Name: "Include custom bundle: " + b.Name, IncludeTasks: name})
	}

	data, err := marshalYAML([]play{p})
	if err != nil {
		return "", fmt.Errorf("failed to render playbook: %w", err)
	}
	path := filepath.Join(dir, PlaybookName(machine.ID))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write playbook: %w", err)
	}

	g.logger.Info().
		Str("lab_id", lab.ID).
		Str("machine", machine.Name).
		Int("tasks", len(p.Tasks)).
		Msg("Machine playbook generated")
	return path, nil
}

// installModule copies an embedded module file into the workspace and
// returns its path relative to the playbook.
func (g *Generator) installModule(dir, module string) (string, error) {
	rel := ModulesDir + "/" + module + ".yml"
	data, err := modulePlaybooks.ReadFile(rel)
	if err != nil {
		return "", fmt.Errorf("failed to read module %s: %w", module, err)
	}
	if err := os.MkdirAll(filepath.Join(dir, ModulesDir), 0o755); err != nil {
		return "", fmt.Errorf("failed to create modules dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, filepath.FromSlash(rel)), data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write module %s: %w", module, err)
	}
	return rel, nil
}

// SaveCredential validates a PEM private key and writes it to the lab's
// ssh_key with mode 0600.
func (g *Generator) SaveCredential(ctx context.Context, lab *engine.Lab, pemBytes []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := ValidatePrivateKey(pemBytes); err != nil {
		return "", engine.NewConfigurationError("invalid ssh private key", err).WithResource(lab.ID)
	}
	dir, err := g.workspaces.ConfigDir(lab.ID)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, CredentialFile)
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		return "", fmt.Errorf("failed to write credential: %w", err)
	}
	// WriteFile keeps the mode of an existing file.
	if err := os.Chmod(path, 0o600); err != nil {
		return "", fmt.Errorf("failed to restrict credential: %w", err)
	}
	g.logger.Info().Str("lab_id", lab.ID).Msg("Lab credential saved")
	return path, nil
}

// SavePublicKey writes ssh_key.pub beside the credential.
func (g *Generator) SavePublicKey(ctx context.Context, lab *engine.Lab, authorizedKey []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir, err := g.workspaces.ConfigDir(lab.ID)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, PublicKeyFile)
	if err := os.WriteFile(path, authorizedKey, 0o644); err != nil {
		return "", fmt.Errorf("failed to write public key: %w", err)
	}
	return path, nil
}

func marshalYAML(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("---\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
