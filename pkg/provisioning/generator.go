// Package provisioning renders a lab into Terraform configuration and drives
// the terraform binary against the lab's provisioning workspace.
package provisioning

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/openfroyo/labforge/pkg/engine"
	"github.com/rs/zerolog"
	"github.com/zclconf/go-cty/cty"
)

// File names written into the provisioning workspace.
const (
	MainFile      = "main.tf"
	VariablesFile = "variables.tf"
	TFVarsFile    = "terraform.tfvars"
	PlanFile      = "tfplan"
)

// Backend renders Terraform configuration for one provider kind.
type Backend interface {
	// Kind is the provider kind served by the backend.
	Kind() engine.ProviderKind

	// Main renders resources and outputs.
	Main(lab *engine.Lab, machines []*engine.Machine) *hclwrite.File

	// Variables renders variable declarations including per-machine defaults.
	Variables(lab *engine.Lab, machines []*engine.Machine) *hclwrite.File

	// Values returns tfvars values keyed by variable name.
	Values(lab *engine.Lab) map[string]string
}

// Workspaces resolves provisioning workspaces.
type Workspaces interface {
	ProvisioningDir(labID string) (string, error)
}

// Files lists the generated files of one lab.
type Files struct {
	Dir       string
	Main      string
	Variables string
	TFVars    string
}

// Generator writes a lab's Terraform configuration into its workspace.
type Generator struct {
	workspaces Workspaces
	backends   map[engine.ProviderKind]Backend
	logger     zerolog.Logger
}

// NewGenerator creates a generator with the DigitalOcean and Proxmox backends
// plus any extra backends.
func NewGenerator(workspaces Workspaces, logger zerolog.Logger, extra ...Backend) *Generator {
	g := &Generator{
		workspaces: workspaces,
		backends:   make(map[engine.ProviderKind]Backend),
		logger:     logger.With().Str("component", "provisioning-generator").Logger(),
	}
	for _, b := range append([]Backend{DigitalOcean{}, Proxmox{}}, extra...) {
		g.backends[b.Kind()] = b
	}
	return g
}

// Backend returns the backend for a provider kind.
func (g *Generator) Backend(kind engine.ProviderKind) (Backend, error) {
	b, ok := g.backends[kind]
	if !ok {
		return nil, unsupportedProvider(kind)
	}
	return b, nil
}

func unsupportedProvider(kind engine.ProviderKind) *engine.EngineError {
	return engine.NewConfigurationError(fmt.Sprintf("unsupported provider: %q", kind), nil).
		WithCode(engine.ErrCodeUnsupported)
}

// Render produces the three configuration files in memory.
func (g *Generator) Render(lab *engine.Lab, machines []*engine.Machine) (main, variables, tfvars string, err error) {
	backend, ok := g.backends[lab.Provider]
	if !ok {
		return "", "", "", unsupportedProvider(lab.Provider).WithResource(lab.ID).WithOperation("generate")
	}
	for _, m := range machines {
		if m.ID == "" || m.Name == "" {
			return "", "", "", engine.NewConfigurationError("machine id and name are required", nil).
				WithResource(lab.ID).WithOperation("generate")
		}
	}
	return format(backend.Main(lab, machines)), format(backend.Variables(lab, machines)), format(renderValues(backend.Values(lab))), nil
}

// Generate renders the lab and writes main.tf, variables.tf and terraform.tfvars.
// Unsupported providers fail before anything touches the filesystem.
func (g *Generator) Generate(ctx context.Context, lab *engine.Lab, machines []*engine.Machine) (*Files, error) {
	main, variables, tfvars, err := g.Render(lab, machines)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir, err := g.workspaces.ProvisioningDir(lab.ID)
	if err != nil {
		return nil, err
	}

	files := &Files{
		Dir:       dir,
		Main:      filepath.Join(dir, MainFile),
		Variables: filepath.Join(dir, VariablesFile),
		TFVars:    filepath.Join(dir, TFVarsFile),
	}
	for path, content := range map[string]string{
		files.Main:      main,
		files.Variables: variables,
		files.TFVars:    tfvars,
	} {
		if err := writeFileAtomic(path, []byte(content), 0o600); err != nil {
			return nil, err
		}
	}

	g.logger.Info().
		Str("lab_id", lab.ID).
		Str("provider", string(lab.Provider)).
		Int("machines", len(machines)).
		Msg("Provisioning configuration generated")

	return files, nil
}

// OutputName is the output binding holding a machine's reachable address.
func OutputName(machineID string) string {
	return "machine_" + machineID + "_ip"
}

// PrivateOutputName is the output binding holding a machine's private address.
func PrivateOutputName(machineID string) string {
	return "machine_" + machineID + "_private_ip"
}

func resourceName(machineID string) string {
	return "machine_" + machineID
}

func renderValues(values map[string]string) *hclwrite.File {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	f := hclwrite.NewEmptyFile()
	body := f.Body()
	for _, k := range keys {
		body.SetAttributeValue(k, cty.StringVal(values[k]))
	}
	return f
}

// format returns the file in canonical terraform fmt layout.
func format(f *hclwrite.File) string {
	return string(hclwrite.Format(f.Bytes()))
}

// ref builds a traversal such as var.region or digitalocean_vpc.lab_network.id.
func ref(path string) hcl.Traversal {
	parts := strings.Split(path, ".")
	t := hcl.Traversal{hcl.TraverseRoot{Name: parts[0]}}
	for _, p := range parts[1:] {
		t = append(t, hcl.TraverseAttr{Name: p})
	}
	return t
}

// variable is a string input variable. An empty def declares no default.
type variable struct {
	name        string
	description string
	def         string
	sensitive   bool
}

func declareVariables(body *hclwrite.Body, vars ...variable) {
	for _, v := range vars {
		if len(body.Blocks()) > 0 {
			body.AppendNewline()
		}
		vb := body.AppendNewBlock("variable", []string{v.name}).Body()
		vb.SetAttributeValue("description", cty.StringVal(v.description))
		vb.SetAttributeTraversal("type", ref("string"))
		if v.def != "" {
			vb.SetAttributeValue("default", cty.StringVal(v.def))
		}
		if v.sensitive {
			vb.SetAttributeValue("sensitive", cty.True)
		}
	}
}

// appendOutput appends an output block whose value is a resource attribute.
func appendOutput(body *hclwrite.Body, name, value string) {
	body.AppendNewline()
	body.AppendNewBlock("output", []string{name}).Body().SetAttributeTraversal("value", ref(value))
}

// requireProvider writes the terraform block pinning one provider.
func requireProvider(body *hclwrite.Body, name, source, version string) {
	rp := body.AppendNewBlock("terraform", nil).Body().AppendNewBlock("required_providers", nil).Body()
	rp.SetAttributeValue(name, cty.ObjectVal(map[string]cty.Value{
		"source":  cty.StringVal(source),
		"version": cty.StringVal(version),
	}))
	body.AppendNewline()
}

func stringList(values []string) cty.Value {
	list := make([]cty.Value, len(values))
	for i, v := range values {
		list[i] = cty.StringVal(v)
	}
	return cty.ListVal(list)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := os.Chmod(tmp.Name(), perm); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}
