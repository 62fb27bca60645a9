package provisioning

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/openfroyo/labforge/pkg/engine"
	"github.com/openfroyo/labforge/pkg/workspace"
	"github.com/rs/zerolog"
	"github.com/zclconf/go-cty/cty"
)

func newTestGenerator(t *testing.T) (*Generator, *workspace.Manager) {
	t.Helper()
	ws, err := workspace.NewManager(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create workspace manager: %v", err)
	}
	return NewGenerator(ws, zerolog.Nop()), ws
}

func testLab(provider engine.ProviderKind) (*engine.Lab, []*engine.Machine) {
	lab := &engine.Lab{
		ID:       "lab-1",
		Name:     "webstack",
		Provider: provider,
		ProviderConfig: map[string]string{
			"api_token": "tok",
			"region":    "ams3",
		},
	}
	machines := []*engine.Machine{
		{ID: "m1", LabID: lab.ID, Name: "web", OS: "ubuntu-22.04", Role: "web", Sizing: engine.Sizing{CPU: 1, RAMGB: 1, StorageGB: 20}},
		{ID: "m2", LabID: lab.ID, Name: "db", OS: "debian-11", Role: "db", Sizing: engine.Sizing{CPU: 4, RAMGB: 8, StorageGB: 50}},
		{ID: "m3", LabID: lab.ID, Name: "cache", OS: "arch", Sizing: engine.Sizing{CPU: 16, RAMGB: 64, StorageGB: 20}},
	}
	return lab, machines
}

// parseHCL parses generated configuration and fails the test on any
// diagnostic.
func parseHCL(t *testing.T, name, src string) *hclsyntax.Body {
	t.Helper()
	f, diags := hclsyntax.ParseConfig([]byte(src), name, hcl.InitialPos)
	if diags.HasErrors() {
		t.Fatalf("%s does not parse: %s\n%s", name, diags.Error(), src)
	}
	return f.Body.(*hclsyntax.Body)
}

func findBlock(t *testing.T, body *hclsyntax.Body, typ string, labels ...string) *hclsyntax.Body {
	t.Helper()
	for _, b := range body.Blocks {
		if b.Type == typ && strings.Join(b.Labels, ".") == strings.Join(labels, ".") {
			return b.Body
		}
	}
	t.Fatalf("block %s %v not found", typ, labels)
	return nil
}

// literal evaluates an attribute holding a constant.
func literal(t *testing.T, body *hclsyntax.Body, name string) string {
	t.Helper()
	attr, ok := body.Attributes[name]
	if !ok {
		t.Fatalf("attribute %s not found", name)
	}
	v, diags := attr.Expr.Value(nil)
	if diags.HasErrors() {
		t.Fatalf("attribute %s is not a literal: %s", name, diags.Error())
	}
	if v.Type() == cty.Number {
		return v.AsBigFloat().String()
	}
	return v.AsString()
}

// reference returns the source text of an attribute holding a traversal.
func reference(t *testing.T, body *hclsyntax.Body, src, name string) string {
	t.Helper()
	attr, ok := body.Attributes[name]
	if !ok {
		t.Fatalf("attribute %s not found", name)
	}
	if _, ok := attr.Expr.(*hclsyntax.ScopeTraversalExpr); !ok {
		t.Fatalf("attribute %s is %T, want a reference", name, attr.Expr)
	}
	return string(attr.Expr.Range().SliceBytes([]byte(src)))
}

func TestGenerateResourceAndOutputCounts(t *testing.T) {
	tests := []struct {
		provider engine.ProviderKind
		compute  string
	}{
		{engine.ProviderVPS, "digitalocean_droplet"},
		{engine.ProviderLocal, "proxmox_vm_qemu"},
	}

	for _, tt := range tests {
		t.Run(string(tt.provider), func(t *testing.T) {
			g, _ := newTestGenerator(t)
			lab, machines := testLab(tt.provider)

			files, err := g.Generate(context.Background(), lab, machines)
			if err != nil {
				t.Fatalf("generate failed: %v", err)
			}
			data, err := os.ReadFile(files.Main)
			if err != nil {
				t.Fatal(err)
			}
			main := string(data)

			body := parseHCL(t, MainFile, main)

			count := 0
			for _, b := range body.Blocks {
				if b.Type == "resource" && b.Labels[0] == tt.compute {
					count++
				}
			}
			if count != len(machines) {
				t.Errorf("expected %d compute resources, got %d", len(machines), count)
			}
			for _, m := range machines {
				findBlock(t, body, "output", OutputName(m.ID))
			}
			for _, f := range []string{files.Variables, files.TFVars} {
				info, err := os.Stat(f)
				if err != nil {
					t.Fatalf("missing %s: %v", f, err)
				}
				if info.Mode().Perm() != 0o600 {
					t.Errorf("%s: expected mode 0600, got %o", f, info.Mode().Perm())
				}
			}
		})
	}
}

func TestGenerateVPSFloatingIPsAndPrivateOutputs(t *testing.T) {
	g, _ := newTestGenerator(t)
	lab, machines := testLab(engine.ProviderVPS)

	main, _, tfvars, err := g.Render(lab, machines)
	if err != nil {
		t.Fatal(err)
	}
	body := parseHCL(t, MainFile, main)

	fips := 0
	for _, b := range body.Blocks {
		if b.Type == "resource" && b.Labels[0] == "digitalocean_floating_ip" {
			fips++
		}
	}
	if fips != 3 {
		t.Errorf("expected 3 floating ips, got %d", fips)
	}

	fip := findBlock(t, body, "resource", "digitalocean_floating_ip", "machine_m2_ip")
	if got := reference(t, fip, main, "droplet_id"); got != "digitalocean_droplet.machine_m2.id" {
		t.Errorf("droplet_id = %s", got)
	}
	private := findBlock(t, body, "output", "machine_m2_private_ip")
	if got := reference(t, private, main, "value"); got != "digitalocean_droplet.machine_m2.ipv4_address_private" {
		t.Errorf("private output = %s", got)
	}

	droplet := findBlock(t, body, "resource", "digitalocean_droplet", "machine_m2")
	if got := reference(t, droplet, main, "size"); got != "var.machine_m2_size" {
		t.Errorf("size = %s", got)
	}
	tagsValue, diags := droplet.Attributes["tags"].Expr.Value(nil)
	if diags.HasErrors() {
		t.Fatal(diags.Error())
	}
	var got []string
	for _, v := range tagsValue.AsValueSlice() {
		got = append(got, v.AsString())
	}
	if strings.Join(got, ",") != "lab:webstack,lab_id:lab-1,machine:db,role:db" {
		t.Errorf("unexpected tags: %v", got)
	}

	values := parseHCL(t, TFVarsFile, tfvars)
	if literal(t, values, "do_token") != "tok" || literal(t, values, "region") != "ams3" {
		t.Errorf("unexpected tfvars:\n%s", tfvars)
	}
}

func TestGenerateLocalSizing(t *testing.T) {
	g, _ := newTestGenerator(t)
	lab, machines := testLab(engine.ProviderLocal)

	main, variables, tfvars, err := g.Render(lab, machines)
	if err != nil {
		t.Fatal(err)
	}

	vm := findBlock(t, parseHCL(t, MainFile, main), "resource", "proxmox_vm_qemu", "machine_m2")
	if got := literal(t, vm, "memory"); got != "8192" {
		t.Errorf("memory = %s, want 8192", got)
	}
	if got := literal(t, vm, "cores"); got != "4" {
		t.Errorf("cores = %s, want 4", got)
	}
	if got := literal(t, findBlock(t, vm, "disk"), "size"); got != "50G" {
		t.Errorf("disk size = %s, want 50G", got)
	}
	if got := reference(t, findBlock(t, vm, "network"), main, "bridge"); got != "var.proxmox_bridge" {
		t.Errorf("bridge = %s", got)
	}

	vars := parseHCL(t, VariablesFile, variables)
	if got := literal(t, findBlock(t, vars, "variable", "machine_m2_template"), "default"); got != "debian-11-template" {
		t.Errorf("expected debian template default, got %s", got)
	}
	if got := literal(t, findBlock(t, vars, "variable", "machine_m3_template"), "default"); got != "ubuntu-22.04-template" {
		t.Errorf("expected fallback template for unknown os, got %s", got)
	}
	if _, ok := findBlock(t, vars, "variable", "proxmox_node").Attributes["default"]; ok {
		t.Error("proxmox_node must not carry a default")
	}

	values := parseHCL(t, TFVarsFile, tfvars)
	for name, want := range map[string]string{
		"proxmox_bridge":  "vmbr0",
		"proxmox_storage": "local-lvm",
		"vm_user":         "ubuntu",
		"proxmox_user":    "root@pam",
	} {
		if got := literal(t, values, name); got != want {
			t.Errorf("tfvars %s = %q, want %q", name, got, want)
		}
	}
}

func TestGenerateIsDeterministic(t *testing.T) {
	for _, p := range []engine.ProviderKind{engine.ProviderVPS, engine.ProviderLocal} {
		g, _ := newTestGenerator(t)
		lab, machines := testLab(p)

		first, err := g.Generate(context.Background(), lab, machines)
		if err != nil {
			t.Fatal(err)
		}
		snap := map[string]string{}
		for _, f := range []string{first.Main, first.Variables, first.TFVars} {
			data, _ := os.ReadFile(f)
			snap[f] = string(data)
		}

		if _, err := g.Generate(context.Background(), lab, machines); err != nil {
			t.Fatal(err)
		}
		for f, want := range snap {
			data, _ := os.ReadFile(f)
			if string(data) != want {
				t.Errorf("%s: %s changed between runs", p, filepath.Base(f))
			}
		}
	}
}

func TestGenerateUnsupportedProviderWritesNothing(t *testing.T) {
	g, ws := newTestGenerator(t)
	lab, machines := testLab(engine.ProviderKind("aws"))

	_, err := g.Generate(context.Background(), lab, machines)
	if err == nil {
		t.Fatal("expected error for unsupported provider")
	}
	if !engine.IsConfiguration(err) {
		t.Errorf("expected configuration error, got %v", err)
	}
	if ws.Exists(workspace.KindProvisioning, lab.ID) {
		t.Error("workspace must not be created for an unsupported provider")
	}
}

func TestDropletSize(t *testing.T) {
	tests := []struct {
		cpu, ram int
		want     string
	}{
		{1, 1, "s-1vcpu-1gb"},
		{1, 2, "s-1vcpu-2gb"},
		{2, 2, "s-2vcpu-4gb"},
		{2, 4, "s-2vcpu-4gb"},
		{1, 8, "s-4vcpu-8gb"},
		{4, 8, "s-4vcpu-8gb"},
		{4, 16, "s-8vcpu-16gb"},
		{8, 4, "s-8vcpu-16gb"},
	}
	for _, tt := range tests {
		if got := DropletSize(tt.cpu, tt.ram); got != tt.want {
			t.Errorf("DropletSize(%d, %d) = %s, want %s", tt.cpu, tt.ram, got, tt.want)
		}
	}
}

func TestGenerateEscapesUserStrings(t *testing.T) {
	tests := []struct {
		name     string
		provider engine.ProviderKind
		labName  string
	}{
		{"vps quote and interpolation", engine.ProviderVPS, `a"${b}`},
		{"vps template directive", engine.ProviderVPS, "x%{if true}y%{endif}"},
		{"local newline and backslash", engine.ProviderLocal, "line\\one\nline two"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _ := newTestGenerator(t)
			lab, machines := testLab(tt.provider)
			lab.Name = tt.labName
			machines[0].Name = tt.labName
			lab.ProviderConfig["ssh_public_key"] = tt.labName

			main, _, tfvars, err := g.Render(lab, machines)
			if err != nil {
				t.Fatal(err)
			}
			body := parseHCL(t, MainFile, main)

			compute := "digitalocean_droplet"
			if tt.provider == engine.ProviderLocal {
				compute = "proxmox_vm_qemu"
			}
			if got := literal(t, findBlock(t, body, "resource", compute, "machine_m1"), "name"); got != tt.labName {
				t.Errorf("machine name round-tripped as %q", got)
			}
			if got := literal(t, parseHCL(t, TFVarsFile, tfvars), "ssh_public_key"); got != tt.labName {
				t.Errorf("tfvars value round-tripped as %q", got)
			}
		})
	}
}
