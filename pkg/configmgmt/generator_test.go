package configmgmt

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/labforge/pkg/engine"
	"github.com/openfroyo/labforge/pkg/workspace"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

func newTestGenerator(t *testing.T) *Generator {
	t.Helper()
	ws, err := workspace.NewManager(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create workspace manager: %v", err)
	}
	return NewGenerator(ws, zerolog.Nop())
}

func strPtr(s string) *string { return &s }

func TestGenerateInventoryOmitsUnaddressedMachines(t *testing.T) {
	g := newTestGenerator(t)
	lab := &engine.Lab{ID: "lab-1", Name: "web"}
	machines := []*engine.Machine{
		{ID: "m1", Name: "web1", Role: "web"},
		{ID: "m2", Name: "web2", Role: "web"},
		{ID: "m3", Name: "db", Role: "db"},
	}
	addresses := map[string]string{"m1": "10.0.0.1", "m2": "10.0.0.2"}

	path, err := g.GenerateInventory(context.Background(), lab, machines, addresses)
	if err != nil {
		t.Fatalf("generate inventory failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	var inv inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		t.Fatalf("inventory is not valid yaml: %v", err)
	}
	hosts := 0
	for _, group := range inv.All.Children {
		hosts += len(group.Hosts)
	}
	if hosts != 2 {
		t.Errorf("expected 2 hosts, got %d", hosts)
	}
	if _, ok := inv.All.Children["db"]; ok {
		t.Error("role with no addressed machines must not be emitted")
	}
	h := inv.All.Children["web"].Hosts["web1"]
	if h.AnsibleHost != "10.0.0.1" || h.AnsibleUser != "ubuntu" || h.MachineID != "m1" {
		t.Errorf("unexpected host entry: %+v", h)
	}
	if filepath.Base(h.PrivateKeyFile) != CredentialFile {
		t.Errorf("unexpected key file: %s", h.PrivateKeyFile)
	}
	if inv.All.Vars["ansible_python_interpreter"] != "/usr/bin/python3" {
		t.Error("missing python interpreter var")
	}
}

func TestGenerateInventoryIgnoresStoredAddress(t *testing.T) {
	g := newTestGenerator(t)
	lab := &engine.Lab{ID: "lab-1"}
	machines := []*engine.Machine{
		{ID: "m1", Name: "web", IPAddress: strPtr("192.0.2.7")},
		{ID: "m2", Name: "db", IPAddress: strPtr("192.0.2.8")},
	}

	path, err := g.GenerateInventory(context.Background(), lab, machines, map[string]string{"m1": "198.51.100.1"})
	if err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "198.51.100.1") {
		t.Errorf("fresh address missing:\n%s", data)
	}
	if strings.Contains(string(data), "192.0.2.") || strings.Contains(string(data), "db:") {
		t.Errorf("stored address leaked into inventory:\n%s", data)
	}
}

func TestGenerateMachinePlaybook(t *testing.T) {
	g := newTestGenerator(t)
	lab := &engine.Lab{ID: "lab-1"}
	machine := &engine.Machine{
		ID:            "m1",
		Name:          "web1",
		Software:      []string{"docker", "cobol", "nginx"},
		CustomBundles: []string{"b1", "missing"},
	}
	bundles := []*engine.CustomTaskBundle{
		{ID: "b1", Name: "hardening", Content: "- name: noop\n  ansible.builtin.debug:\n    msg: hi\n"},
		{ID: "b2", Name: "unused", Content: "---"},
	}

	path, err := g.GenerateMachinePlaybook(context.Background(), lab, machine, bundles)
	if err != nil {
		t.Fatalf("generate playbook failed: %v", err)
	}
	if filepath.Base(path) != "machine_m1_playbook.yml" {
		t.Errorf("unexpected playbook name: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var plays []play
	if err := yaml.Unmarshal(data, &plays); err != nil {
		t.Fatalf("playbook is not valid yaml: %v", err)
	}
	if len(plays) != 1 {
		t.Fatalf("expected one play, got %d", len(plays))
	}
	p := plays[0]
	if p.Name != "Configure web1" || p.Hosts != "web1" || !p.Become {
		t.Errorf("unexpected play header: %+v", p)
	}

	var includes []string
	for _, tk := range p.Tasks {
		if tk.IncludeTasks != "" {
			includes = append(includes, tk.IncludeTasks)
		}
	}
	want := []string{"playbooks/docker.yml", "playbooks/nginx.yml", "custom_b1.yml"}
	if strings.Join(includes, ",") != strings.Join(want, ",") {
		t.Errorf("expected includes %v, got %v", want, includes)
	}
	if p.Tasks[1].Apt == nil || strings.Join(p.Tasks[1].Apt.Name, ",") != "curl,wget,vim,htop,unzip" {
		t.Errorf("unexpected baseline task: %+v", p.Tasks[1])
	}

	dir := filepath.Dir(path)
	for _, f := range []string{"playbooks/docker.yml", "playbooks/nginx.yml", "custom_b1.yml"} {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			t.Errorf("expected %s to be written: %v", f, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "custom_b2.yml")); !os.IsNotExist(err) {
		t.Error("unreferenced bundle must not be written")
	}
}

func TestModules(t *testing.T) {
	mods := Modules()
	want := []string{"docker", "git", "mysql", "nginx", "nodejs", "postgresql", "python", "vscode-server"}
	if strings.Join(mods, ",") != strings.Join(want, ",") {
		t.Errorf("expected modules %v, got %v", want, mods)
	}
	if HasModule("../docker") {
		t.Error("path traversal must not resolve to a module")
	}
}

func TestSaveCredential(t *testing.T) {
	g := newTestGenerator(t)
	lab := &engine.Lab{ID: "lab-1"}

	if _, err := g.SaveCredential(context.Background(), lab, []byte("not a key")); !engine.IsConfiguration(err) {
		t.Errorf("expected configuration error for invalid key, got %v", err)
	}

	kp, err := GenerateKeyPair("labforge")
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	path, err := g.SaveCredential(context.Background(), lab, kp.PrivatePEM)
	if err != nil {
		t.Fatalf("save credential failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected mode 0600, got %o", info.Mode().Perm())
	}
	if !strings.HasPrefix(string(kp.AuthorizedKey), "ssh-ed25519 ") {
		t.Errorf("unexpected authorized key: %s", kp.AuthorizedKey)
	}
}
