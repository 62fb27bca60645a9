package provisioning

import (
	"fmt"
	"strings"

	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/openfroyo/labforge/pkg/engine"
	"github.com/zclconf/go-cty/cty"
)

var proxmoxTemplates = map[string]string{
	"ubuntu-22.04": "ubuntu-22.04-template",
	"ubuntu-20.04": "ubuntu-20.04-template",
	"centos-8":     "centos-8-template",
	"debian-11":    "debian-11-template",
}

const defaultProxmoxTemplate = "ubuntu-22.04-template"

// ProxmoxTemplate maps an OS identifier to a clone template name.
func ProxmoxTemplate(os string) string {
	if tpl, ok := proxmoxTemplates[os]; ok {
		return tpl
	}
	return defaultProxmoxTemplate
}

// Proxmox renders the on-prem hypervisor backend: one cloned QEMU VM per machine
// attached to the configured bridge.
type Proxmox struct{}

// Kind implements Backend.
func (Proxmox) Kind() engine.ProviderKind { return engine.ProviderLocal }

// Main implements Backend.
func (Proxmox) Main(lab *engine.Lab, machines []*engine.Machine) *hclwrite.File {
	f := hclwrite.NewEmptyFile()
	body := f.Body()

	requireProvider(body, "proxmox", "telmate/proxmox", "2.9.14")
	provider := body.AppendNewBlock("provider", []string{"proxmox"}).Body()
	provider.SetAttributeTraversal("pm_api_url", ref("var.proxmox_api_url"))
	provider.SetAttributeTraversal("pm_user", ref("var.proxmox_user"))
	provider.SetAttributeTraversal("pm_password", ref("var.proxmox_password"))
	provider.SetAttributeValue("pm_tls_insecure", cty.True)

	for _, m := range machines {
		res := resourceName(m.ID)

		body.AppendNewline()
		vm := body.AppendNewBlock("resource", []string{"proxmox_vm_qemu", res}).Body()
		vm.SetAttributeValue("name", cty.StringVal(m.Name))
		vm.SetAttributeTraversal("target_node", ref("var.proxmox_node"))
		vm.SetAttributeTraversal("clone", ref("var."+res+"_template"))
		vm.AppendNewline()
		vm.SetAttributeValue("cores", cty.NumberIntVal(int64(m.Sizing.CPU)))
		vm.SetAttributeValue("memory", cty.NumberIntVal(int64(m.Sizing.RAMGB)*1024))
		vm.SetAttributeValue("sockets", cty.NumberIntVal(1))

		vm.AppendNewline()
		disk := vm.AppendNewBlock("disk", nil).Body()
		disk.SetAttributeValue("size", cty.StringVal(fmt.Sprintf("%dG", m.Sizing.StorageGB)))
		disk.SetAttributeValue("type", cty.StringVal("scsi"))
		disk.SetAttributeTraversal("storage", ref("var.proxmox_storage"))

		vm.AppendNewline()
		network := vm.AppendNewBlock("network", nil).Body()
		network.SetAttributeValue("model", cty.StringVal("virtio"))
		network.SetAttributeTraversal("bridge", ref("var.proxmox_bridge"))

		vm.AppendNewline()
		vm.SetAttributeValue("os_type", cty.StringVal("cloud-init"))
		vm.SetAttributeTraversal("ciuser", ref("var.vm_user"))
		vm.SetAttributeTraversal("cipassword", ref("var.vm_password"))
		vm.SetAttributeTraversal("sshkeys", ref("var.ssh_public_key"))
		vm.SetAttributeValue("tags", cty.StringVal(strings.Join(tags(lab, m), ",")))
	}

	for _, m := range machines {
		appendOutput(body, OutputName(m.ID), "proxmox_vm_qemu."+resourceName(m.ID)+".default_ipv4_address")
	}

	return f
}

// Variables implements Backend.
func (Proxmox) Variables(lab *engine.Lab, machines []*engine.Machine) *hclwrite.File {
	f := hclwrite.NewEmptyFile()
	body := f.Body()

	declareVariables(body,
		variable{name: "proxmox_api_url", description: "Proxmox API URL"},
		variable{name: "proxmox_user", description: "Proxmox username"},
		variable{name: "proxmox_password", description: "Proxmox password", sensitive: true},
		variable{name: "proxmox_node", description: "Proxmox node name"},
		variable{name: "proxmox_storage", description: "Proxmox storage name", def: "local-lvm"},
		variable{name: "proxmox_bridge", description: "Proxmox network bridge", def: "vmbr0"},
		variable{name: "vm_user", description: "Cloud-init user", def: "ubuntu"},
		variable{name: "vm_password", description: "Cloud-init password", sensitive: true},
		variable{name: "ssh_public_key", description: "SSH public key installed through cloud-init"},
	)
	for _, m := range machines {
		res := resourceName(m.ID)
		declareVariables(body, variable{
			name:        res + "_template",
			description: "Template for " + m.Name,
			def:         ProxmoxTemplate(m.OS),
		})
	}
	return f
}

// Values implements Backend.
func (Proxmox) Values(lab *engine.Lab) map[string]string {
	return map[string]string{
		"proxmox_api_url":  lab.ProviderSetting("api_url", "https://your-proxmox:8006/api2/json"),
		"proxmox_user":     lab.ProviderSetting("user", "root@pam"),
		"proxmox_password": lab.ProviderSetting("password", "YOUR_PASSWORD"),
		"proxmox_node":     lab.ProviderSetting("node", "proxmox"),
		"proxmox_storage":  lab.ProviderSetting("storage", "local-lvm"),
		"proxmox_bridge":   lab.ProviderSetting("bridge", "vmbr0"),
		"vm_user":          lab.ProviderSetting("vm_user", "ubuntu"),
		"vm_password":      lab.ProviderSetting("vm_password", "ubuntu"),
		"ssh_public_key":   lab.ProviderSetting("ssh_public_key", "YOUR_SSH_PUBLIC_KEY"),
	}
}
