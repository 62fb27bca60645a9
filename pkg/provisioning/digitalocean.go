package provisioning

import (
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/openfroyo/labforge/pkg/engine"
	"github.com/zclconf/go-cty/cty"
)

// sizeClass maps cpu and ram ceilings to a backend size slug.
type sizeClass struct {
	maxCPU   int
	maxRAMGB int
	slug     string
}

// dropletSizes is ordered smallest first; the first class satisfying both
// ceilings wins.
var dropletSizes = []sizeClass{
	{maxCPU: 1, maxRAMGB: 1, slug: "s-1vcpu-1gb"},
	{maxCPU: 1, maxRAMGB: 2, slug: "s-1vcpu-2gb"},
	{maxCPU: 2, maxRAMGB: 4, slug: "s-2vcpu-4gb"},
	{maxCPU: 4, maxRAMGB: 8, slug: "s-4vcpu-8gb"},
}

const fallbackDropletSize = "s-8vcpu-16gb"

var dropletImages = map[string]string{
	"ubuntu-22.04": "ubuntu-22-04-x64",
	"ubuntu-20.04": "ubuntu-20-04-x64",
	"centos-8":     "centos-8-x64",
	"debian-11":    "debian-11-x64",
}

const defaultDropletImage = "ubuntu-22-04-x64"

// DropletSize returns the smallest droplet size slug that fits cpu and ram.
func DropletSize(cpu, ramGB int) string {
	for _, c := range dropletSizes {
		if cpu <= c.maxCPU && ramGB <= c.maxRAMGB {
			return c.slug
		}
	}
	return fallbackDropletSize
}

// DropletImage maps an OS identifier to a droplet image slug.
func DropletImage(os string) string {
	if img, ok := dropletImages[os]; ok {
		return img
	}
	return defaultDropletImage
}

// DigitalOcean renders the cloud-VM backend: one VPC, one SSH key, and per
// machine a droplet plus a floating IP.
type DigitalOcean struct{}

// Kind implements Backend.
func (DigitalOcean) Kind() engine.ProviderKind { return engine.ProviderVPS }

// Main implements Backend.
func (DigitalOcean) Main(lab *engine.Lab, machines []*engine.Machine) *hclwrite.File {
	f := hclwrite.NewEmptyFile()
	body := f.Body()

	requireProvider(body, "digitalocean", "digitalocean/digitalocean", "~> 2.0")
	body.AppendNewBlock("provider", []string{"digitalocean"}).Body().
		SetAttributeTraversal("token", ref("var.do_token"))

	body.AppendNewline()
	vpc := body.AppendNewBlock("resource", []string{"digitalocean_vpc", "lab_network"}).Body()
	vpc.SetAttributeValue("name", cty.StringVal(lab.Name+"-network"))
	vpc.SetAttributeTraversal("region", ref("var.region"))
	vpc.SetAttributeValue("ip_range", cty.StringVal("10.0.0.0/16"))

	body.AppendNewline()
	key := body.AppendNewBlock("resource", []string{"digitalocean_ssh_key", "lab_key"}).Body()
	key.SetAttributeValue("name", cty.StringVal(lab.Name+"-key"))
	key.SetAttributeTraversal("public_key", ref("var.ssh_public_key"))

	for _, m := range machines {
		res := resourceName(m.ID)

		body.AppendNewline()
		droplet := body.AppendNewBlock("resource", []string{"digitalocean_droplet", res}).Body()
		droplet.SetAttributeTraversal("image", ref("var."+res+"_image"))
		droplet.SetAttributeValue("name", cty.StringVal(m.Name))
		droplet.SetAttributeTraversal("region", ref("var.region"))
		droplet.SetAttributeTraversal("size", ref("var."+res+"_size"))
		droplet.SetAttributeTraversal("vpc_uuid", ref("digitalocean_vpc.lab_network.id"))
		droplet.SetAttributeRaw("ssh_keys", hclwrite.TokensForTuple([]hclwrite.Tokens{
			hclwrite.TokensForTraversal(ref("digitalocean_ssh_key.lab_key.id")),
		}))
		droplet.SetAttributeValue("tags", stringList(tags(lab, m)))
		droplet.SetAttributeValue("user_data", cty.StringVal(dropletUserData))

		body.AppendNewline()
		fip := body.AppendNewBlock("resource", []string{"digitalocean_floating_ip", res + "_ip"}).Body()
		fip.SetAttributeTraversal("droplet_id", ref("digitalocean_droplet."+res+".id"))
		fip.SetAttributeTraversal("region", ref("var.region"))
	}

	for _, m := range machines {
		res := resourceName(m.ID)
		appendOutput(body, OutputName(m.ID), "digitalocean_floating_ip."+res+"_ip.ip_address")
		appendOutput(body, PrivateOutputName(m.ID), "digitalocean_droplet."+res+".ipv4_address_private")
	}

	return f
}

// dropletUserData installs the python runtime Ansible needs.
const dropletUserData = "#!/bin/bash\napt-get update\napt-get install -y python3 python3-apt\n"

// Variables implements Backend.
func (DigitalOcean) Variables(lab *engine.Lab, machines []*engine.Machine) *hclwrite.File {
	f := hclwrite.NewEmptyFile()
	body := f.Body()

	declareVariables(body,
		variable{name: "do_token", description: "DigitalOcean API token", sensitive: true},
		variable{name: "region", description: "DigitalOcean region", def: "fra1"},
		variable{name: "ssh_public_key", description: "SSH public key installed on every droplet"},
	)
	for _, m := range machines {
		res := resourceName(m.ID)
		declareVariables(body,
			variable{name: res + "_image", description: "Image for " + m.Name, def: DropletImage(m.OS)},
			variable{name: res + "_size", description: "Size for " + m.Name, def: DropletSize(m.Sizing.CPU, m.Sizing.RAMGB)},
		)
	}
	return f
}

// Values implements Backend.
func (DigitalOcean) Values(lab *engine.Lab) map[string]string {
	return map[string]string{
		"do_token":       lab.ProviderSetting("api_token", "YOUR_DO_TOKEN"),
		"region":         lab.ProviderSetting("region", "fra1"),
		"ssh_public_key": lab.ProviderSetting("ssh_public_key", "YOUR_SSH_PUBLIC_KEY"),
	}
}

func tags(lab *engine.Lab, m *engine.Machine) []string {
	role := m.Role
	if role == "" {
		role = "default"
	}
	return []string{
		"lab:" + lab.Name,
		"lab_id:" + lab.ID,
		"machine:" + m.Name,
		"role:" + role,
	}
}
