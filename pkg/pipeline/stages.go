package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/labforge/pkg/configmgmt"
	"github.com/openfroyo/labforge/pkg/engine"
	"github.com/openfroyo/labforge/pkg/provisioning"
)

// Provider config keys read and written by the pipeline.
const (
	KeyPrivateKey = "ssh_private_key"
	KeyPublicKey  = "ssh_public_key"
)

func (p *Pipeline) deployStages() []stage {
	return []stage{
		{engine.StageConfigGenerated, p.generateConfig},
		{engine.StageProvisionInitialized, p.initProvisioning},
		{engine.StagePlanned, p.plan},
		{engine.StageApplied, p.apply},
		{engine.StageAddressesResolved, p.resolveAddresses},
		{engine.StageInventoryGenerated, p.generateInventory},
		{engine.StageCredentialSaved, p.saveCredential},
		{engine.StageConnectivityVerified, p.verifyConnectivity},
		{engine.StageMachineConfigured, p.configureMachines},
	}
}

func (p *Pipeline) destroyStages() []stage {
	return []stage{
		{engine.StageDestroyed, p.destroy},
		{engine.StageWorkspacesPurged, p.purgeWorkspaces},
	}
}

func (p *Pipeline) machines(ctx context.Context, r *run) ([]*engine.Machine, error) {
	return p.deps.Store.ListMachines(ctx, r.lab.ID)
}

func (p *Pipeline) generateConfig(ctx context.Context, r *run) engine.StageResult {
	const stage = engine.StageConfigGenerated

	machines, err := p.machines(ctx, r)
	if err != nil {
		return engine.Fail(stage, "Failed to load machines", err)
	}

	if p.deps.Policy != nil {
		if err := p.deps.Policy.Admit(ctx, r.lab, machines); err != nil {
			p.tel.Metrics.RecordPolicyDenial()
			_ = p.tel.Events.PublishPolicyViolation(r.lab.ID, "admission", err.Error())
			return engine.Fail(stage, "Lab denied by admission policy", err)
		}
	}

	if err := p.ensureKeys(ctx, r); err != nil {
		return engine.Fail(stage, "Failed to generate SSH keypair", err)
	}

	files, err := p.deps.Provisioning.Generate(ctx, r.lab, machines)
	if err != nil {
		return engine.Fail(stage, "Failed to generate Terraform configuration", err)
	}
	return engine.Okf(stage, "Generated Terraform config in %s", files.Dir)
}

// ensureKeys generates a keypair for labs without a private key, persists it
// in the provider config and writes the public half to the workspace.
func (p *Pipeline) ensureKeys(ctx context.Context, r *run) error {
	if !p.opts.GenerateKeys || r.lab.ProviderSetting(KeyPrivateKey, "") != "" {
		return nil
	}

	pair, err := configmgmt.GenerateKeyPair("labforge-" + r.lab.Name)
	if err != nil {
		return err
	}

	if r.lab.ProviderConfig == nil {
		r.lab.ProviderConfig = make(map[string]string)
	}
	r.lab.ProviderConfig[KeyPrivateKey] = string(pair.PrivatePEM)
	r.lab.ProviderConfig[KeyPublicKey] = strings.TrimSpace(string(pair.AuthorizedKey))
	if err := p.deps.Store.UpdateLab(ctx, r.lab); err != nil {
		return err
	}

	if _, err := p.deps.Config.SavePublicKey(ctx, r.lab, pair.AuthorizedKey); err != nil {
		return err
	}
	return p.appendLog(ctx, r, "Generated SSH keypair")
}

func (p *Pipeline) initProvisioning(ctx context.Context, r *run) engine.StageResult {
	res := p.deps.ProvisioningRunner.Init(ctx, r.lab.ID)
	if err := processError(res); err != nil {
		return engine.Fail(engine.StageProvisionInitialized, "Terraform init failed", err)
	}
	return engine.Ok(engine.StageProvisionInitialized, "Terraform init completed")
}

func (p *Pipeline) plan(ctx context.Context, r *run) engine.StageResult {
	res := p.deps.ProvisioningRunner.Plan(ctx, r.lab.ID)
	if err := processError(res); err != nil {
		return engine.Fail(engine.StagePlanned, "Terraform plan failed", err)
	}
	return engine.Ok(engine.StagePlanned, "Terraform plan created")
}

func (p *Pipeline) apply(ctx context.Context, r *run) engine.StageResult {
	res := p.deps.ProvisioningRunner.Apply(ctx, r.lab.ID)
	if err := processError(res); err != nil {
		return engine.Fail(engine.StageApplied, "Terraform apply failed", err)
	}
	return engine.Ok(engine.StageApplied, "Terraform apply completed")
}

func (p *Pipeline) resolveAddresses(ctx context.Context, r *run) engine.StageResult {
	const stage = engine.StageAddressesResolved

	outputs, res, err := p.deps.ProvisioningRunner.GetOutputs(ctx, r.lab.ID)
	if err != nil {
		return engine.Fail(stage, "Failed to parse Terraform outputs", err)
	}
	if err := processError(res); err != nil {
		return engine.Fail(stage, "Failed to read Terraform outputs", err)
	}

	if err := p.deps.Store.ResetMachines(ctx, r.lab.ID, engine.MachineStatusStopped); err != nil {
		return engine.Fail(stage, "Failed to clear previous addresses", err)
	}
	machines, err := p.machines(ctx, r)
	if err != nil {
		return engine.Fail(stage, "Failed to load machines", err)
	}

	resolved := make([]string, 0, len(machines))
	for _, m := range machines {
		addr, ok := outputs[provisioning.OutputName(m.ID)]
		if !ok || addr == "" {
			continue
		}
		if err := p.deps.Store.UpdateMachineAddress(ctx, m.ID, addr, engine.MachineStatusRunning); err != nil {
			return engine.Fail(stage, "Failed to store machine address", err)
		}
		r.addresses[m.ID] = addr
		resolved = append(resolved, fmt.Sprintf("%s=%s", m.Name, addr))
	}

	if len(resolved) == 0 {
		return engine.Ok(stage, "Machine addresses: none resolved")
	}
	return engine.Okf(stage, "Machine addresses: %s", strings.Join(resolved, ", "))
}

func (p *Pipeline) generateInventory(ctx context.Context, r *run) engine.StageResult {
	const stage = engine.StageInventoryGenerated

	machines, err := p.machines(ctx, r)
	if err != nil {
		return engine.Fail(stage, "Failed to load machines", err)
	}

	path, err := p.deps.Config.GenerateInventory(ctx, r.lab, machines, r.addresses)
	if err != nil {
		return engine.Fail(stage, "Failed to generate Ansible inventory", err)
	}
	r.inventory = path
	return engine.Okf(stage, "Generated Ansible inventory in %s", path)
}

func (p *Pipeline) saveCredential(ctx context.Context, r *run) engine.StageResult {
	const stage = engine.StageCredentialSaved

	key := r.lab.ProviderSetting(KeyPrivateKey, "")
	if key == "" {
		return engine.Skipped(stage, "No SSH private key provided, skipping")
	}
	if _, err := p.deps.Config.SaveCredential(ctx, r.lab, []byte(key)); err != nil {
		return engine.Fail(stage, "Failed to save SSH private key", err)
	}
	return engine.Ok(stage, "SSH private key saved")
}

func (p *Pipeline) verifyConnectivity(ctx context.Context, r *run) engine.StageResult {
	res := p.deps.ConfigRunner.TestConnectivity(ctx, r.lab, r.inventory)
	if err := processError(res); err != nil {
		return engine.Fail(engine.StageConnectivityVerified, "Ansible connectivity test failed", err)
	}
	return engine.Ok(engine.StageConnectivityVerified, "Ansible connectivity verified")
}

// configureMachines runs each machine's playbook in machine order. The first
// failure aborts the remaining machines.
func (p *Pipeline) configureMachines(ctx context.Context, r *run) engine.StageResult {
	const stage = engine.StageMachineConfigured

	machines, err := p.machines(ctx, r)
	if err != nil {
		return engine.Fail(stage, "Failed to load machines", err)
	}

	var ids []string
	for _, m := range machines {
		ids = append(ids, m.CustomBundles...)
	}
	bundles, err := p.deps.Store.ListBundlesByIDs(ctx, ids)
	if err != nil {
		return engine.Fail(stage, "Failed to load custom bundles", err)
	}

	configured := 0
	for _, m := range machines {
		if r.addresses[m.ID] == "" {
			if err := p.appendLog(ctx, r, fmt.Sprintf("Skipped %s: no address", m.Name)); err != nil {
				return engine.Fail(stage, "Failed to persist deployment log", err)
			}
			continue
		}

		playbook, err := p.deps.Config.GenerateMachinePlaybook(ctx, r.lab, m, bundles)
		if err != nil {
			return engine.Fail(stage, fmt.Sprintf("Failed to generate playbook for %s", m.Name), err)
		}
		if err := p.appendLog(ctx, r, fmt.Sprintf("Generated playbook for %s: %s", m.Name, playbook)); err != nil {
			return engine.Fail(stage, "Failed to persist deployment log", err)
		}

		res := p.deps.ConfigRunner.RunTaskBundle(ctx, r.lab, playbook, r.inventory, m.Name)
		if err := processError(res); err != nil {
			return engine.Fail(stage, fmt.Sprintf("Ansible playbook for %s failed", m.Name), err)
		}
		if err := p.appendLog(ctx, r, fmt.Sprintf("Configured %s", m.Name)); err != nil {
			return engine.Fail(stage, "Failed to persist deployment log", err)
		}
		configured++
	}

	return engine.Okf(stage, "Configured %d of %d machines", configured, len(machines))
}

func (p *Pipeline) destroy(ctx context.Context, r *run) engine.StageResult {
	const stage = engine.StageDestroyed

	res := p.deps.ProvisioningRunner.Destroy(ctx, r.lab.ID)
	if err := processError(res); err != nil {
		return engine.Fail(stage, "Terraform destroy failed", err)
	}
	if err := p.deps.Store.ResetMachines(ctx, r.lab.ID, engine.MachineStatusStopped); err != nil {
		return engine.Fail(stage, "Failed to reset machines", err)
	}
	return engine.Ok(stage, "Terraform destroy completed")
}

func (p *Pipeline) purgeWorkspaces(_ context.Context, r *run) engine.StageResult {
	if err := p.deps.Workspaces.Purge(r.lab.ID); err != nil {
		return engine.Fail(engine.StageWorkspacesPurged, "Failed to remove workspaces", err)
	}
	return engine.Ok(engine.StageWorkspacesPurged, "Workspaces removed")
}
