package configmgmt

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/labforge/pkg/engine"
	"github.com/openfroyo/labforge/pkg/process"
	"github.com/rs/zerolog"
)

// RunnerConfig holds the ansible binaries and timeouts.
type RunnerConfig struct {
	AnsibleBinary   string
	PlaybookBinary  string
	PingTimeout     time.Duration
	PlaybookTimeout time.Duration
}

// DefaultRunnerConfig returns the stock binaries and timeouts.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		AnsibleBinary:   "ansible",
		PlaybookBinary:  "ansible-playbook",
		PingTimeout:     300 * time.Second,
		PlaybookTimeout: 1800 * time.Second,
	}
}

// Runner runs ansible against a lab's inventory.
type Runner struct {
	exec       process.Executor
	workspaces Workspaces
	cfg        RunnerConfig
	logger     zerolog.Logger
}

// NewRunner creates a runner. Zero fields of cfg fall back to DefaultRunnerConfig.
func NewRunner(exec process.Executor, workspaces Workspaces, cfg RunnerConfig, logger zerolog.Logger) *Runner {
	def := DefaultRunnerConfig()
	if cfg.AnsibleBinary == "" {
		cfg.AnsibleBinary = def.AnsibleBinary
	}
	if cfg.PlaybookBinary == "" {
		cfg.PlaybookBinary = def.PlaybookBinary
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = def.PingTimeout
	}
	if cfg.PlaybookTimeout <= 0 {
		cfg.PlaybookTimeout = def.PlaybookTimeout
	}
	return &Runner{
		exec:       exec,
		workspaces: workspaces,
		cfg:        cfg,
		logger:     logger.With().Str("component", "configmgmt-runner").Logger(),
	}
}

// TestConnectivity pings every host in the inventory.
func (r *Runner) TestConnectivity(ctx context.Context, lab *engine.Lab, inventoryPath string) process.Result {
	return r.run(ctx, lab, process.Command{
		Name:    r.cfg.AnsibleBinary,
		Args:    []string{"all", "-i", inventoryPath, "-m", "ping"},
		Timeout: r.cfg.PingTimeout,
	})
}

// RunTaskBundle runs a playbook, limited to hostFilter when it is set.
func (r *Runner) RunTaskBundle(ctx context.Context, lab *engine.Lab, playbookPath, inventoryPath, hostFilter string) process.Result {
	args := []string{"-i", inventoryPath, playbookPath, "-v"}
	if hostFilter != "" {
		args = append(args, "--limit", hostFilter)
	}
	return r.run(ctx, lab, process.Command{
		Name:    r.cfg.PlaybookBinary,
		Args:    args,
		Timeout: r.cfg.PlaybookTimeout,
	})
}

func (r *Runner) run(ctx context.Context, lab *engine.Lab, cmd process.Command) process.Result {
	dir, err := r.workspaces.ConfigDir(lab.ID)
	if err != nil {
		return process.Result{
			ExitCode: -1,
			Stderr:   err.Error(),
			StartErr: fmt.Errorf("failed to resolve config workspace: %w", err),
		}
	}
	cmd.Dir = dir
	cmd.Env = map[string]string{
		"ANSIBLE_HOST_KEY_CHECKING": "False",
		"ANSIBLE_NOCOLOR":           "1",
	}
	r.logger.Info().Str("lab_id", lab.ID).Str("command", cmd.String()).Msg("Running ansible")
	return r.exec.Run(ctx, cmd)
}
