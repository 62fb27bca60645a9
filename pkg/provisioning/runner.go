package provisioning

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openfroyo/labforge/pkg/engine"
	"github.com/openfroyo/labforge/pkg/process"
	"github.com/rs/zerolog"
)

// RunnerConfig holds the terraform binary and per-subcommand timeouts.
type RunnerConfig struct {
	Binary         string
	InitTimeout    time.Duration
	PlanTimeout    time.Duration
	ApplyTimeout   time.Duration
	DestroyTimeout time.Duration
	OutputTimeout  time.Duration
}

// DefaultRunnerConfig returns the stock timeouts.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Binary:         "terraform",
		InitTimeout:    300 * time.Second,
		PlanTimeout:    300 * time.Second,
		ApplyTimeout:   1800 * time.Second,
		DestroyTimeout: 1800 * time.Second,
		OutputTimeout:  60 * time.Second,
	}
}

// Runner drives terraform in a lab's provisioning workspace.
type Runner struct {
	exec       process.Executor
	workspaces Workspaces
	cfg        RunnerConfig
	logger     zerolog.Logger
}

// NewRunner creates a runner. Zero fields of cfg fall back to DefaultRunnerConfig.
func NewRunner(exec process.Executor, workspaces Workspaces, cfg RunnerConfig, logger zerolog.Logger) *Runner {
	def := DefaultRunnerConfig()
	if cfg.Binary == "" {
		cfg.Binary = def.Binary
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = def.InitTimeout
	}
	if cfg.PlanTimeout <= 0 {
		cfg.PlanTimeout = def.PlanTimeout
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = def.ApplyTimeout
	}
	if cfg.DestroyTimeout <= 0 {
		cfg.DestroyTimeout = def.DestroyTimeout
	}
	if cfg.OutputTimeout <= 0 {
		cfg.OutputTimeout = def.OutputTimeout
	}
	return &Runner{
		exec:       exec,
		workspaces: workspaces,
		cfg:        cfg,
		logger:     logger.With().Str("component", "provisioning-runner").Logger(),
	}
}

// Init runs terraform init.
func (r *Runner) Init(ctx context.Context, labID string) process.Result {
	return r.run(ctx, labID, r.cfg.InitTimeout, "init", "-input=false", "-no-color")
}

// Plan runs terraform plan and writes the plan file.
func (r *Runner) Plan(ctx context.Context, labID string) process.Result {
	return r.run(ctx, labID, r.cfg.PlanTimeout, "plan", "-input=false", "-no-color", "-out="+PlanFile)
}

// Apply applies the saved plan file.
func (r *Runner) Apply(ctx context.Context, labID string) process.Result {
	return r.run(ctx, labID, r.cfg.ApplyTimeout, "apply", "-input=false", "-no-color", "-auto-approve", PlanFile)
}

// Destroy tears down every resource in the workspace state.
func (r *Runner) Destroy(ctx context.Context, labID string) process.Result {
	return r.run(ctx, labID, r.cfg.DestroyTimeout, "destroy", "-input=false", "-no-color", "-auto-approve")
}

// GetOutputs reads the workspace outputs as a flat name to value map.
// Non-string values are rendered as compact JSON.
func (r *Runner) GetOutputs(ctx context.Context, labID string) (map[string]string, process.Result, error) {
	res := r.run(ctx, labID, r.cfg.OutputTimeout, "output", "-json", "-no-color")
	if !res.Success {
		return nil, res, nil
	}
	outputs, err := ParseOutputs([]byte(res.Stdout))
	if err != nil {
		return nil, res, engine.NewOutputParseError("failed to parse terraform outputs", err).
			WithResource(labID).WithOperation("output")
	}
	return outputs, res, nil
}

// ParseOutputs decodes `terraform output -json` into a flat map.
func ParseOutputs(data []byte) (map[string]string, error) {
	var raw map[string]struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	outputs := make(map[string]string, len(raw))
	for name, o := range raw {
		if len(o.Value) == 0 || string(o.Value) == "null" {
			continue
		}
		var s string
		if err := json.Unmarshal(o.Value, &s); err == nil {
			outputs[name] = s
			continue
		}
		outputs[name] = string(o.Value)
	}
	return outputs, nil
}

func (r *Runner) run(ctx context.Context, labID string, timeout time.Duration, args ...string) process.Result {
	dir, err := r.workspaces.ProvisioningDir(labID)
	if err != nil {
		return process.Result{
			ExitCode: -1,
			Stderr:   err.Error(),
			StartErr: fmt.Errorf("failed to resolve provisioning workspace: %w", err),
		}
	}
	cmd := process.Command{
		Name:    r.cfg.Binary,
		Args:    args,
		Dir:     dir,
		Env:     map[string]string{"TF_IN_AUTOMATION": "1"},
		Timeout: timeout,
	}
	r.logger.Info().Str("lab_id", labID).Str("command", cmd.String()).Msg("Running terraform")
	return r.exec.Run(ctx, cmd)
}
