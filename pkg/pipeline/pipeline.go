// Package pipeline drives a lab through the deploy and destroy state machines.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openfroyo/labforge/pkg/engine"
	"github.com/openfroyo/labforge/pkg/process"
	"github.com/openfroyo/labforge/pkg/provisioning"
	"github.com/openfroyo/labforge/pkg/stores"
	"github.com/openfroyo/labforge/pkg/telemetry"
	"github.com/rs/zerolog"
)

// ProvisioningGenerator writes a lab's Terraform configuration.
type ProvisioningGenerator interface {
	Generate(ctx context.Context, lab *engine.Lab, machines []*engine.Machine) (*provisioning.Files, error)
}

// ProvisioningRunner drives terraform in a lab's workspace.
type ProvisioningRunner interface {
	Init(ctx context.Context, labID string) process.Result
	Plan(ctx context.Context, labID string) process.Result
	Apply(ctx context.Context, labID string) process.Result
	Destroy(ctx context.Context, labID string) process.Result
	GetOutputs(ctx context.Context, labID string) (map[string]string, process.Result, error)
}

// ConfigGenerator writes inventories, playbooks and credentials.
type ConfigGenerator interface {
	GenerateInventory(ctx context.Context, lab *engine.Lab, machines []*engine.Machine, addresses map[string]string) (string, error)
	GenerateMachinePlaybook(ctx context.Context, lab *engine.Lab, machine *engine.Machine, bundles []*engine.CustomTaskBundle) (string, error)
	SaveCredential(ctx context.Context, lab *engine.Lab, pemBytes []byte) (string, error)
	SavePublicKey(ctx context.Context, lab *engine.Lab, authorizedKey []byte) (string, error)
}

// ConfigRunner runs ansible against a lab's inventory.
type ConfigRunner interface {
	TestConnectivity(ctx context.Context, lab *engine.Lab, inventoryPath string) process.Result
	RunTaskBundle(ctx context.Context, lab *engine.Lab, playbookPath, inventoryPath, hostFilter string) process.Result
}

// Admission decides whether a lab may be deployed. A denial is returned as a
// configuration error.
type Admission interface {
	Admit(ctx context.Context, lab *engine.Lab, machines []*engine.Machine) error
}

// Workspaces removes a lab's workspaces after a successful destroy.
type Workspaces interface {
	Purge(labID string) error
}

// Deps are the collaborators of a Pipeline. Policy and Telemetry are optional.
type Deps struct {
	Store              stores.Store
	Workspaces         Workspaces
	Provisioning       ProvisioningGenerator
	ProvisioningRunner ProvisioningRunner
	Config             ConfigGenerator
	ConfigRunner       ConfigRunner
	Policy             Admission
	Telemetry          *telemetry.Telemetry
	Logger             zerolog.Logger
}

// Options tune pipeline behaviour.
type Options struct {
	// GenerateKeys creates an ed25519 keypair for labs that carry no
	// ssh_private_key in their provider config.
	GenerateKeys bool
}

// Result is the outcome of one pipeline run. Stage is the last stage reached:
// StageSucceeded on success, the failing stage otherwise.
type Result struct {
	Success bool         `json:"success"`
	Stage   engine.Stage `json:"stage"`
	Message string       `json:"message"`
	LogID   string       `json:"log_id"`
}

// Pipeline runs deploy and destroy state machines for labs.
type Pipeline struct {
	deps   Deps
	opts   Options
	tel    *telemetry.Telemetry
	leases *leases
	logger zerolog.Logger
	wg     sync.WaitGroup
}

// New creates a pipeline from its collaborators.
func New(deps Deps, opts Options) (*Pipeline, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("pipeline requires a store")
	case deps.Workspaces == nil:
		return nil, fmt.Errorf("pipeline requires workspaces")
	case deps.Provisioning == nil || deps.ProvisioningRunner == nil:
		return nil, fmt.Errorf("pipeline requires a provisioning generator and runner")
	case deps.Config == nil || deps.ConfigRunner == nil:
		return nil, fmt.Errorf("pipeline requires a config generator and runner")
	}

	tel := deps.Telemetry
	if tel == nil {
		tel = telemetry.Nop()
	}

	return &Pipeline{
		deps:   deps,
		opts:   opts,
		tel:    tel,
		leases: newLeases(),
		logger: deps.Logger.With().Str("component", "pipeline").Logger(),
	}, nil
}

// run is the mutable state of one pipeline run.
type run struct {
	lab       *engine.Lab
	op        engine.Operation
	logID     string
	addresses map[string]string
	inventory string
	started   time.Time
	logger    zerolog.Logger
}

type stageFunc func(ctx context.Context, r *run) engine.StageResult

// Deploy runs the deploy state machine synchronously. The returned error is
// set only when the run could not start: unknown lab, conflicting run or a
// store failure. Stage failures are reported in the Result.
func (p *Pipeline) Deploy(ctx context.Context, labID string) (*Result, error) {
	r, err := p.begin(ctx, labID, engine.OperationDeploy)
	if err != nil {
		return nil, err
	}
	return p.execute(ctx, r), nil
}

// Destroy runs the destroy state machine synchronously.
func (p *Pipeline) Destroy(ctx context.Context, labID string) (*Result, error) {
	r, err := p.begin(ctx, labID, engine.OperationDestroy)
	if err != nil {
		return nil, err
	}
	return p.execute(ctx, r), nil
}

// StartDeploy starts a deploy in the background and returns its deployment
// log id. The run outlives ctx cancellation.
func (p *Pipeline) StartDeploy(ctx context.Context, labID string) (string, error) {
	return p.start(ctx, labID, engine.OperationDeploy)
}

// StartDestroy starts a destroy in the background and returns its deployment log id.
func (p *Pipeline) StartDestroy(ctx context.Context, labID string) (string, error) {
	return p.start(ctx, labID, engine.OperationDestroy)
}

// Wait blocks until all background runs have finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Busy reports whether a run currently holds the lab's lease.
func (p *Pipeline) Busy(labID string) bool {
	return p.leases.held(labID)
}

func (p *Pipeline) start(ctx context.Context, labID string, op engine.Operation) (string, error) {
	r, err := p.begin(ctx, labID, op)
	if err != nil {
		return "", err
	}

	detached := context.WithoutCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.execute(detached, r)
	}()

	return r.logID, nil
}

// begin takes the lease, marks the lab busy and opens the deployment log.
func (p *Pipeline) begin(ctx context.Context, labID string, op engine.Operation) (*run, error) {
	lab, err := p.deps.Store.FindLab(ctx, labID)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, engine.NewReferenceError("lab not found", err).WithResource(labID)
		}
		return nil, err
	}

	if !p.leases.acquire(lab.ID) {
		return nil, engine.NewConflictError(fmt.Sprintf("a pipeline run is already in progress for lab %s", lab.Name), nil).
			WithResource(lab.ID).
			WithOperation(string(op))
	}

	status := engine.LabStatusDeploying
	if op == engine.OperationDestroy {
		status = engine.LabStatusDestroying
	}
	if err := p.deps.Store.UpdateLabStatus(ctx, lab.ID, status); err != nil {
		p.leases.release(lab.ID)
		return nil, err
	}
	lab.Status = status

	log := &engine.DeploymentLog{
		ID:        uuid.New().String(),
		LabID:     lab.ID,
		Operation: op,
		Status:    engine.LogStatusRunning,
	}
	if err := p.deps.Store.CreateDeploymentLog(ctx, log); err != nil {
		_ = p.deps.Store.UpdateLabStatus(context.WithoutCancel(ctx), lab.ID, engine.LabStatusError)
		p.leases.release(lab.ID)
		return nil, err
	}

	p.audit(ctx, stores.AuditPipelineStarted, lab.ID, string(op))
	p.tel.Metrics.RecordPipelineStarted()
	_ = p.tel.Events.PublishPipelineStarted(lab.ID, log.ID, string(op))

	return &run{
		lab:       lab,
		op:        op,
		logID:     log.ID,
		addresses: make(map[string]string),
		started:   time.Now(),
		logger: p.logger.With().
			Str("lab_id", lab.ID).
			Str("lab", lab.Name).
			Str("log_id", log.ID).
			Str("operation", string(op)).
			Logger(),
	}, nil
}

// execute walks the stages of r and always releases the lease.
func (p *Pipeline) execute(ctx context.Context, r *run) *Result {
	defer p.leases.release(r.lab.ID)

	ctx, span := p.tel.Tracer.StartPipelineSpan(ctx, r.lab.ID, r.logID, string(r.op))
	defer span.End()

	stages := p.deployStages()
	if r.op == engine.OperationDestroy {
		stages = p.destroyStages()
	}

	r.logger.Info().Msg("Pipeline started")

	for _, s := range stages {
		res := p.runStage(ctx, r, s.stage, s.fn)
		if !res.IsOk() {
			telemetry.RecordError(span, res.Err())
			return p.fail(ctx, r, res)
		}
	}

	telemetry.RecordSuccess(span)
	return p.succeed(ctx, r)
}

type stage struct {
	stage engine.Stage
	fn    stageFunc
}

func (p *Pipeline) runStage(ctx context.Context, r *run, name engine.Stage, fn stageFunc) engine.StageResult {
	stageCtx, span := p.tel.Tracer.StartStageSpan(ctx, string(name))
	defer span.End()

	timer := telemetry.NewTimer()
	res := fn(stageCtx, r)
	if res.Stage == "" {
		res.Stage = name
	}

	status := "success"
	switch {
	case !res.IsOk():
		status = "failure"
		telemetry.RecordError(span, res.Err())
	case res.IsSkipped():
		status = "skipped"
	}
	p.tel.Metrics.RecordStage(string(r.op), string(name), status, timer.Duration())

	if !res.IsOk() {
		r.logger.Error().Err(res.Err()).Str("stage", string(name)).Msg(res.Detail())
		_ = p.tel.Events.PublishStageFailed(r.lab.ID, r.logID, string(name), res.Message())
		return res
	}

	if err := p.appendLog(ctx, r, res.Detail()); err != nil {
		return engine.Fail(name, "Failed to persist deployment log", err)
	}
	r.logger.Info().Str("stage", string(name)).Msg(res.Detail())
	_ = p.tel.Events.PublishStageCompleted(r.lab.ID, r.logID, string(name), res.Detail(), timer.Duration())
	return res
}

func (p *Pipeline) appendLog(ctx context.Context, r *run, line string) error {
	if line == "" {
		return nil
	}
	return p.deps.Store.AppendDeploymentLog(context.WithoutCancel(ctx), r.logID, line)
}

func (p *Pipeline) succeed(ctx context.Context, r *run) *Result {
	ctx = context.WithoutCancel(ctx)

	status, line := engine.LabStatusRunning, "Deployment succeeded"
	if r.op == engine.OperationDestroy {
		status, line = engine.LabStatusStopped, "Destroy succeeded"
	}

	var errs []error
	if err := p.deps.Store.UpdateLabStatus(ctx, r.lab.ID, status); err != nil {
		errs = append(errs, err)
	}
	if err := p.deps.Store.FinishDeploymentLog(ctx, r.logID, engine.LogStatusSuccess, line); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		r.logger.Error().Err(err).Msg("Failed to record pipeline success")
	}

	p.finish(ctx, r, true, line)
	return &Result{Success: true, Stage: engine.StageSucceeded, Message: line, LogID: r.logID}
}

func (p *Pipeline) fail(ctx context.Context, r *run, res engine.StageResult) *Result {
	ctx = context.WithoutCancel(ctx)

	prefix := "Deployment failed"
	if r.op == engine.OperationDestroy {
		prefix = "Destroy failed"
	}
	line := fmt.Sprintf("%s: %s", prefix, res.Message())

	var errs []error
	if err := p.deps.Store.UpdateLabStatus(ctx, r.lab.ID, engine.LabStatusError); err != nil {
		errs = append(errs, err)
	}
	if err := p.deps.Store.FinishDeploymentLog(ctx, r.logID, engine.LogStatusError, line); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		r.logger.Error().Err(err).Msg("Failed to record pipeline failure")
	}

	p.finish(ctx, r, false, line)
	return &Result{Success: false, Stage: res.Stage, Message: res.Message(), LogID: r.logID}
}

func (p *Pipeline) finish(ctx context.Context, r *run, success bool, line string) {
	status := "success"
	if !success {
		status = "failure"
	}
	p.tel.Metrics.RecordPipelineCompleted(string(r.op), status, time.Since(r.started))
	_ = p.tel.Events.PublishPipelineFinished(r.lab.ID, r.logID, string(r.op), success, line)
	p.audit(ctx, stores.AuditPipelineFinished, r.lab.ID, fmt.Sprintf("%s %s", r.op, status))
	r.logger.Info().Bool("success", success).Dur("duration", time.Since(r.started)).Msg("Pipeline finished")
}

func (p *Pipeline) audit(ctx context.Context, action, labID, details string) {
	entry := &stores.AuditEntry{
		Action:   action,
		Actor:    "pipeline",
		TargetID: &labID,
		Details:  &details,
	}
	if err := p.deps.Store.CreateAuditEntry(context.WithoutCancel(ctx), entry); err != nil {
		p.logger.Warn().Err(err).Str("action", action).Msg("Failed to write audit entry")
	}
}

// processError converts a failed process result into a classified error.
func processError(res process.Result) error {
	switch {
	case res.Success:
		return nil
	case res.TimedOut:
		return engine.NewTimeoutError(res.Reason(), nil).WithDetail("stderr", res.Stderr)
	default:
		return engine.NewProcessError(res.Reason(), res.ExitCode, res.Stderr)
	}
}
