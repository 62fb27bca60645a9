// Package labs manages lab definitions, custom task bundles and the
// deployment history on top of the record store.
package labs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/openfroyo/labforge/pkg/config"
	"github.com/openfroyo/labforge/pkg/configmgmt"
	"github.com/openfroyo/labforge/pkg/engine"
	"github.com/openfroyo/labforge/pkg/stores"
	"github.com/rs/zerolog"
)

// Machine defaults applied when a definition leaves a field empty.
const (
	DefaultCPU       = 2
	DefaultRAMGB     = 4
	DefaultStorageGB = 20
	DefaultRole      = "default"
	DefaultOS        = "ubuntu-22.04"
)

// Workspaces removes a lab's workspaces.
type Workspaces interface {
	Purge(labID string) error
}

// Runs reports whether a pipeline run holds a lab.
type Runs interface {
	Busy(labID string) bool
}

// Detail is a lab with its machines.
type Detail struct {
	Lab      *engine.Lab       `json:"lab"`
	Machines []*engine.Machine `json:"machines"`
}

// Service implements lab, bundle and log operations.
type Service struct {
	store      stores.Store
	workspaces Workspaces
	runs       Runs
	logger     zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithRuns rejects mutations of labs the pipeline currently holds.
func WithRuns(r Runs) Option {
	return func(s *Service) { s.runs = r }
}

// WithLogger sets the service logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a lab service.
func NewService(store stores.Store, workspaces Workspaces, opts ...Option) *Service {
	s := &Service{
		store:      store,
		workspaces: workspaces,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "labs").Logger()
	return s
}

// Create stores a new lab built from def.
func (s *Service) Create(ctx context.Context, def *config.LabDefinition) (*Detail, error) {
	lab := &engine.Lab{
		ID:             uuid.New().String(),
		Name:           def.Name,
		Description:    def.Description,
		Provider:       def.Provider,
		ProviderConfig: def.ProviderConfig,
		Status:         engine.LabStatusStopped,
	}
	if err := lab.Provider.Validate(); err != nil {
		return nil, engine.NewConfigurationError("unsupported provider", err).WithCode(engine.ErrCodeUnsupported)
	}

	machines, err := s.buildMachines(ctx, lab.ID, def.Machines)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateLab(ctx, lab, machines); err != nil {
		return nil, fmt.Errorf("failed to create lab: %w", err)
	}

	s.audit(ctx, stores.AuditLabCreated, lab.ID, map[string]interface{}{"name": lab.Name, "machines": len(machines)})
	s.logger.Info().Str("lab_id", lab.ID).Str("name", lab.Name).Int("machines", len(machines)).Msg("Lab created")
	return &Detail{Lab: lab, Machines: machines}, nil
}

// Update replaces a lab's attributes and all of its machines. Machines get
// fresh ids and lose their addresses.
func (s *Service) Update(ctx context.Context, idOrName string, def *config.LabDefinition) (*Detail, error) {
	lab, err := s.find(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	if err := s.checkIdle(lab, "update"); err != nil {
		return nil, err
	}
	if err := def.Provider.Validate(); err != nil {
		return nil, engine.NewConfigurationError("unsupported provider", err).WithCode(engine.ErrCodeUnsupported)
	}

	machines, err := s.buildMachines(ctx, lab.ID, def.Machines)
	if err != nil {
		return nil, err
	}

	lab.Name = def.Name
	lab.Description = def.Description
	lab.Provider = def.Provider
	lab.ProviderConfig = def.ProviderConfig
	if err := s.store.UpdateLab(ctx, lab); err != nil {
		return nil, fmt.Errorf("failed to update lab: %w", err)
	}
	if err := s.store.ReplaceMachines(ctx, lab.ID, machines); err != nil {
		return nil, fmt.Errorf("failed to replace machines: %w", err)
	}

	s.audit(ctx, stores.AuditLabUpdated, lab.ID, map[string]interface{}{"name": lab.Name, "machines": len(machines)})
	s.logger.Info().Str("lab_id", lab.ID).Int("machines", len(machines)).Msg("Lab updated")
	return &Detail{Lab: lab, Machines: machines}, nil
}

// Delete removes a lab with its machines, snapshots and logs, then purges
// its workspaces. Live infrastructure is not destroyed.
func (s *Service) Delete(ctx context.Context, idOrName string) error {
	lab, err := s.find(ctx, idOrName)
	if err != nil {
		return err
	}
	if err := s.checkIdle(lab, "delete"); err != nil {
		return err
	}

	if err := s.store.DeleteLab(ctx, lab.ID); err != nil {
		return fmt.Errorf("failed to delete lab: %w", err)
	}
	s.audit(ctx, stores.AuditLabDeleted, lab.ID, map[string]interface{}{"name": lab.Name})

	if err := s.workspaces.Purge(lab.ID); err != nil {
		return fmt.Errorf("failed to purge workspaces: %w", err)
	}
	s.logger.Info().Str("lab_id", lab.ID).Str("name", lab.Name).Msg("Lab deleted")
	return nil
}

// Get returns a lab by id or name with its machines.
func (s *Service) Get(ctx context.Context, idOrName string) (*Detail, error) {
	lab, err := s.find(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	machines, err := s.store.ListMachines(ctx, lab.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list machines: %w", err)
	}
	return &Detail{Lab: lab, Machines: machines}, nil
}

// List returns all labs.
func (s *Service) List(ctx context.Context) ([]*engine.Lab, error) {
	labs, err := s.store.ListLabs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list labs: %w", err)
	}
	return labs, nil
}

// Start marks a stopped lab running. No infrastructure is touched.
func (s *Service) Start(ctx context.Context, idOrName string) (*engine.Lab, error) {
	return s.transition(ctx, idOrName, engine.LabStatusStopped, engine.LabStatusRunning, stores.AuditLabStarted)
}

// Stop marks a running lab stopped. No infrastructure is touched.
func (s *Service) Stop(ctx context.Context, idOrName string) (*engine.Lab, error) {
	return s.transition(ctx, idOrName, engine.LabStatusRunning, engine.LabStatusStopped, stores.AuditLabStopped)
}

func (s *Service) transition(ctx context.Context, idOrName string, from, to engine.LabStatus, action string) (*engine.Lab, error) {
	lab, err := s.find(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	if err := s.checkIdle(lab, action); err != nil {
		return nil, err
	}
	if lab.Status != from {
		return nil, engine.NewConflictError(
			fmt.Sprintf("lab is %s, expected %s", lab.Status, from), nil,
		).WithResource(lab.ID)
	}

	if err := s.store.UpdateLabStatus(ctx, lab.ID, to); err != nil {
		return nil, fmt.Errorf("failed to update lab status: %w", err)
	}
	lab.Status = to

	s.audit(ctx, action, lab.ID, map[string]interface{}{"from": from, "to": to})
	s.logger.Info().Str("lab_id", lab.ID).Str("status", string(to)).Msg("Lab status changed")
	return lab, nil
}

// ListLogs returns a lab's deployment logs, newest first. A limit of zero
// means no limit.
func (s *Service) ListLogs(ctx context.Context, idOrName string, limit int) ([]*engine.DeploymentLog, error) {
	lab, err := s.find(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	logs, err := s.store.ListDeploymentLogs(ctx, lab.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployment logs: %w", err)
	}
	return logs, nil
}

// GetLog returns one deployment log.
func (s *Service) GetLog(ctx context.Context, id string) (*engine.DeploymentLog, error) {
	log, err := s.store.GetDeploymentLog(ctx, id)
	if err != nil {
		return nil, lookupError("deployment log", id, err)
	}
	return log, nil
}

// AuditTrail returns the audit entries recorded for a lab, newest first.
func (s *Service) AuditTrail(ctx context.Context, idOrName string, limit int) ([]*stores.AuditEntry, error) {
	lab, err := s.find(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	entries, err := s.store.ListAuditEntries(ctx, nil, &lab.ID, limit, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return entries, nil
}

func (s *Service) find(ctx context.Context, idOrName string) (*engine.Lab, error) {
	lab, err := s.store.FindLab(ctx, idOrName)
	if err != nil {
		return nil, lookupError("lab", idOrName, err)
	}
	return lab, nil
}

// checkIdle rejects changes to a lab a pipeline run owns.
func (s *Service) checkIdle(lab *engine.Lab, op string) error {
	if s.runs != nil && s.runs.Busy(lab.ID) {
		return engine.NewConflictError(fmt.Sprintf("lab is %s", lab.Status), nil).
			WithResource(lab.ID).
			WithOperation(op)
	}
	if lab.Status.IsBusy() {
		return engine.NewConflictError(
			fmt.Sprintf("lab is %s; if no run is in progress, run 'labforge lab recover %s'", lab.Status, lab.Name), nil,
		).WithResource(lab.ID).WithOperation(op)
	}
	return nil
}

// Recover moves a lab left deploying or destroying by an interrupted run to
// error, and marks that run's log as failed. A lab this process is still
// running is a conflict. Runs owned by another process are not visible here,
// so callers must only recover labs they know to be abandoned.
func (s *Service) Recover(ctx context.Context, idOrName string) (*engine.Lab, error) {
	lab, err := s.find(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	if s.runs != nil && s.runs.Busy(lab.ID) {
		return nil, engine.NewConflictError("a run is in progress", nil).WithResource(lab.ID).WithOperation("recover")
	}
	if !lab.Status.IsBusy() {
		return nil, engine.NewConflictError(fmt.Sprintf("lab is %s, nothing to recover", lab.Status), nil).WithResource(lab.ID)
	}

	logs, err := s.store.ListDeploymentLogs(ctx, lab.ID, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployment logs: %w", err)
	}
	for _, l := range logs {
		if l.Status != engine.LogStatusRunning {
			continue
		}
		if err := s.store.FinishDeploymentLog(ctx, l.ID, engine.LogStatusError, "Run interrupted, recovered by operator"); err != nil {
			return nil, fmt.Errorf("failed to close deployment log: %w", err)
		}
	}

	from := lab.Status
	if err := s.store.UpdateLabStatus(ctx, lab.ID, engine.LabStatusError); err != nil {
		return nil, fmt.Errorf("failed to update lab status: %w", err)
	}
	lab.Status = engine.LabStatusError

	s.audit(ctx, stores.AuditLabRecovered, lab.ID, map[string]interface{}{"from": from})
	s.logger.Warn().Str("lab_id", lab.ID).Str("from", string(from)).Msg("Lab recovered from interrupted run")
	return lab, nil
}

// buildMachines applies defaults, checks software modules and resolves
// bundle names to ids.
func (s *Service) buildMachines(ctx context.Context, labID string, defs []config.MachineDefinition) ([]*engine.Machine, error) {
	machines := make([]*engine.Machine, 0, len(defs))
	seen := make(map[string]bool, len(defs))

	for i, d := range defs {
		if d.Name == "" {
			return nil, engine.NewConfigurationError(fmt.Sprintf("machine %d has no name", i), nil)
		}
		if seen[d.Name] {
			return nil, engine.NewConfigurationError(fmt.Sprintf("duplicate machine name %q", d.Name), nil)
		}
		seen[d.Name] = true

		var unknown []string
		for _, module := range d.Software {
			if !configmgmt.HasModule(module) {
				unknown = append(unknown, module)
			}
		}
		if len(unknown) > 0 {
			return nil, engine.NewConfigurationError(
				fmt.Sprintf("machine %s: unknown software %s", d.Name, strings.Join(unknown, ", ")), nil,
			).WithDetail("available", configmgmt.Modules())
		}

		bundles, err := s.resolveBundles(ctx, d.CustomBundles)
		if err != nil {
			return nil, err
		}

		machines = append(machines, &engine.Machine{
			ID:    uuid.New().String(),
			LabID: labID,
			Name:  d.Name,
			OS:    orDefault(d.OS, DefaultOS),
			Role:  orDefault(d.Role, DefaultRole),
			Sizing: engine.Sizing{
				CPU:       positiveOr(d.CPU, DefaultCPU),
				RAMGB:     positiveOr(d.RAM, DefaultRAMGB),
				StorageGB: positiveOr(d.Storage, DefaultStorageGB),
			},
			Status:        engine.MachineStatusStopped,
			Software:      d.Software,
			CustomBundles: bundles,
			Position:      i,
		})
	}
	return machines, nil
}

func (s *Service) resolveBundles(ctx context.Context, refs []string) ([]string, error) {
	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		b, err := s.store.FindBundle(ctx, ref)
		if err != nil {
			return nil, lookupError("bundle", ref, err)
		}
		ids = append(ids, b.ID)
	}
	return ids, nil
}

func (s *Service) audit(ctx context.Context, action, targetID string, details map[string]interface{}) {
	entry := &stores.AuditEntry{
		Action:   action,
		Actor:    "labs",
		TargetID: &targetID,
	}
	if data, err := json.Marshal(details); err == nil {
		d := string(data)
		entry.Details = &d
	}
	if err := s.store.CreateAuditEntry(ctx, entry); err != nil {
		s.logger.Warn().Err(err).Str("action", action).Msg("Failed to write audit entry")
	}
}

func lookupError(kind, id string, err error) error {
	if errors.Is(err, stores.ErrNotFound) {
		return engine.NewReferenceError(kind+" not found", err).WithResource(id)
	}
	return err
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func positiveOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
