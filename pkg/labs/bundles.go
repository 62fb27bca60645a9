package labs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/openfroyo/labforge/pkg/engine"
	"github.com/openfroyo/labforge/pkg/stores"
	"gopkg.in/yaml.v3"
)

// BundleInput is the user-supplied part of a custom task bundle. Content is
// an ansible task list and is otherwise passed through untouched.
type BundleInput struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description" yaml:"description"`
	Content     string   `json:"content" yaml:"content"`
	Tags        []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

func (in BundleInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return engine.NewConfigurationError("bundle name is required", nil)
	}
	if strings.TrimSpace(in.Content) == "" {
		return engine.NewConfigurationError("bundle content is required", nil).WithResource(in.Name)
	}
	var tasks []map[string]interface{}
	if err := yaml.Unmarshal([]byte(in.Content), &tasks); err != nil {
		return engine.NewConfigurationError("bundle content must be a YAML task list", err).WithResource(in.Name)
	}
	return nil
}

// CreateBundle stores a new bundle. Names are unique.
func (s *Service) CreateBundle(ctx context.Context, in BundleInput) (*engine.CustomTaskBundle, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if err := s.checkBundleName(ctx, in.Name, ""); err != nil {
		return nil, err
	}

	b := &engine.CustomTaskBundle{
		ID:          uuid.New().String(),
		Name:        in.Name,
		Description: in.Description,
		Content:     in.Content,
		Tags:        in.Tags,
	}
	if err := s.store.CreateBundle(ctx, b); err != nil {
		return nil, fmt.Errorf("failed to create bundle: %w", err)
	}

	s.audit(ctx, stores.AuditBundleCreated, b.ID, map[string]interface{}{"name": b.Name})
	s.logger.Info().Str("bundle_id", b.ID).Str("name", b.Name).Msg("Bundle created")
	return b, nil
}

// UpdateBundle replaces a bundle's fields. Machines keep referencing it by id.
func (s *Service) UpdateBundle(ctx context.Context, idOrName string, in BundleInput) (*engine.CustomTaskBundle, error) {
	b, err := s.GetBundle(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	if err := s.checkBundleName(ctx, in.Name, b.ID); err != nil {
		return nil, err
	}

	b.Name = in.Name
	b.Description = in.Description
	b.Content = in.Content
	b.Tags = in.Tags
	if err := s.store.UpdateBundle(ctx, b); err != nil {
		return nil, fmt.Errorf("failed to update bundle: %w", err)
	}

	s.audit(ctx, stores.AuditBundleUpdated, b.ID, map[string]interface{}{"name": b.Name})
	return b, nil
}

// DeleteBundle removes a bundle. Machines that reference it keep a dangling
// id, which deploys skip.
func (s *Service) DeleteBundle(ctx context.Context, idOrName string) error {
	b, err := s.GetBundle(ctx, idOrName)
	if err != nil {
		return err
	}
	if err := s.store.DeleteBundle(ctx, b.ID); err != nil {
		return fmt.Errorf("failed to delete bundle: %w", err)
	}
	s.audit(ctx, stores.AuditBundleDeleted, b.ID, map[string]interface{}{"name": b.Name})
	s.logger.Info().Str("bundle_id", b.ID).Str("name", b.Name).Msg("Bundle deleted")
	return nil
}

// GetBundle returns a bundle by id or name.
func (s *Service) GetBundle(ctx context.Context, idOrName string) (*engine.CustomTaskBundle, error) {
	b, err := s.store.FindBundle(ctx, idOrName)
	if err != nil {
		return nil, lookupError("bundle", idOrName, err)
	}
	return b, nil
}

// ListBundles returns all bundles ordered by name.
func (s *Service) ListBundles(ctx context.Context) ([]*engine.CustomTaskBundle, error) {
	bundles, err := s.store.ListBundles(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list bundles: %w", err)
	}
	return bundles, nil
}

// checkBundleName rejects a name held by a bundle other than selfID.
func (s *Service) checkBundleName(ctx context.Context, name, selfID string) error {
	existing, err := s.store.FindBundle(ctx, name)
	switch {
	case errors.Is(err, stores.ErrNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("failed to look up bundle: %w", err)
	case existing.ID == selfID:
		return nil
	default:
		return engine.NewConflictError(fmt.Sprintf("bundle %q already exists", name), nil).WithResource(existing.ID)
	}
}
