// Package workspace owns the per-lab directories that hold generated
// provisioning and configuration-management artifacts.
package workspace

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// Kind selects one of the two per-lab workspaces.
type Kind string

const (
	// KindProvisioning holds the provisioning engine's input files and state.
	KindProvisioning Kind = "provisioning"

	// KindConfigManagement holds inventory, playbooks and the lab credential.
	KindConfigManagement Kind = "config-management"
)

// Kinds lists both workspace kinds in archive order.
var Kinds = []Kind{KindProvisioning, KindConfigManagement}

// Manager resolves, creates and purges lab workspaces under a root directory.
type Manager struct {
	root   string
	logger zerolog.Logger
}

// NewManager creates a workspace manager rooted at root.
func NewManager(root string, logger zerolog.Logger) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	for _, k := range Kinds {
		if err := os.MkdirAll(filepath.Join(abs, string(k)), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create workspace root: %w", err)
		}
	}
	return &Manager{
		root:   abs,
		logger: logger.With().Str("component", "workspace").Logger(),
	}, nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string {
	return m.root
}

// Path returns the directory of the given kind for a lab without creating it.
func (m *Manager) Path(kind Kind, labID string) (string, error) {
	if err := validateLabID(labID); err != nil {
		return "", err
	}
	switch kind {
	case KindProvisioning, KindConfigManagement:
	default:
		return "", fmt.Errorf("unknown workspace kind: %s", kind)
	}
	return filepath.Join(m.root, string(kind), "lab_"+labID), nil
}

// Ensure returns the directory of the given kind for a lab, creating it if needed.
func (m *Manager) Ensure(kind Kind, labID string) (string, error) {
	dir, err := m.Path(kind, labID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s workspace: %w", kind, err)
	}
	return dir, nil
}

// ProvisioningDir ensures and returns the provisioning workspace of a lab.
func (m *Manager) ProvisioningDir(labID string) (string, error) {
	return m.Ensure(KindProvisioning, labID)
}

// ConfigDir ensures and returns the configuration-management workspace of a lab.
func (m *Manager) ConfigDir(labID string) (string, error) {
	return m.Ensure(KindConfigManagement, labID)
}

// Exists reports whether the workspace of the given kind exists for a lab.
func (m *Manager) Exists(kind Kind, labID string) bool {
	dir, err := m.Path(kind, labID)
	if err != nil {
		return false
	}
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}

// Purge recursively deletes both workspaces of a lab. Missing directories are not an error.
func (m *Manager) Purge(labID string) error {
	var errs []error
	for _, k := range Kinds {
		if err := m.PurgeKind(k, labID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PurgeKind recursively deletes one workspace of a lab.
func (m *Manager) PurgeKind(kind Kind, labID string) error {
	dir, err := m.Path(kind, labID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to purge %s workspace: %w", kind, err)
	}
	m.logger.Debug().Str("lab_id", labID).Str("kind", string(kind)).Msg("Workspace purged")
	return nil
}

// Import copies src recursively into the workspace of the given kind for a lab.
func (m *Manager) Import(kind Kind, labID, src string) error {
	dst, err := m.Ensure(kind, labID)
	if err != nil {
		return err
	}
	return CopyTree(src, dst)
}

// Export copies the workspace of the given kind for a lab into dst.
// It returns false without error when the workspace was never generated.
func (m *Manager) Export(kind Kind, labID, dst string) (bool, error) {
	if !m.Exists(kind, labID) {
		return false, nil
	}
	src, err := m.Path(kind, labID)
	if err != nil {
		return false, err
	}
	if err := CopyTree(src, dst); err != nil {
		return false, err
	}
	return true, nil
}

func validateLabID(labID string) error {
	if labID == "" {
		return fmt.Errorf("lab id is required")
	}
	if strings.ContainsAny(labID, `/\`) || labID == "." || labID == ".." {
		return fmt.Errorf("invalid lab id: %q", labID)
	}
	return nil
}

// CopyTree copies the directory tree at src into dst, preserving file modes.
// Symlinks are recreated, not followed.
func CopyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			_ = os.Remove(target)
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		default:
			return nil
		}
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	// OpenFile honours umask; restore the source mode (ssh_key must stay 0600).
	return os.Chmod(dst, perm)
}
