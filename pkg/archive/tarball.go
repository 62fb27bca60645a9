package archive

import (
	"archive/tar"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/openfroyo/labforge/pkg/engine"
)

// pack writes dir as <dir>.tar.gz with dir's base name as the only
// top-level entry.
func pack(dir string) (string, int64, error) {
	target := dir + ".tar.gz"
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create archive: %w", err)
	}

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)
	root := filepath.Base(dir)

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		var link string
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(filepath.Join(root, rel))
		if d.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})

	closeErr := closeAll(tw, gz, out)
	if walkErr != nil || closeErr != nil {
		_ = os.Remove(target)
		if walkErr != nil {
			return "", 0, fmt.Errorf("failed to write archive: %w", walkErr)
		}
		return "", 0, fmt.Errorf("failed to finish archive: %w", closeErr)
	}

	info, err := os.Stat(target)
	if err != nil {
		return "", 0, err
	}
	return target, info.Size(), nil
}

func closeAll(closers ...io.Closer) error {
	var first error
	for _, c := range closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// unpack extracts the archive at src into dst and returns the single
// top-level directory. Entries escaping dst and archives without exactly
// one top-level directory are integrity errors.
func unpack(src, dst string) (string, error) {
	f, err := os.Open(src)
	if err != nil {
		return "", engine.NewArchiveIntegrityError("archive not readable", err).WithResource(src)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return "", engine.NewArchiveIntegrityError("archive is not gzip compressed", err).WithResource(src)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", engine.NewArchiveIntegrityError("corrupt tar stream", err).WithResource(src)
		}

		name := filepath.Clean(filepath.FromSlash(hdr.Name))
		if filepath.IsAbs(name) || name == ".." || strings.HasPrefix(name, ".."+string(filepath.Separator)) {
			return "", engine.NewArchiveIntegrityError(fmt.Sprintf("entry %q escapes the archive root", hdr.Name), nil).WithResource(src)
		}
		target := filepath.Join(dst, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return "", err
			}
		case tar.TypeReg:
			if err := writeEntry(tr, target, hdr.FileInfo().Mode().Perm()); err != nil {
				return "", err
			}
		default:
			// Symlinks and devices are not restored.
		}
	}

	return topLevelDir(dst)
}

func writeEntry(r io.Reader, target string, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chmod(target, perm)
}

func topLevelDir(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	if len(entries) != 1 || !entries[0].IsDir() {
		return "", engine.NewArchiveIntegrityError(
			fmt.Sprintf("archive must contain exactly one top-level directory, found %d entries", len(entries)), nil)
	}
	return filepath.Join(dir, entries[0].Name()), nil
}

// readManifest decodes the JSON member name of the extracted archive root.
func readManifest(root, name string, v interface{}) error {
	data, err := os.ReadFile(filepath.Join(root, name))
	if err != nil {
		if os.IsNotExist(err) {
			return engine.NewArchiveIntegrityError(fmt.Sprintf("archive has no %s", name), err)
		}
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return engine.NewArchiveIntegrityError(fmt.Sprintf("malformed %s", name), err)
	}
	return nil
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
