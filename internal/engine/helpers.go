package engine

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kaspa-aio/aioctl/internal/catalog"
	"github.com/kaspa-aio/aioctl/internal/settings"
)

// WriteArtifacts replaces the manifest and secrets files. Each file is written
// to a temporary sibling and renamed so readers never see a partial file.
func WriteArtifacts(manifestPath, secretsPath string, art *Artifacts) error {
	if err := writeAtomic(manifestPath, art.Manifest, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := writeAtomic(secretsPath, art.Secrets, 0o600); err != nil {
		return fmt.Errorf("write secrets: %w", err)
	}
	return nil
}

// ReadArtifacts loads previously written artifacts. Missing files yield empty artifacts.
func ReadArtifacts(manifestPath, secretsPath string) (*Artifacts, error) {
	manifest, err := os.ReadFile(manifestPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	secrets, err := os.ReadFile(secretsPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return &Artifacts{Manifest: manifest, Secrets: secrets}, nil
}

func writeAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// DataDirs returns the host paths bind-mounted by services.
func DataDirs(cfg settings.Configuration, services []*catalog.Service) []string {
	var out []string
	for _, svc := range services {
		for _, v := range svc.Volumes {
			if p, ok := cfg.Get(v.Key); ok && p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
