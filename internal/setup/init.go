// Package setup initializes a devq serve directory.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/devq/internal/daemon"
	"github.com/msageha/devq/internal/model"
	atomicyaml "github.com/msageha/devq/internal/yaml"
	"github.com/msageha/devq/templates"
)

// ExampleManifest is written next to config.yaml, outside submit/.
const ExampleManifest = "example.yaml"

// Run initializes dir with the daemon directory layout, a config.yaml and an example
// manifest. deviceName overrides the template's device name when non-empty.
func Run(dir, deviceName string) error {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve dir: %w", err)
	}

	configPath := filepath.Join(absDir, "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("%s already exists", configPath)
	}

	dirs := []string{
		daemon.SubmitDir,
		daemon.AcceptedDir,
		daemon.ReportsDir,
		daemon.LogsDir,
		daemon.LocksDir,
		atomicyaml.QuarantineDir,
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(absDir, d), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	cfg, err := generateConfig(deviceName)
	if err != nil {
		return fmt.Errorf("generate config: %w", err)
	}
	if cfg.Device.Queues < 1 {
		return fmt.Errorf("device.queues must be >= 1, got %d", cfg.Device.Queues)
	}
	if err := atomicyaml.AtomicWrite(configPath, cfg); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}

	if err := copyTemplateFile(ExampleManifest, filepath.Join(absDir, ExampleManifest)); err != nil {
		return err
	}
	return nil
}

func copyTemplateFile(name, dst string) error {
	data, err := fs.ReadFile(templates.FS, name)
	if err != nil {
		return fmt.Errorf("read template %s: %w", name, err)
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}

func generateConfig(deviceName string) (*model.Config, error) {
	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}

	cfg := model.DefaultConfig()
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}
	if deviceName != "" {
		cfg.Device.Name = deviceName
	}
	return &cfg, nil
}
