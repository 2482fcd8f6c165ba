// Package manifest loads dispatch manifests, YAML files that describe semaphores,
// recorded sequences and the dispatches wiring them together, and submits them to a
// device.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/msageha/devq/internal/cmdseq"
	yamlutil "github.com/msageha/devq/internal/yaml"
)

var ErrInvalidManifest = errors.New("invalid manifest")

type Manifest struct {
	yamlutil.SchemaHeader `yaml:",inline"`
	Name                  string                      `yaml:"name,omitempty"`
	Semaphores            []string                    `yaml:"semaphores,omitempty"`
	Sequences             map[string][]cmdseq.Command `yaml:"sequences"`
	Dispatches            []Dispatch                  `yaml:"dispatches"`
}

type Dispatch struct {
	Label    string   `yaml:"label"`
	Sequence string   `yaml:"sequence"`
	Queue    int      `yaml:"queue,omitempty"`
	Waits    []string `yaml:"waits,omitempty"`
	Signals  []string `yaml:"signals,omitempty"`
	Fence    bool     `yaml:"fence,omitempty"`
}

// Load reads, parses and validates the manifest at path. An unnamed manifest takes the
// file name without extension.
func Load(path string) (*Manifest, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := Parse(content)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", filepath.Base(path), err)
	}
	if m.Name == "" {
		m.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return m, nil
}

// Parse decodes and validates a manifest. Every returned error wraps ErrInvalidManifest.
func Parse(content []byte) (*Manifest, error) {
	if err := yamlutil.ValidateSchemaHeaderFromBytes(content, yamlutil.FileTypeDispatchManifest); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}
	var m Manifest
	if err := yamlutil.DecodeStrict(content, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}
	if errs := m.Validate(); errs != nil {
		return nil, errs
	}
	return &m, nil
}

// Build records and finalizes every sequence of the manifest.
func (m *Manifest) Build() (map[string]*cmdseq.Sequence, error) {
	seqs := make(map[string]*cmdseq.Sequence, len(m.Sequences))
	for name, cmds := range m.Sequences {
		seq := cmdseq.New(name)
		for i, cmd := range cmds {
			if err := seq.Record(cmd); err != nil {
				return nil, fmt.Errorf("sequences.%s[%d]: %w", name, i, err)
			}
		}
		if err := seq.Finalize(); err != nil {
			return nil, err
		}
		seqs[name] = seq
	}
	return seqs, nil
}
