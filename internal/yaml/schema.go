package yaml

import (
	"fmt"
	"os"

	yamlv3 "gopkg.in/yaml.v3"
)

const CurrentSchemaVersion = 1

const (
	FileTypeDispatchManifest = "dispatch_manifest"
	FileTypeDispatchReport   = "dispatch_report"
)

var validFileTypes = map[string]bool{
	FileTypeDispatchManifest: true,
	FileTypeDispatchReport:   true,
}

// SchemaHeader leads every versioned devq file.
type SchemaHeader struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
}

func NewHeader(fileType string) SchemaHeader {
	return SchemaHeader{SchemaVersion: CurrentSchemaVersion, FileType: fileType}
}

func ValidateSchemaHeader(path string, expectedFileType string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	return ValidateSchemaHeaderFromBytes(content, expectedFileType)
}

func ValidateSchemaHeaderFromBytes(content []byte, expectedFileType string) error {
	var header SchemaHeader
	if err := yamlv3.Unmarshal(content, &header); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	return header.Validate(expectedFileType)
}

// Validate checks the version range and, when expectedFileType is set, the file type.
func (h SchemaHeader) Validate(expectedFileType string) error {
	if h.SchemaVersion < 1 {
		return fmt.Errorf("invalid schema_version %d (must be >= 1)", h.SchemaVersion)
	}
	if h.SchemaVersion > CurrentSchemaVersion {
		return fmt.Errorf("unsupported schema_version %d (max supported: %d)", h.SchemaVersion, CurrentSchemaVersion)
	}
	if h.FileType == "" {
		return fmt.Errorf("missing file_type")
	}
	if !validFileTypes[h.FileType] {
		return fmt.Errorf("unknown file_type: %q", h.FileType)
	}
	if expectedFileType != "" && h.FileType != expectedFileType {
		return fmt.Errorf("file_type mismatch: got %q, expected %q", h.FileType, expectedFileType)
	}
	return nil
}
