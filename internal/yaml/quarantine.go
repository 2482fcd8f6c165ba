package yaml

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const QuarantineDir = "quarantine"

// Quarantine moves filePath into baseDir/quarantine and records reason next to it. It
// returns the new path.
func Quarantine(baseDir, filePath string, reason error) (string, error) {
	dir := filepath.Join(baseDir, QuarantineDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}

	name := fmt.Sprintf("%s.%s.corrupt", filepath.Base(filePath), time.Now().Format("20060102T150405.000"))
	dst := filepath.Join(dir, name)
	if err := os.Rename(filePath, dst); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}

	if reason != nil {
		if err := os.WriteFile(dst+".reason", []byte(reason.Error()+"\n"), 0644); err != nil {
			return dst, fmt.Errorf("write quarantine reason: %w", err)
		}
	}
	return dst, nil
}

// RestoreFromBackup replaces filePath with filePath.bak if the backup parses.
func RestoreFromBackup(filePath string) error {
	bakPath := filePath + ".bak"
	content, err := os.ReadFile(bakPath)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	if err := validateYAML(content); err != nil {
		return fmt.Errorf("backup YAML is also corrupted: %w", err)
	}
	return AtomicWriteRaw(filePath, content)
}
