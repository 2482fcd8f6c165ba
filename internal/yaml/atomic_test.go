package yaml

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	yamlv3 "gopkg.in/yaml.v3"
)

func TestAtomicWrite_Success(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reports", "run.yaml")

	data := map[string]any{"file_type": "dispatch_report", "dispatches": 3}
	if err := AtomicWrite(path, data); err != nil {
		t.Fatalf("AtomicWrite failed: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	var result map[string]any
	if err := yamlv3.Unmarshal(content, &result); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if result["dispatches"] != 3 {
		t.Errorf("dispatches: got %v, want 3", result["dispatches"])
	}
}

func TestAtomicWrite_CreatesBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.yaml")

	if err := AtomicWrite(path, map[string]string{"version": "1"}); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if err := AtomicWrite(path, map[string]string{"version": "2"}); err != nil {
		t.Fatalf("second write failed: %v", err)
	}

	var bak map[string]string
	if err := ReadStrict(path+".bak", &bak); err != nil {
		t.Fatalf("read .bak: %v", err)
	}
	if bak["version"] != "1" {
		t.Errorf(".bak version: got %q, want %q", bak["version"], "1")
	}
}

func TestAtomicWrite_NoTempFilesLeft(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.yaml")
	for i := 0; i < 3; i++ {
		if err := AtomicWrite(path, map[string]int{"i": i}); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".devq-tmp-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestDecodeStrict(t *testing.T) {
	type doc struct {
		Name string `yaml:"name"`
	}

	var d doc
	if err := DecodeStrict([]byte("name: x\n"), &d); err != nil {
		t.Fatalf("DecodeStrict: %v", err)
	}
	if d.Name != "x" {
		t.Errorf("name: got %q", d.Name)
	}

	if err := DecodeStrict([]byte("name: x\nextra: 1\n"), &d); err == nil {
		t.Error("expected error for unknown field")
	}
	if err := DecodeStrict([]byte(""), &d); err == nil {
		t.Error("expected error for empty document")
	}
	if err := DecodeStrict([]byte("name: [\n"), &d); err == nil {
		t.Error("expected error for malformed yaml")
	}
}

func TestReadStrict_MissingFile(t *testing.T) {
	var v map[string]any
	if err := ReadStrict(filepath.Join(t.TempDir(), "missing.yaml"), &v); err == nil {
		t.Error("expected error for missing file")
	}
}
