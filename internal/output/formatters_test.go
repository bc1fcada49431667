package output

import (
	"strings"
	"testing"

	"github.com/pombredanne/novirt/internal/resource"
)

func testSnapshot() resource.Snapshot {
	return resource.Snapshot{
		VCPUs:             8,
		VCPUsUsed:         2,
		MemoryMB:          16384,
		MemoryMBUsed:      4096,
		LocalGB:           200,
		LocalGBUsed:       50,
		HypervisorType:    "QEMU",
		HypervisorVersion: 8006000,
		CPUInfoJSON:       `{"arch":"x86_64"}`,
	}
}

func TestTableFormatterFormatSnapshotIncludesFields(t *testing.T) {
	f := &TableFormatter{}
	out, err := f.FormatSnapshot(testSnapshot())
	if err != nil {
		t.Fatalf("FormatSnapshot() error = %v", err)
	}
	for _, want := range []string{"FIELD", "vcpus", "8", "hypervisor_type", "QEMU"} {
		if !strings.Contains(out, want) {
			t.Errorf("FormatSnapshot() output missing %q, got:\n%s", want, out)
		}
	}
}

func TestTableFormatterNoHeadersOmitsHeaderRow(t *testing.T) {
	f := &TableFormatter{NoHeaders: true}
	out, err := f.FormatSnapshot(testSnapshot())
	if err != nil {
		t.Fatalf("FormatSnapshot() error = %v", err)
	}
	if strings.Contains(out, "FIELD") {
		t.Errorf("FormatSnapshot() with NoHeaders still printed a header, got:\n%s", out)
	}
}

func TestJSONFormatterFormatSnapshotRoundTrips(t *testing.T) {
	f := &JSONFormatter{}
	out, err := f.FormatSnapshot(testSnapshot())
	if err != nil {
		t.Fatalf("FormatSnapshot() error = %v", err)
	}
	if !strings.Contains(out, `"vcpus": 8`) || !strings.Contains(out, `"hypervisor_type": "QEMU"`) {
		t.Errorf("FormatSnapshot() output missing expected fields, got:\n%s", out)
	}
}

func TestYAMLFormatterFormatSnapshotUsesSnakeCaseKeys(t *testing.T) {
	f := &YAMLFormatter{}
	out, err := f.FormatSnapshot(testSnapshot())
	if err != nil {
		t.Fatalf("FormatSnapshot() error = %v", err)
	}
	if !strings.Contains(out, "vcpus_used: 2") {
		t.Errorf("FormatSnapshot() output missing vcpus_used, got:\n%s", out)
	}
}

func TestNewFormatterRejectsUnknownFormat(t *testing.T) {
	if _, err := NewFormatter(Options{Format: "xml"}); err == nil {
		t.Fatal("NewFormatter() error = nil, want error for unknown format")
	}
}

func TestValidateFormatAcceptsKnownFormats(t *testing.T) {
	for _, f := range []string{"table", "yaml", "json"} {
		if err := ValidateFormat(f); err != nil {
			t.Errorf("ValidateFormat(%q) error = %v, want nil", f, err)
		}
	}
	if err := ValidateFormat("xml"); err == nil {
		t.Fatal("ValidateFormat(\"xml\") error = nil, want error")
	}
}
