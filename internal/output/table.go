package output

import (
	"bytes"
	"fmt"
	"text/tabwriter"

	"github.com/pombredanne/novirt/internal/resource"
)

// TableFormatter formats a Snapshot as a human-readable key/value table.
type TableFormatter struct {
	// NoHeaders omits the header row.
	NoHeaders bool
}

// FormatSnapshot formats a resource.Snapshot as a two-column table.
func (f *TableFormatter) FormatSnapshot(snap resource.Snapshot) (string, error) {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "FIELD\tVALUE")
	}

	rows := [][2]string{
		{"vcpus", fmt.Sprintf("%d", snap.VCPUs)},
		{"vcpus_used", fmt.Sprintf("%d", snap.VCPUsUsed)},
		{"memory_mb", fmt.Sprintf("%d", snap.MemoryMB)},
		{"memory_mb_used", fmt.Sprintf("%d", snap.MemoryMBUsed)},
		{"local_gb", fmt.Sprintf("%d", snap.LocalGB)},
		{"local_gb_used", fmt.Sprintf("%d", snap.LocalGBUsed)},
		{"hypervisor_type", snap.HypervisorType},
		{"hypervisor_version", fmt.Sprintf("%d", snap.HypervisorVersion)},
		{"cpu_info", snap.CPUInfoJSON},
	}
	for _, row := range rows {
		_, _ = fmt.Fprintf(w, "%s\t%s\n", row[0], row[1])
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush table: %w", err)
	}
	return buf.String(), nil
}
