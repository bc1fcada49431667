package output

import (
	"encoding/json"
	"fmt"

	"github.com/pombredanne/novirt/internal/resource"
)

// JSONFormatter formats a Snapshot as JSON.
type JSONFormatter struct{}

// FormatSnapshot formats a resource.Snapshot as indented JSON.
func (f *JSONFormatter) FormatSnapshot(snap resource.Snapshot) (string, error) {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal snapshot to JSON: %w", err)
	}
	return string(data) + "\n", nil
}
