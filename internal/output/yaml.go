package output

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/pombredanne/novirt/internal/resource"
)

// YAMLFormatter formats a Snapshot as YAML.
type YAMLFormatter struct{}

// FormatSnapshot formats a resource.Snapshot as YAML.
func (f *YAMLFormatter) FormatSnapshot(snap resource.Snapshot) (string, error) {
	data, err := yaml.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("failed to marshal snapshot to YAML: %w", err)
	}
	return string(data), nil
}
