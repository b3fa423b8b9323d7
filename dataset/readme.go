package dataset

import (
	"fmt"
	"strings"

	"sigs.k8s.io/yaml"
)

// ValidateReadme checks that content is a YAML mapping, as README.yml has to be.
// An empty readme is valid.
func ValidateReadme(content string) error {
	if strings.TrimSpace(content) == "" {
		return nil
	}
	var doc map[string]interface{}
	if err := yaml.Unmarshal([]byte(content), &doc); err != nil {
		return fmt.Errorf("readme is not a YAML mapping: %w", err)
	}
	return nil
}
