package ruleset

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type catalogFile struct {
	Templates []Template `yaml:"templates"`
}

// DefaultTemplates is used when no catalog file is configured.
func DefaultTemplates() []Template {
	return []Template{
		{ID: "service-unhealthy", Name: "Service unhealthy", EventType: "service_unhealthy", Severity: "critical", WindowSeconds: 300, Threshold: 1, TargetChannel: "ops"},
		{ID: "anomaly-spike", Name: "Metric spike", EventType: "anomaly.spike", Severity: "warning", WindowSeconds: 600, Threshold: 2, TargetChannel: "ops"},
		{ID: "anomaly-drop", Name: "Metric drop", EventType: "anomaly.drop", Severity: "warning", WindowSeconds: 600, Threshold: 2, TargetChannel: "ops"},
		{ID: "error-rate", Name: "Error rate deviation", EventType: "anomaly.error_rate", Severity: "critical", WindowSeconds: 300, Threshold: 1, TargetChannel: "ops"},
		{ID: "tenant-isolation", Name: "Tenant isolation breach", EventType: "anomaly.tenant_isolation", Severity: "critical", WindowSeconds: 60, Threshold: 1, TargetChannel: "security"},
	}
}

// LoadCatalog reads templates from a YAML file of the form `templates: [...]`.
func LoadCatalog(path string) ([]Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule catalog %s: %w", path, err)
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) ([]Template, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse rule catalog: %w", err)
	}
	seen := map[string]bool{}
	for i := range f.Templates {
		t := &f.Templates[i]
		if err := validateTemplate(t); err != nil {
			return nil, fmt.Errorf("template %d: %w", i, err)
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("template %d: duplicate id %q", i, t.ID)
		}
		seen[t.ID] = true
	}
	return f.Templates, nil
}

func validateTemplate(t *Template) error {
	t.ID = strings.TrimSpace(t.ID)
	t.EventType = strings.TrimSpace(t.EventType)
	switch {
	case t.ID == "":
		return fmt.Errorf("id is required")
	case t.EventType == "":
		return fmt.Errorf("event_type is required")
	case t.WindowSeconds <= 0:
		return fmt.Errorf("window_seconds must be positive")
	case t.Threshold < 1:
		return fmt.Errorf("threshold must be at least 1")
	}
	if t.Name == "" {
		t.Name = t.ID
	}
	if t.Severity == "" {
		t.Severity = "warning"
	}
	t.Labels = NormalizeLabels(t.Labels, nil)
	return nil
}
