package matching

import (
	"fmt"
	"sort"

	"github.com/spf13/viper"

	"github.com/harakacare/facility-router/internal/domain/triage"
)

// DefaultService is required when a symptom has no mapping.
const DefaultService = "general_medicine"

// ServiceMap maps symptom and chronic-condition keywords to required services.
type ServiceMap struct {
	Version    string              `mapstructure:"version" json:"version"`
	Symptoms   map[string][]string `mapstructure:"symptoms" json:"symptoms"`
	Conditions map[string][]string `mapstructure:"conditions" json:"conditions"`
	Default    []string            `mapstructure:"default" json:"default"`
}

// DefaultServiceMap returns the built-in mapping.
func DefaultServiceMap() *ServiceMap {
	return &ServiceMap{
		Version: "builtin-1",
		Symptoms: map[string][]string{
			"chest_pain":           {"emergency", "general_medicine"},
			"difficulty_breathing": {"emergency", "general_medicine"},
			"abdominal_pain":       {"general_medicine", "surgery"},
			"injury_trauma":        {"emergency", "surgery"},
			"fever":                {"general_medicine"},
			"headache":             {"general_medicine"},
			"vomiting":             {"general_medicine"},
			"diarrhea":             {"general_medicine"},
			"skin_problem":         {"general_medicine", "diagnostics"},
		},
		Conditions: map[string][]string{
			"diabetes":      {"general_medicine"},
			"hypertension":  {"general_medicine"},
			"asthma":        {"general_medicine"},
			"heart_disease": {"general_medicine", "emergency"},
			"pregnancy":     {"obstetrics"},
			"mental_health": {"mental_health"},
		},
		Default: []string{DefaultService},
	}
}

// LoadServiceMap reads a YAML or JSON mapping from path. An empty path yields
// the built-in mapping.
func LoadServiceMap(path string) (*ServiceMap, error) {
	if path == "" {
		return DefaultServiceMap(), nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read service map %s: %w", path, err)
	}

	m := &ServiceMap{}
	if err := v.Unmarshal(m); err != nil {
		return nil, fmt.Errorf("unmarshal service map: %w", err)
	}
	if m.Version == "" {
		return nil, fmt.Errorf("service map version is required")
	}
	if len(m.Symptoms) == 0 {
		return nil, fmt.Errorf("service map has no symptoms")
	}
	if len(m.Default) == 0 {
		m.Default = []string{DefaultService}
	}
	m.Symptoms = normalizeKeys(m.Symptoms)
	m.Conditions = normalizeKeys(m.Conditions)
	return m, nil
}

func normalizeKeys(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for k, services := range in {
		key := triage.NormalizeKeyword(k)
		for _, s := range services {
			out[key] = append(out[key], triage.NormalizeKeyword(s))
		}
	}
	return out
}

// RequiredServices returns the sorted union of services required by the
// case's symptoms and chronic conditions. Unknown symptoms map to the default
// set; unknown conditions add nothing.
func (m *ServiceMap) RequiredServices(c *triage.Case) []string {
	set := make(map[string]struct{})
	for _, symptom := range c.Symptoms() {
		services, ok := m.Symptoms[triage.NormalizeKeyword(symptom)]
		if !ok {
			services = m.Default
		}
		for _, s := range services {
			set[s] = struct{}{}
		}
	}
	for _, cond := range c.ChronicConditions {
		for _, s := range m.Conditions[triage.NormalizeKeyword(cond)] {
			set[s] = struct{}{}
		}
	}

	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
