package safety

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Resource channels.
const (
	ChannelPhone = "phone"
	ChannelText  = "text"
	ChannelURL   = "url"
)

// DefaultLocale is used when no resource matches the declared locale.
const DefaultLocale = "en-US"

// Resource is one crisis-support contact.
type Resource struct {
	Locale         string `yaml:"locale" json:"locale"`
	Label          string `yaml:"label" json:"label"`
	Channel        string `yaml:"channel" json:"channel"`
	Value          string `yaml:"value" json:"value"`
	AvailableHours string `yaml:"available_hours" json:"available_hours,omitempty"`
}

// ResourceTable is the crisis-resource list read at startup. Order within a
// locale is presentation order.
type ResourceTable struct {
	resources []Resource
}

type resourcesFile struct {
	Resources []Resource `yaml:"crisis_resources"`
}

// DefaultResources returns the built-in US table used when no file is
// configured.
func DefaultResources() *ResourceTable {
	return &ResourceTable{resources: []Resource{
		{Locale: "en-US", Label: "988 Suicide & Crisis Lifeline", Channel: ChannelPhone, Value: "988", AvailableHours: "24/7"},
		{Locale: "en-US", Label: "Crisis Text Line (text HOME)", Channel: ChannelText, Value: "741741", AvailableHours: "24/7"},
		{Locale: "en-US", Label: "Emergency services", Channel: ChannelPhone, Value: "911", AvailableHours: "24/7"},
	}}
}

// LoadResources reads the YAML crisis-resource table.
func LoadResources(path string) (*ResourceTable, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("missing resources path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rf resourcesFile
	if err := yaml.Unmarshal(b, &rf); err != nil {
		return nil, fmt.Errorf("invalid crisis resources file: %w", err)
	}
	if len(rf.Resources) == 0 {
		return nil, errors.New("crisis resources file is empty")
	}
	for i, r := range rf.Resources {
		if strings.TrimSpace(r.Locale) == "" {
			return nil, fmt.Errorf("crisis_resources[%d]: missing locale", i)
		}
		if strings.TrimSpace(r.Label) == "" {
			return nil, fmt.Errorf("crisis_resources[%d]: missing label", i)
		}
		switch strings.TrimSpace(r.Channel) {
		case ChannelPhone, ChannelText, ChannelURL:
		default:
			return nil, fmt.Errorf("crisis_resources[%d]: invalid channel %q", i, r.Channel)
		}
		if strings.TrimSpace(r.Value) == "" {
			return nil, fmt.Errorf("crisis_resources[%d]: missing value", i)
		}
	}
	return &ResourceTable{resources: rf.Resources}, nil
}

// ForLocale returns the resources matching the declared locale, falling
// back to the default locale when none match.
func (t *ResourceTable) ForLocale(locale string) []Resource {
	if t == nil || len(t.resources) == 0 {
		return DefaultResources().ForLocale(locale)
	}
	locale = strings.TrimSpace(locale)

	matched := t.matchLocale(locale)
	if len(matched) == 0 {
		matched = t.matchLocale(DefaultLocale)
	}
	if len(matched) == 0 {
		// The table has entries but none for the default locale either;
		// return everything rather than nothing.
		matched = append([]Resource(nil), t.resources...)
	}
	return matched
}

func (t *ResourceTable) matchLocale(locale string) []Resource {
	if locale == "" {
		return nil
	}
	var out []Resource
	for _, r := range t.resources {
		if strings.EqualFold(strings.TrimSpace(r.Locale), locale) {
			out = append(out, r)
		}
	}
	if out == nil {
		// Language-only fallback: "en" matches "en-US".
		lang, _, found := strings.Cut(locale, "-")
		if found || len(locale) == 2 {
			for _, r := range t.resources {
				if strings.EqualFold(localeLang(r.Locale), lang) {
					out = append(out, r)
				}
			}
		}
	}
	return out
}

// FormatResources renders a resource list as user-facing lines.
func FormatResources(resources []Resource) string {
	var b strings.Builder
	for _, r := range resources {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("- " + r.Label + ": " + r.Value)
		if r.AvailableHours != "" {
			b.WriteString(" (" + r.AvailableHours + ")")
		}
	}
	return b.String()
}

func localeLang(locale string) string {
	lang, _, _ := strings.Cut(strings.TrimSpace(locale), "-")
	return lang
}
