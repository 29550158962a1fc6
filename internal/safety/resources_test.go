package safety

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultResources(t *testing.T) {
	t.Parallel()

	got := DefaultResources().ForLocale("en-US")
	if len(got) != 3 {
		t.Fatalf("default resources = %d entries, want 3", len(got))
	}

	values := map[string]bool{}
	for _, r := range got {
		values[r.Value] = true
	}
	for _, want := range []string{"988", "741741", "911"} {
		if !values[want] {
			t.Fatalf("default resources missing %q: %v", want, got)
		}
	}
}

func TestForLocale_Fallback(t *testing.T) {
	t.Parallel()

	table := &ResourceTable{resources: []Resource{
		{Locale: "en-US", Label: "US line", Channel: ChannelPhone, Value: "988"},
		{Locale: "de-DE", Label: "Telefonseelsorge", Channel: ChannelPhone, Value: "0800 111 0 111"},
	}}

	if got := table.ForLocale("de-DE"); len(got) != 1 || got[0].Value != "0800 111 0 111" {
		t.Fatalf("exact locale match failed: %v", got)
	}
	// Language-only fallback.
	if got := table.ForLocale("de-AT"); len(got) != 1 || got[0].Locale != "de-DE" {
		t.Fatalf("language fallback failed: %v", got)
	}
	// Unknown locale falls back to the default locale.
	if got := table.ForLocale("fr-FR"); len(got) != 1 || got[0].Locale != "en-US" {
		t.Fatalf("default-locale fallback failed: %v", got)
	}
	// Empty locale also lands on the default.
	if got := table.ForLocale(""); len(got) != 1 || got[0].Locale != "en-US" {
		t.Fatalf("empty-locale fallback failed: %v", got)
	}
}

func TestLoadResources(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "resources.yaml")
	content := `crisis_resources:
  - locale: en-US
    label: 988 Suicide & Crisis Lifeline
    channel: phone
    value: "988"
    available_hours: 24/7
  - locale: en-GB
    label: Samaritans
    channel: phone
    value: "116 123"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	table, err := LoadResources(path)
	if err != nil {
		t.Fatalf("LoadResources: %v", err)
	}
	if got := table.ForLocale("en-GB"); len(got) != 1 || got[0].Label != "Samaritans" {
		t.Fatalf("unexpected en-GB resources: %v", got)
	}
}

func TestLoadResources_Invalid(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	content := `crisis_resources:
  - locale: en-US
    label: Broken entry
    channel: fax
    value: "123"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadResources(path); err == nil || !strings.Contains(err.Error(), "invalid channel") {
		t.Fatalf("expected invalid channel error, got %v", err)
	}
}

func TestFormatResources(t *testing.T) {
	t.Parallel()

	out := FormatResources(DefaultResources().ForLocale("en-US"))
	for _, want := range []string{"988", "741741", "911"} {
		if !strings.Contains(out, want) {
			t.Fatalf("formatted resources missing %q:\n%s", want, out)
		}
	}
}
