package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleBundle = `
version: "2025-06"
min_gateway_version: "1.0.0"
sensitive_tools:
  - gmail_send
rules:
  - role: scraper
    tool: serpapi
    action: search
    effect: allow
    params_schema: '{"type":"object","required":["q"]}'
    quota:
      limit: 100
      window_ms: 60000
  - role: mailer
    tool: gmail_send
    action: send
    effect: allow
    constraints:
      to_field: to
      allowed_domains: [corp.example]
    schedule:
      days: [mon, tue, wed, thu, fri]
      start: "09:00"
      end: "17:00"
  - role: "*"
    tool: "*"
    action: "*"
    effect: deny
`

func writeBundle(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_ParsesYAML(t *testing.T) {
	b, err := Load(writeBundle(t, sampleBundle), "1.2.0")
	require.NoError(t, err)

	assert.Equal(t, "2025-06", b.Version)
	assert.Equal(t, []string{"gmail_send"}, b.SensitiveTools)
	require.Len(t, b.Rules, 3)
	assert.Equal(t, 100, b.Rules[0].Quota.Limit)
	assert.Equal(t, 60000, b.Rules[0].Quota.WindowMS)
	assert.Equal(t, "17:00", b.Rules[1].Schedule.End)
	assert.Equal(t, EffectDeny, b.Rules[2].Effect)

	// A loaded bundle must also compile.
	_, err = NewEngine(b, nil, nil, nil)
	assert.NoError(t, err)
}

func TestLoad_VersionGate(t *testing.T) {
	path := writeBundle(t, sampleBundle)

	_, err := Load(path, "0.9.0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires gateway >= 1.0.0")

	_, err = Load(path, "1.0.0")
	assert.NoError(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), "1.0.0")
	assert.Error(t, err)
}

func TestLoad_BadYAML(t *testing.T) {
	_, err := Load(writeBundle(t, "rules: {not: [valid"), "1.0.0")
	assert.Error(t, err)
}

func TestDefault_Compiles(t *testing.T) {
	b := Default()
	_, err := NewEngine(b, nil, nil, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, b.Rules)
	assert.Contains(t, b.SensitiveTools, "gmail_send")
}
