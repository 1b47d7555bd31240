package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const legacyFile = `{
  "users": {"42": {"locale": "en", "notifications": {"intervalHours": 3, "activeStart": "09:00", "activeEnd": "21:00", "timezone": "UTC"}, "createdAt": 1767261600000}},
  "moments": {"42": [{"id": 1, "content": "Tea", "createdAt": 1767261600000}]},
  "scheduledJobs": [{"userId": "42", "jobType": "moment_prompt", "scheduledAt": 1767261600000, "nextRunAt": 1767272400000, "status": "scheduled"}]
}`

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestMigrateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "moments.json")
	require.NoError(t, os.WriteFile(path, []byte(legacyFile), 0644))
	t.Setenv("MOMENTS_DATA_FILE", path)
	t.Setenv("MOMENTS_LOG_MODE", "prod")

	out, err := runCLI(t, "migrate", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "schema 1 -> 4")
	assert.Contains(t, out, "dry run")

	out, err = runCLI(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "schema 1 -> 4 (3 steps)")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc struct {
		SchemaVersion int                        `json:"schemaVersion"`
		ScheduledJobs map[string]json.RawMessage `json:"scheduledJobs"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, 4, doc.SchemaVersion)
	assert.Contains(t, doc.ScheduledJobs, "42")

	out, err = runCLI(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "is at schema version 4")
}

func TestMigrateCommand_MissingFile(t *testing.T) {
	t.Setenv("MOMENTS_DATA_FILE", filepath.Join(t.TempDir(), "none.json"))
	t.Setenv("MOMENTS_LOG_MODE", "prod")
	out, err := runCLI(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "nothing to migrate")
}

func TestInvalidConfig(t *testing.T) {
	t.Setenv("MOMENTS_TICK", "soon")
	_, err := runCLI(t, "migrate")
	assert.ErrorContains(t, err, "MOMENTS_TICK")
}
