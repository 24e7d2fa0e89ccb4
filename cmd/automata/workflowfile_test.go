package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/automata/pkg/schema"
)

const greetingYAML = `
organizationId: org-1
name: greeting
steps:
  - stepSlug: start
    stepType: trigger
    order: 1
    config:
      type: manual
    nextSteps:
      default: greet
  - stepSlug: greet
    stepType: action
    order: 2
    config:
      action: data.set
      parameters:
        values:
          greeting: "hello {{ input.name }}"
`

func TestParseWorkflowYAML(t *testing.T) {
	def, err := parseWorkflow([]byte(greetingYAML), ".yaml")
	require.NoError(t, err)
	assert.Equal(t, "greeting", def.Name)
	require.Len(t, def.Steps, 2)

	trigger, ok := def.Steps[0].Config.(schema.TriggerConfig)
	require.True(t, ok)
	assert.Equal(t, schema.TriggerManual, trigger.Type)
	assert.Equal(t, "greet", def.Steps[0].NextSteps[schema.OutcomeDefault])

	action, ok := def.Steps[1].Config.(schema.ActionConfig)
	require.True(t, ok)
	assert.Equal(t, "data.set", action.Action)
	values, ok := action.Parameters["values"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hello {{ input.name }}", values["greeting"])
}

func TestParseWorkflowJSON(t *testing.T) {
	def, err := parseWorkflow([]byte(`{"organizationId":"org-1","name":"j","steps":[
		{"stepSlug":"start","stepType":"trigger","order":1,"config":{"type":"api"}}]}`), ".json")
	require.NoError(t, err)
	require.Len(t, def.Steps, 1)
	assert.Equal(t, schema.TriggerAPI, def.Steps[0].Config.(schema.TriggerConfig).Type)
}

func TestParseWorkflowErrors(t *testing.T) {
	_, err := parseWorkflow([]byte("name: x"), ".toml")
	assert.Error(t, err)

	_, err = parseWorkflow([]byte("steps: [oops"), ".yml")
	assert.Error(t, err)

	_, err = parseWorkflow([]byte(`{"steps":[{"stepSlug":"s","stepType":"teleport","config":{}}]}`), ".json")
	assert.Error(t, err)
}

func TestLoadWorkflowFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "greeting.yaml")
	require.NoError(t, os.WriteFile(path, []byte(greetingYAML), 0o644))

	def, err := loadWorkflowFile(path)
	require.NoError(t, err)
	assert.Equal(t, "org-1", def.OrganizationID)

	_, err = loadWorkflowFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
