package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/automata/pkg/schema"
)

// loadWorkflowFile reads a workflow definition from a YAML or JSON file.
// YAML is converted to JSON first so step configs decode through the same
// tagged-union path as the MCP tools.
func loadWorkflowFile(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseWorkflow(data, filepath.Ext(path))
}

func parseWorkflow(data []byte, ext string) (*schema.WorkflowDefinition, error) {
	raw := data
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
		converted, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("convert yaml: %w", err)
		}
		raw = converted
	case ".json", "":
	default:
		return nil, fmt.Errorf("unsupported workflow file extension %q", ext)
	}

	var def schema.WorkflowDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}
	return &def, nil
}
