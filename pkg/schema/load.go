package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadDefinition parses a workflow definition from YAML or JSON bytes.
// JSON documents are detected by a leading brace; everything else goes
// through the YAML decoder.
func LoadDefinition(data []byte) (*WorkflowDefinition, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, NewError(ErrCodeValidation, "empty workflow definition")
	}

	var def WorkflowDefinition
	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &def); err != nil {
			return nil, NewErrorf(ErrCodeValidation, "invalid workflow JSON: %v", err).WithCause(err)
		}
	} else {
		if err := yaml.Unmarshal(data, &def); err != nil {
			return nil, NewErrorf(ErrCodeValidation, "invalid workflow YAML: %v", err).WithCause(err)
		}
	}

	if def.Name == "" {
		return nil, NewError(ErrCodeValidation, "workflow definition has no name")
	}
	return &def, nil
}

// LoadDefinitionFile reads and parses a workflow definition file.
func LoadDefinitionFile(path string) (*WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewErrorf(ErrCodeNotFound, "read workflow file: %v", err).WithCause(err)
	}
	def, err := LoadDefinition(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return def, nil
}

// LoadDefinitionDir loads every .yaml/.yml/.json workflow definition in dir.
// Files that fail to parse are skipped and reported in the returned error
// slice; valid definitions still load.
func LoadDefinitionDir(dir string) ([]*WorkflowDefinition, []error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, []error{err}
	}

	var defs []*WorkflowDefinition
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}
		def, err := LoadDefinitionFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		defs = append(defs, def)
	}
	return defs, errs
}
