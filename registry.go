// Copyright 2025 The RefDQ Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package refdqcore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ActionTriggerOnUpload runs the action command after a successful commit.
const ActionTriggerOnUpload = "on_upload"

// ActionConfig is an optional command executed in the warehouse after an
// upload, e.g. a grant refresh or a downstream task trigger.
type ActionConfig struct {
	Name    string `yaml:"name"`
	Trigger string `yaml:"trigger"`
	Command string `yaml:"command"`
}

// CheckDefinition is a reusable named rule shared across all tables that
// reference it by type. Its SQL template's execution result is, by
// contract, the set of rows that violate the rule.
type CheckDefinition struct {
	Type        string `yaml:"type"`
	Description string `yaml:"description"`
	SQL         string `yaml:"sql"`
}

// CheckConfig is one table's invocation of a CheckDefinition with concrete
// parameter values. In YAML the parameters sit alongside the type key:
//
//	- type: upper_bound
//	  column: AGE
//	  upper_bound: 150
type CheckConfig struct {
	Type        string
	Description string
	Params      map[string]string
}

func (c *CheckConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("check config must be a mapping")
	}
	c.Params = map[string]string{}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		value := node.Content[i+1]
		switch key {
		case "type":
			c.Type = value.Value
		case "description":
			c.Description = value.Value
		default:
			if value.Kind != yaml.ScalarNode {
				return fmt.Errorf("check parameter %q must be a scalar", key)
			}
			// Keep the scalar's source text so 150 and "150" render the same.
			c.Params[key] = value.Value
		}
	}
	if c.Type == "" {
		return fmt.Errorf("check config must contain key 'type'")
	}
	return nil
}

// PrimaryKey accepts either a YAML scalar or a sequence of column names.
type PrimaryKey []string

func (k *PrimaryKey) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*k = PrimaryKey{node.Value}
		return nil
	case yaml.SequenceNode:
		var cols []string
		if err := node.Decode(&cols); err != nil {
			return err
		}
		*k = PrimaryKey(cols)
		return nil
	default:
		return fmt.Errorf("primary_key must be a string or a list of strings")
	}
}

// TableDefinition is the declarative configuration of one target table.
// Immutable for the duration of a validation session.
type TableDefinition struct {
	Name        string        `yaml:"-"` // config file stem
	TargetTable string        `yaml:"target_table"`
	PrimaryKey  PrimaryKey    `yaml:"primary_key"`
	Group       string        `yaml:"group"`
	Checks      []CheckConfig `yaml:"checks"`
	Action      *ActionConfig `yaml:"action"`
}

// Registry is the immutable set of table and check definitions for one
// configuration load. Sessions take it as an explicit value; there is no
// ambient global state.
type Registry struct {
	tables map[string]*TableDefinition
	checks map[string]*CheckDefinition
}

// LoadRegistry parses every *.yaml file under tablesDir and checksDir and
// validates the result before any data is processed: primary keys must be
// well formed, referenced check types must exist, and every template
// placeholder must be resolvable from the system-provided names plus the
// check's declared parameters.
func LoadRegistry(tablesDir string, checksDir string) (*Registry, error) {
	checks := map[string]*CheckDefinition{}
	if err := eachYAMLFile(checksDir, func(name string, data []byte) error {
		var def CheckDefinition
		if err := yaml.Unmarshal(data, &def); err != nil {
			return newConfigurationError("check definition %s: %v", name, err)
		}
		if def.Type == "" || def.SQL == "" || def.Description == "" {
			return newConfigurationError("check definition %s must contain keys type, sql and description", name)
		}
		if _, dup := checks[def.Type]; dup {
			return newConfigurationError("duplicate check type %q (file %s)", def.Type, name)
		}
		checks[def.Type] = &def
		return nil
	}); err != nil {
		return nil, err
	}

	tables := map[string]*TableDefinition{}
	if err := eachYAMLFile(tablesDir, func(name string, data []byte) error {
		var def TableDefinition
		if err := yaml.Unmarshal(data, &def); err != nil {
			return newConfigurationError("table definition %s: %v", name, err)
		}
		def.Name = name
		if err := validateTableDefinition(&def, checks); err != nil {
			return err
		}
		tables[name] = &def
		return nil
	}); err != nil {
		return nil, err
	}

	return &Registry{tables: tables, checks: checks}, nil
}

// NewRegistry builds a registry from already-parsed definitions, applying
// the same load-time validation as LoadRegistry.
func NewRegistry(tables []*TableDefinition, checks []*CheckDefinition) (*Registry, error) {
	checkMap := map[string]*CheckDefinition{}
	for _, def := range checks {
		if def.Type == "" || def.SQL == "" || def.Description == "" {
			return nil, newConfigurationError("check definition must contain keys type, sql and description")
		}
		if _, dup := checkMap[def.Type]; dup {
			return nil, newConfigurationError("duplicate check type %q", def.Type)
		}
		checkMap[def.Type] = def
	}
	tableMap := map[string]*TableDefinition{}
	for _, def := range tables {
		if def.Name == "" {
			def.Name = def.TargetTable
		}
		if err := validateTableDefinition(def, checkMap); err != nil {
			return nil, err
		}
		tableMap[def.Name] = def
	}
	return &Registry{tables: tableMap, checks: checkMap}, nil
}

func validateTableDefinition(def *TableDefinition, checks map[string]*CheckDefinition) error {
	if def.TargetTable == "" {
		return newConfigurationError("table definition %s must contain key target_table", def.Name)
	}
	if len(def.PrimaryKey) == 0 {
		return newConfigurationError("table definition %s must contain a non-empty primary_key", def.Name)
	}
	seen := map[string]bool{}
	for _, col := range def.PrimaryKey {
		if col == "" || !IsIdentifier(col) {
			return newConfigurationError("table definition %s has malformed primary key column %q", def.Name, col)
		}
		upper := strings.ToUpper(col)
		if seen[upper] {
			return newConfigurationError("table definition %s repeats primary key column %q", def.Name, col)
		}
		seen[upper] = true
	}
	for i := range def.Checks {
		cfg := &def.Checks[i]
		definition, ok := checks[cfg.Type]
		if !ok {
			return newConfigurationError("table %s references unknown check type %q", def.Name, cfg.Type)
		}
		available := map[string]bool{
			placeholderTable:      true,
			placeholderPrimaryKey: true,
		}
		for key := range cfg.Params {
			available[key] = true
		}
		if err := ValidateTemplate(definition.SQL, available); err != nil {
			return newConfigurationError("table %s, check %q sql: %v", def.Name, cfg.Type, err)
		}
		if err := ValidateTemplate(definition.Description, available); err != nil {
			return newConfigurationError("table %s, check %q description: %v", def.Name, cfg.Type, err)
		}
	}
	return nil
}

func eachYAMLFile(dir string, fn func(name string, data []byte) error) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read config directory %s: %w", dir, err)
	}
	// ReadDir sorts by filename, so load order is stable across runs.
	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read config file %s: %w", entry.Name(), err)
		}
		if err := fn(strings.TrimSuffix(entry.Name(), ext), data); err != nil {
			return err
		}
	}
	return nil
}

// Table looks up a table definition by its config name.
func (r *Registry) Table(name string) (*TableDefinition, error) {
	def, ok := r.tables[name]
	if !ok {
		return nil, newConfigurationError("unknown table %q", name)
	}
	return def, nil
}

// TableByTarget looks up a table definition by its fully qualified target
// table name.
func (r *Registry) TableByTarget(targetTable string) (*TableDefinition, error) {
	for _, def := range r.tables {
		if strings.EqualFold(def.TargetTable, targetTable) {
			return def, nil
		}
	}
	return nil, newConfigurationError("no table definition targets %q", targetTable)
}

// TableNames returns the configured table names, optionally filtered by
// group, sorted for deterministic iteration.
func (r *Registry) TableNames(group string) []string {
	var names []string
	for name, def := range r.tables {
		if group == "" || def.Group == group {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Groups returns the distinct group labels in use, sorted.
func (r *Registry) Groups() []string {
	seen := map[string]bool{}
	var groups []string
	for _, def := range r.tables {
		if def.Group != "" && !seen[def.Group] {
			seen[def.Group] = true
			groups = append(groups, def.Group)
		}
	}
	sort.Strings(groups)
	return groups
}

// CheckDefinition looks up a check definition by type.
func (r *Registry) CheckDefinition(checkType string) (*CheckDefinition, error) {
	def, ok := r.checks[checkType]
	if !ok {
		return nil, newConfigurationError("unknown check type %q", checkType)
	}
	return def, nil
}
