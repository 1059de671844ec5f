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
	"regexp"
	"strconv"
	"strings"
)

var (
	placeholderRegex = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)
	identifierRegex  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)
)

// Placeholders returns the distinct placeholder names referenced by a
// template, in order of first appearance.
func Placeholders(template string) []string {
	seen := map[string]bool{}
	var names []string
	for _, match := range placeholderRegex.FindAllStringSubmatch(template, -1) {
		if !seen[match[1]] {
			seen[match[1]] = true
			names = append(names, match[1])
		}
	}
	return names
}

// RenderTemplate substitutes every {name} occurrence in the template from
// vars. A placeholder without a supplied value is a ConfigurationError;
// vars entries the template never references are tolerated.
func RenderTemplate(template string, vars map[string]string) (string, error) {
	var missing []string
	rendered := placeholderRegex.ReplaceAllStringFunc(template, func(match string) string {
		name := match[1 : len(match)-1]
		value, ok := vars[name]
		if !ok {
			missing = append(missing, name)
			return match
		}
		return value
	})
	if len(missing) > 0 {
		return "", newConfigurationError("template references undefined placeholder(s): %s", strings.Join(missing, ", "))
	}
	return rendered, nil
}

// ValidateTemplate checks at load time that every placeholder in the
// template is resolvable from the system-provided names plus the declared
// parameter keys.
func ValidateTemplate(template string, available map[string]bool) error {
	for _, name := range Placeholders(template) {
		if !available[name] {
			return newConfigurationError("placeholder {%s} has no supplied value", name)
		}
	}
	return nil
}

// IsIdentifier reports whether s is safe to raw-insert into SQL as a
// (possibly dotted) identifier.
func IsIdentifier(s string) bool {
	return identifierRegex.MatchString(s)
}

// SQLValue renders a check parameter for substitution into a SQL template.
// Numeric and boolean literals pass through unchanged; anything else is
// quoted as a string literal with embedded quotes doubled, so configured
// values cannot break out of their literal position.
func SQLValue(s string) string {
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		return s
	}
	switch strings.ToLower(s) {
	case "true", "false", "null":
		return strings.ToLower(s)
	}
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
