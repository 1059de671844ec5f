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

// StageError surfaces an infrastructure failure of one validation stage.
// The other stages still report their own results.
type StageError struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// ValidationReport is the single immutable output of one validation run.
// Check results appear in configuration order regardless of concurrent
// completion timing, so re-running validation on unchanged staged data
// yields an identical report.
type ValidationReport struct {
	Table      string           `json:"table"`
	Mode       UploadMode       `json:"mode"`
	StagedRows int              `json:"staged_rows"`
	Schema     SchemaResult     `json:"schema_result"`
	Types      []TypeFailure    `json:"type_result"`
	Checks     []CheckResult    `json:"check_results"`
	Impact     ImpactSummary    `json:"impact_summary"`
	Stages     []StageError     `json:"stage_errors,omitempty"`
	// ActionNote records a post-upload action failure. The commit itself
	// succeeded; only the follow-up command did not.
	ActionNote string `json:"action_note,omitempty"`
}

// UploadAllowed reports whether the upload gate holds: schema matched or
// explicitly overridden, zero type failures, every check passed, and no
// stage was lost to an infrastructure error.
func (r *ValidationReport) UploadAllowed() bool {
	if !r.Schema.Accepted() {
		return false
	}
	if len(r.Types) > 0 {
		return false
	}
	for i := range r.Checks {
		if !r.Checks[i].Passed || r.Checks[i].Error != "" {
			return false
		}
	}
	return len(r.Stages) == 0
}

// SchemaOnly reports whether the session halted at the schema gate, so the
// report exposes only the schema result.
func (r *ValidationReport) SchemaOnly() bool {
	return !r.Schema.Accepted()
}
