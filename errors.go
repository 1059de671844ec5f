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
	"errors"
	"fmt"
)

// ConfigurationError reports a defect in the table or check configuration:
// an unknown check type, an unresolved template placeholder, a malformed
// primary key. It is raised at registry load time or session construction,
// before any data is processed.
type ConfigurationError struct {
	msg string
}

func newConfigurationError(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{msg: fmt.Sprintf(format, args...)}
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.msg
}

// IsConfigurationError reports whether err (or anything it wraps) is a
// ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// InfrastructureError wraps a warehouse connectivity or execution failure.
// Transient instances are retried a bounded number of times by the calling
// stage before being surfaced as that stage's failure.
type InfrastructureError struct {
	Stage     string
	Transient bool
	Err       error
}

func (e *InfrastructureError) Error() string {
	kind := "infrastructure error"
	if e.Transient {
		kind = "transient infrastructure error"
	}
	return fmt.Sprintf("%s in stage %s: %v", kind, e.Stage, e.Err)
}

func (e *InfrastructureError) Unwrap() error {
	return e.Err
}

// CommitError reports a failure during the final write. The target table is
// left unchanged; the upload did not partially succeed.
type CommitError struct {
	Err error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit failed, target table unchanged: %v", e.Err)
}

func (e *CommitError) Unwrap() error {
	return e.Err
}

// ErrSessionClosed is returned by session operations after Commit or Reset.
var ErrSessionClosed = errors.New("upload session is closed")

// ErrUploadNotAllowed is returned by Commit when the validation gate does
// not hold: schema not accepted, type failures present, or a check failed.
var ErrUploadNotAllowed = errors.New("upload is not allowed by the validation report")
