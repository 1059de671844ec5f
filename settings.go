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
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Settings holds the engine's runtime tunables. Values come from an
// optional YAML file with environment variables taking precedence.
type Settings struct {
	// TempSchema is the shared schema staging relations materialize under;
	// relation names inside it are session-scoped.
	TempSchema string `yaml:"temp_schema" env:"REFDQ_TEMP_SCHEMA" env-default:"refdq_staging"`

	// MaxConcurrentTasks bounds the validation worker pool per session.
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks" env:"REFDQ_MAX_CONCURRENT_TASKS" env-default:"4"`

	// QueryTimeout is the per-call timeout applied to every warehouse
	// suspension point.
	QueryTimeout time.Duration `yaml:"query_timeout" env:"REFDQ_QUERY_TIMEOUT" env-default:"30s"`

	// MaxRetries bounds the per-stage retries of transient warehouse
	// failures.
	MaxRetries int `yaml:"max_retries" env:"REFDQ_MAX_RETRIES" env-default:"2"`

	// RetryDelay is the initial backoff delay between retries.
	RetryDelay time.Duration `yaml:"retry_delay" env:"REFDQ_RETRY_DELAY" env-default:"250ms"`

	// SampleRows caps the target preview returned by Session.TargetSample.
	SampleRows int `yaml:"sample_rows" env:"REFDQ_SAMPLE_ROWS" env-default:"100"`
}

// LoadSettings reads settings from the given YAML file plus the
// environment. An empty path reads the environment alone.
func LoadSettings(path string) (*Settings, error) {
	var s Settings
	if path == "" {
		if err := cleanenv.ReadEnv(&s); err != nil {
			return nil, err
		}
		return &s, nil
	}
	if err := cleanenv.ReadConfig(path, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// DefaultSettings returns the environment-only settings, falling back to
// the declared defaults.
func DefaultSettings() *Settings {
	s, err := LoadSettings("")
	if err != nil {
		// env-default tags make environment-only reads infallible; keep a
		// hard fallback anyway.
		return &Settings{
			TempSchema:         "refdq_staging",
			MaxConcurrentTasks: 4,
			QueryTimeout:       30 * time.Second,
			MaxRetries:         2,
			RetryDelay:         250 * time.Millisecond,
			SampleRows:         100,
		}
	}
	return s
}

func (s *Settings) retryConfig() *RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.MaxRetries = s.MaxRetries
	if s.RetryDelay > 0 {
		cfg.InitialDelay = s.RetryDelay
	}
	return cfg
}
