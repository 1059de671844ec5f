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

// Package refdq wires warehouse connections to the core engine.
package refdq

import (
	"fmt"
	"log/slog"

	refdqcore "github.com/pyxel/refdq-core"
	"github.com/pyxel/refdq-core/adapters"
	"github.com/pyxel/refdq-core/cnn"
)

const (
	Version = "v0.1.0"

	defaultPoolSize = 8
)

func GetRefdqCoreLibVersion() string {
	return Version
}

// NewWarehouse builds the Warehouse implementation for a configured data
// source.
func NewWarehouse(dataSource *refdqcore.DataSource, logger *slog.Logger) (refdqcore.Warehouse, error) {
	switch dataSource.Type {
	case refdqcore.DataSourceTypeClickhouse:
		connection, err := cnn.NewClickhouseConnection(dataSource.Configuration, defaultPoolSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create clickhouse connection: %w", err)
		}
		return adapters.NewClickhouseWarehouse(connection, logger), nil
	case refdqcore.DataSourceTypePostgresql:
		connection, err := cnn.NewPostgresqlConnection(dataSource.Configuration, defaultPoolSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgresql connection: %w", err)
		}
		return adapters.NewPostgresqlWarehouse(connection, logger), nil
	case refdqcore.DataSourceTypeMysql:
		connection, err := cnn.NewMysqlConnection(dataSource.Configuration, defaultPoolSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create mysql connection: %w", err)
		}
		return adapters.NewMysqlWarehouse(connection, logger), nil
	default:
		return nil, fmt.Errorf("unsupported data source type: %s", dataSource.Type)
	}
}

// NewSession is a convenience wrapper that opens a warehouse connection
// and starts an upload session for the named table in one call.
func NewSession(dataSource *refdqcore.DataSource, registry *refdqcore.Registry, tableName string, mode refdqcore.UploadMode, settings *refdqcore.Settings, logger *slog.Logger) (*refdqcore.Session, error) {
	warehouse, err := NewWarehouse(dataSource, logger)
	if err != nil {
		return nil, err
	}
	return refdqcore.NewSession(warehouse, registry, tableName, mode, settings, logger)
}
