package cnn

import (
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	refdqcore "github.com/pyxel/refdq-core"
)

func NewClickhouseConnection(connectionCfg refdqcore.ConnectionConfig, poolSize int) (driver.Conn, error) {
	addr := connectionCfg.Host
	if connectionCfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", connectionCfg.Host, connectionCfg.Port)
	}
	cnn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: connectionCfg.Database,
			Username: connectionCfg.Username,
			Password: connectionCfg.Password,
		},
		MaxOpenConns: poolSize,
		MaxIdleConns: poolSize,
	})
	return cnn, err
}
