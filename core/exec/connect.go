package exec

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"

	"github.com/databridge/dataapi/conf"
)

// Open resolves ds.Kind to a registered database/sql driver and returns a
// pooled, pinged *sql.DB, trying Ping up to 10 times before giving up and
// returning the last ping error. Cosmos variants
// never reach here: a Cosmos DataSource is wired to a document-store
// client elsewhere, not this relational connector.
func Open(ds conf.DataSource) (*sql.DB, error) {
	driverName, connString, err := driverFor(ds)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, connString)
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)

	var pingErr error
	for i := 0; i < 10; i++ {
		if pingErr = db.Ping(); pingErr == nil {
			return db, nil
		}
		time.Sleep(time.Duration(i*100) * time.Millisecond)
	}
	db.Close() //nolint:errcheck
	return nil, fmt.Errorf("database ping: %w", pingErr)
}

func driverFor(ds conf.DataSource) (driverName, connString string, err error) {
	switch ds.Kind {
	case conf.KindPostgreSQL:
		cfg, err := pgx.ParseConfig(ds.ConnectionString)
		if err != nil {
			return "", "", fmt.Errorf("parse postgresql connection string: %w", err)
		}
		return "pgx", stdlib.RegisterConnConfig(cfg), nil
	case conf.KindMySQL:
		return "mysql", ds.ConnectionString, nil
	case conf.KindSQLite:
		return "sqlite3", ds.ConnectionString, nil
	case conf.KindMSSQL, conf.KindDWSQL:
		// No MSSQL driver is vendored into this build; a deployment that
		// targets mssql/dwsql must register one under the "sqlserver"
		// driver name before calling Open.
		return "sqlserver", ds.ConnectionString, nil
	default:
		return "", "", fmt.Errorf("exec: %s has no relational driver", ds.Kind)
	}
}
