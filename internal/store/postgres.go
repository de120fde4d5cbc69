// Package store holds the lazy-initializing connection hubs shared by every
// component that needs a database, cache, broker, or document store
// connection: each hub exposes Connect() plus a GetX() accessor that
// connects on first use, mirroring the teacher's common/mpostgres,
// common/mredis, common/mrabbitmq, common/mmongo hubs.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bxcodec/dbresolver/v2"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stonegate/slgcore/internal/mlog"
)

// PostgresConnection is a hub for the primary/replica SQL pair the SQL
// executor (C2) writes through and the writeback read-merge/gate lookups
// read through.
type PostgresConnection struct {
	ConnectionStringPrimary string
	ConnectionStringReplica string
	MaxOpenConnections      int
	MaxIdleConnections      int
	DatabaseName            string
	MigrationsPath          string // file:// source dir for RunMigrations; empty disables it
	Logger                  mlog.Logger

	dbPrimary    *sql.DB
	connectionDB *dbresolver.DB
}

// Connect opens the primary and replica pools and wraps them in a
// dbresolver.DB that sends writes to primary and round-robins reads across
// replicas.
func (pc *PostgresConnection) Connect() error {
	pc.Logger.Info("connecting to primary and replica databases...")

	dbPrimary, err := sql.Open("pgx", pc.ConnectionStringPrimary)
	if err != nil {
		return fmt.Errorf("store: open primary: %w", err)
	}

	dbReplica, err := sql.Open("pgx", pc.ConnectionStringReplica)
	if err != nil {
		return fmt.Errorf("store: open replica: %w", err)
	}

	if pc.MaxOpenConnections > 0 {
		dbPrimary.SetMaxOpenConns(pc.MaxOpenConnections)
		dbReplica.SetMaxOpenConns(pc.MaxOpenConnections)
	}

	if pc.MaxIdleConnections > 0 {
		dbPrimary.SetMaxIdleConns(pc.MaxIdleConnections)
		dbReplica.SetMaxIdleConns(pc.MaxIdleConnections)
	}

	resolved := dbresolver.New(
		dbresolver.WithPrimaryDBs(dbPrimary),
		dbresolver.WithReplicaDBs(dbReplica),
		dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
	)

	if err := resolved.Ping(); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}

	pc.dbPrimary = dbPrimary
	pc.connectionDB = &resolved

	pc.Logger.Info("connected to postgres")

	return nil
}

// RunMigrations applies the fixed demo DDL under MigrationsPath (the
// region_saves/game_saves demo tables) using golang-migrate, the same driver+source/file combination the
// teacher's Connect() runs against components/ledger/migrations. This is
// not a schema-migration feature of the toolkit itself (SPEC_FULL §14
// non-goals): it only stands up the demo tables.
func (pc *PostgresConnection) RunMigrations() error {
	if pc.MigrationsPath == "" {
		return nil
	}

	if pc.dbPrimary == nil {
		if err := pc.Connect(); err != nil {
			return err
		}
	}

	driver, err := postgres.WithInstance(pc.dbPrimary, &postgres.Config{
		MultiStatementEnabled: true,
		DatabaseName:          pc.DatabaseName,
		SchemaName:            "public",
	})
	if err != nil {
		return fmt.Errorf("store: migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+pc.MigrationsPath, pc.DatabaseName, driver)
	if err != nil {
		return fmt.Errorf("store: migration source: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("store: run migrations: %w", err)
	}

	pc.Logger.Info("applied demo schema migrations")

	return nil
}

// GetDB returns the resolver, connecting on first use.
func (pc *PostgresConnection) GetDB(_ context.Context) (dbresolver.DB, error) {
	if pc.connectionDB == nil {
		if err := pc.Connect(); err != nil {
			return nil, err
		}
	}

	return *pc.connectionDB, nil
}
