package infra

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// DSNEnv names a database to reuse instead of starting one.
const DSNEnv = "STRESS_TEST_PG_DSN"

const stressImage = "postgres:16-alpine"

// Database is where a stress run writes. Shared databases were supplied by
// the caller and must survive the run.
type Database struct {
	DSN    string
	Shared bool

	container *postgres.PostgresContainer
}

// Acquire resolves the stress database: dsn, then $STRESS_TEST_PG_DSN, then
// a throwaway container when Docker answers, then a scratch database on a
// local server. ErrNoLocalPostgres means none of them is available.
func Acquire(ctx context.Context, dsn string) (*Database, error) {
	if dsn == "" {
		dsn = os.Getenv(DSNEnv)
	}
	if dsn != "" {
		return &Database{DSN: dsn, Shared: true}, nil
	}
	if dockerRunning(ctx) {
		return startContainer(ctx)
	}
	local, err := InitLocalDatabase(ctx)
	if err != nil {
		return nil, err
	}
	return &Database{DSN: local}, nil
}

func startContainer(ctx context.Context) (*Database, error) {
	c, err := postgres.Run(ctx, stressImage,
		postgres.WithDatabase(localDatabase),
		postgres.WithUsername(localRole),
		postgres.WithPassword(localPassword),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, fmt.Errorf("infra: run %s: %w", stressImage, err)
	}
	dsn, err := c.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return nil, errors.Join(fmt.Errorf("infra: container dsn: %w", err), c.Terminate(ctx))
	}
	return &Database{DSN: dsn, container: c}, nil
}

// Release stops the container Acquire started, if any.
func (d *Database) Release(ctx context.Context) error {
	if d == nil || d.container == nil {
		return nil
	}
	return d.container.Terminate(ctx)
}

func dockerRunning(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	cmd := exec.CommandContext(ctx, "docker", "info")
	cmd.Stdout, cmd.Stderr = io.Discard, io.Discard
	return cmd.Run() == nil
}
