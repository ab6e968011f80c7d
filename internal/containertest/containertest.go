// Package containertest starts throwaway Postgres and Redis containers for
// integration tests. Each container is started once per test binary and
// removed by the testcontainers reaper when the binary exits. Tests are
// skipped when no Docker provider is reachable.
package containertest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

type service struct {
	once sync.Once
	addr string
	err  error
}

var (
	postgres service
	redis    service
)

// PostgresDSN returns a connection string for a postgres:15-alpine container
func PostgresDSN(t *testing.T) string {
	t.Helper()
	skip(t)

	postgres.once.Do(func() {
		postgres.addr, postgres.err = start(testcontainers.ContainerRequest{
			Image:        "postgres:15-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "clover",
				"POSTGRES_PASSWORD": "clover",
				"POSTGRES_DB":       "clover_test",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		}, "5432")
	})
	if postgres.err != nil {
		t.Fatalf("failed to start postgres container: %v", postgres.err)
	}
	return fmt.Sprintf("postgres://clover:clover@%s/clover_test?sslmode=disable", postgres.addr)
}

// RedisAddr returns host:port of a redis:7-alpine container
func RedisAddr(t *testing.T) string {
	t.Helper()
	skip(t)

	redis.once.Do(func() {
		redis.addr, redis.err = start(testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor: wait.ForLog("Ready to accept connections").
				WithStartupTimeout(30 * time.Second),
		}, "6379")
	})
	if redis.err != nil {
		t.Fatalf("failed to start redis container: %v", redis.err)
	}
	return redis.addr
}

func skip(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
}

func start(req testcontainers.ContainerRequest, port nat.Port) (string, error) {
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", err
	}

	host, err := container.Host(ctx)
	if err != nil {
		return "", err
	}
	mapped, err := container.MappedPort(ctx, port)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%s", host, mapped.Port()), nil
}
