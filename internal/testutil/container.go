package testutil

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const startupTimeout = 60 * time.Second

// PostgresContainer is the message store used by integration tests.
type PostgresContainer struct {
	*postgres.PostgresContainer
	ConnectionString string
}

// RedisContainer backs the lease tests.
type RedisContainer struct {
	testcontainers.Container
	URL string
}

// MailpitContainer accepts SMTP on SMTPPort and exposes the captured mail
// through its REST API on APIPort.
type MailpitContainer struct {
	testcontainers.Container
	SMTPHost string
	SMTPPort int
	APIHost  string
	APIPort  int
}

func NewPostgresContainer(ctx context.Context) (*PostgresContainer, error) {
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("jobqueue"),
		postgres.WithUsername("jobqueue"),
		postgres.WithPassword("jobqueue"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(startupTimeout),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("start postgres container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return nil, fmt.Errorf("postgres connection string: %w", err)
	}
	return &PostgresContainer{PostgresContainer: container, ConnectionString: connStr}, nil
}

func NewRedisContainer(ctx context.Context) (*RedisContainer, error) {
	c, host, ports, err := startGeneric(ctx, "redis", testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	})
	if err != nil {
		return nil, err
	}
	return &RedisContainer{
		Container: c,
		URL:       fmt.Sprintf("redis://%s:%d/0", host, ports["6379/tcp"]),
	}, nil
}

func NewMailpitContainer(ctx context.Context) (*MailpitContainer, error) {
	c, host, ports, err := startGeneric(ctx, "mailpit", testcontainers.ContainerRequest{
		Image:        "ghcr.io/axllent/mailpit:latest",
		ExposedPorts: []string{"1025/tcp", "8025/tcp"},
		WaitingFor:   wait.ForHTTP("/api/v1/info").WithPort("8025/tcp"),
	})
	if err != nil {
		return nil, err
	}
	return &MailpitContainer{
		Container: c,
		SMTPHost:  host,
		SMTPPort:  ports["1025/tcp"],
		APIHost:   host,
		APIPort:   ports["8025/tcp"],
	}, nil
}

// startGeneric starts req, waits for every exposed port to listen, and
// returns the host with the mapped port of each exposed port.
func startGeneric(ctx context.Context, name string, req testcontainers.ContainerRequest) (testcontainers.Container, string, map[string]int, error) {
	strategies := make([]wait.Strategy, 0, len(req.ExposedPorts)+1)
	for _, p := range req.ExposedPorts {
		strategies = append(strategies, wait.ForListeningPort(nat.Port(p)))
	}
	if req.WaitingFor != nil {
		strategies = append(strategies, req.WaitingFor)
	}
	req.WaitingFor = wait.ForAll(strategies...).WithDeadline(startupTimeout)

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, "", nil, fmt.Errorf("start %s container: %w", name, err)
	}

	host, err := c.Host(ctx)
	if err != nil {
		return nil, "", nil, fmt.Errorf("%s host: %w", name, err)
	}
	ports := make(map[string]int, len(req.ExposedPorts))
	for _, p := range req.ExposedPorts {
		mapped, err := c.MappedPort(ctx, nat.Port(p))
		if err != nil {
			return nil, "", nil, fmt.Errorf("%s port %s: %w", name, p, err)
		}
		ports[p] = mapped.Int()
	}
	return c, host, ports, nil
}
