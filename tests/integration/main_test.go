//go:build integration

package integration

import (
	"context"
	"fmt"
	"log"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/bissquit/jobqueue/internal/app"
	"github.com/bissquit/jobqueue/internal/config"
	redisconn "github.com/bissquit/jobqueue/internal/pkg/redis"
	storagepostgres "github.com/bissquit/jobqueue/internal/storage/postgres"
	"github.com/bissquit/jobqueue/internal/testutil"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
)

var (
	testServer    *httptest.Server
	testValidator *testutil.OpenAPIValidator
	testDB        *pgxpool.Pool
	testStore     *storagepostgres.Repository
	testRedis     *redis.Client

	mailpitContainer *testutil.MailpitContainer
	mailpitInbox     *inbox
)

// OpenAPI document path relative to the tests/integration directory.
const openAPISpecPath = "../../api/openapi/openapi.yaml"

// newTestClient creates a test client with OpenAPI validation enabled.
func newTestClient(t *testing.T) *testutil.Client {
	t.Helper()
	client := testutil.NewClientWithValidator(testServer.URL, testValidator)
	client.SetT(t)
	return client
}

// newTestClientWithoutValidation creates a test client without OpenAPI validation.
// Use this for tests that intentionally send invalid requests.
func newTestClientWithoutValidation() *testutil.Client {
	return testutil.NewClient(testServer.URL)
}

// resetDB empties every table so tests do not see each other's rows.
func resetDB(t *testing.T) {
	t.Helper()
	_, err := testDB.Exec(context.Background(),
		`TRUNCATE messages, dead_letter_records, queue_metrics, task_templates`)
	require.NoError(t, err)
}

func TestMain(m *testing.M) {
	code, err := run(m)
	if err != nil {
		log.Printf("integration setup: %v", err)
		os.Exit(1)
	}
	os.Exit(code)
}

// run starts the backing containers and the application, runs the tests and
// tears everything down before TestMain exits.
func run(m *testing.M) (int, error) {
	ctx := context.Background()

	pgContainer, err := testutil.NewPostgresContainer(ctx)
	if err != nil {
		return 0, err
	}
	defer terminate(ctx, "postgres", pgContainer)

	redisContainer, err := testutil.NewRedisContainer(ctx)
	if err != nil {
		return 0, err
	}
	defer terminate(ctx, "redis", redisContainer)

	mailpitContainer, err = testutil.NewMailpitContainer(ctx)
	if err != nil {
		return 0, err
	}
	defer terminate(ctx, "mailpit", mailpitContainer)
	mailpitInbox = newInbox(mailpitContainer.APIHost, mailpitContainer.APIPort)

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = "0"
	cfg.Server.MetricsPort = "0"
	cfg.Log = config.LogConfig{Level: "error", Format: "text"}
	cfg.Database.URL = pgContainer.ConnectionString
	cfg.Database.MaxOpenConns = 10
	cfg.Database.ConnectAttempts = 3
	cfg.Database.AutoMigrate = true
	cfg.Database.MigrationsPath = "../../migrations"
	cfg.JWT.SecretKey = testutil.TestJWTSecret
	cfg.JWT.Issuer = testutil.TestJWTIssuer
	// Tests drive the worker, reaper, aggregator and archiver themselves.
	cfg.Queue.Worker.Enabled = false
	cfg.Queue.Reaper.Enabled = false
	cfg.Metrics.Enabled = false
	cfg.Archive.Enabled = false

	application, err := app.New(&cfg)
	if err != nil {
		return 0, fmt.Errorf("create app: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := application.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown app: %v", err)
		}
		application.Close()
	}()

	testDB, err = pgxpool.New(ctx, pgContainer.ConnectionString)
	if err != nil {
		return 0, fmt.Errorf("test db pool: %w", err)
	}
	defer testDB.Close()
	testStore = storagepostgres.NewRepository(testDB)

	testRedis, err = redisconn.Connect(ctx, redisconn.Config{
		URL:             redisContainer.URL,
		ConnectTimeout:  10 * time.Second,
		ConnectAttempts: 3,
	})
	if err != nil {
		return 0, fmt.Errorf("connect redis: %w", err)
	}
	defer func() { _ = testRedis.Close() }()

	testValidator, err = testutil.LoadOpenAPIValidator(openAPISpecPath)
	if err != nil {
		return 0, err
	}

	testServer = httptest.NewServer(application.Router())
	defer testServer.Close()

	return m.Run(), nil
}

func terminate(ctx context.Context, name string, c testcontainers.Container) {
	if err := c.Terminate(ctx); err != nil {
		log.Printf("terminate %s: %v", name, err)
	}
}
