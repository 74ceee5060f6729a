//go:build integration

package integration

import (
	"context"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avdeenkov/remindrelay/internal/app"
	"github.com/avdeenkov/remindrelay/internal/config"
	"github.com/avdeenkov/remindrelay/internal/testutil"
)

var (
	testServer    *httptest.Server
	testValidator *testutil.OpenAPIValidator
	testDB        *pgxpool.Pool
)

// OpenAPI spec path relative to the tests/integration directory.
const openAPISpecPath = "../../api/openapi/openapi.yaml"

// newTestClient creates a new test client with OpenAPI validation enabled.
// Use this at the beginning of each test that makes API calls.
func newTestClient(t *testing.T) *testutil.Client {
	t.Helper()
	client := testutil.NewClientWithValidator(testServer.URL, testValidator)
	client.SetT(t)
	return client
}

// newTestClientWithoutValidation creates a test client without OpenAPI validation.
// Use this for tests that intentionally test error responses or invalid scenarios.
func newTestClientWithoutValidation() *testutil.Client {
	return testutil.NewClient(testServer.URL)
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	testutil.DecodeJSON(t, resp, v)
}

func TestMain(m *testing.M) {
	ctx := context.Background()

	pgContainer, err := testutil.NewPostgresContainer(ctx)
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("terminate postgres: %v", err)
		}
	}()

	cfg := &config.Config{
		Server: config.ServerConfig{
			Host:         "127.0.0.1",
			Port:         "0",
			MetricsPort:  "0",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Log: config.LogConfig{
			Level:  "error",
			Format: "text",
		},
		Storage: config.StorageConfig{
			Driver: "postgres",
		},
		Database: config.DatabaseConfig{
			URL:             pgContainer.ConnectionString,
			MaxOpenConns:    5,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
			ConnectTimeout:  30 * time.Second,
			ConnectAttempts: 3,
			MigrationsPath:  "../../migrations",
		},
		// Background processing stays out of the way: tests drive the
		// queue and the escalation engine explicitly, and a competing
		// poll worker would make them flaky.
		Worker: config.WorkerConfig{
			PollInterval: time.Hour,
			NumWorkers:   1,
		},
		Retry: config.RetryConfig{
			BaseDelay:   60 * time.Second,
			MaxDelay:    3600 * time.Second,
			Multiplier:  2.0,
			MaxAttempts: 3,
		},
		Queue: config.QueueConfig{
			ClaimTTL:         2 * time.Minute,
			HistoryRetention: 30 * 24 * time.Hour,
			PruneInterval:    time.Hour,
		},
		Escalation: config.EscalationConfig{
			ScanInterval: time.Hour,
		},
		// Disabled transport accepts every send without leaving the
		// process, which is exactly what API flow tests need.
		Transport: config.TransportConfig{
			Enabled: false,
		},
		RateLimit: config.RateLimitConfig{
			GlobalRate:  1000,
			GlobalBurst: 1000,
			RouteRate:   1000,
			RouteBurst:  1000,
		},
	}

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("create app: %v", err)
	}

	// Create a direct DB connection for tests that need it
	testDB, err = pgxpool.New(ctx, pgContainer.ConnectionString)
	if err != nil {
		log.Fatalf("create test db pool: %v", err)
	}

	testServer = httptest.NewServer(application.Router())

	// Load OpenAPI validator
	testValidator, err = testutil.LoadOpenAPIValidator(openAPISpecPath)
	if err != nil {
		log.Fatalf("load OpenAPI validator: %v", err)
	}

	code := m.Run()

	testServer.Close()
	testDB.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown app: %v", err)
	}

	os.Exit(code)
}
