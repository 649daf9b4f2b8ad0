package e2e

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/hibiken/asynq"

	"github.com/datapipe/api/internal/auth"
	"github.com/datapipe/api/internal/blob"
	"github.com/datapipe/api/internal/bus"
	"github.com/datapipe/api/internal/client"
	"github.com/datapipe/api/internal/clock"
	"github.com/datapipe/api/internal/config"
	"github.com/datapipe/api/internal/handler"
	"github.com/datapipe/api/internal/middleware"
	"github.com/datapipe/api/internal/model"
	"github.com/datapipe/api/internal/service"
	"github.com/datapipe/api/internal/store"
	"github.com/datapipe/api/internal/worker"
)

const testKeySecret = "test-secret-for-e2e"

// stubScraper is a controllable Scraper: it can fail N times retryably,
// fail terminally, or run slowly while honouring cancellation. Run
// intervals are recorded for ordering assertions.
type stubScraper struct {
	mu           sync.Mutex
	failuresLeft int
	terminal     bool
	delay        time.Duration
	intervals    [][2]time.Time
}

func (s *stubScraper) IsConfigured() bool { return true }

func (s *stubScraper) Run(ctx context.Context, params *model.ScrapeParameters) (*client.Result, error) {
	start := time.Now()
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return &client.Result{Hint: client.HintRetryable, ErrDetail: ctx.Err().Error()}, nil
		case <-time.After(s.delay):
		}
	}

	s.mu.Lock()
	s.intervals = append(s.intervals, [2]time.Time{start, time.Now()})
	if s.terminal {
		s.mu.Unlock()
		return &client.Result{Hint: client.HintTerminal, ErrDetail: "unauthorized at source"}, nil
	}
	if s.failuresLeft > 0 {
		s.failuresLeft--
		s.mu.Unlock()
		return &client.Result{Hint: client.HintRetryable, ErrDetail: "connection reset by target"}, nil
	}
	s.mu.Unlock()

	body, _ := json.Marshal(map[string]string{"url": params.URL, "title": "Scraped page"})
	return &client.Result{
		Hint: client.HintOK,
		Artifacts: []client.ResultArtifact{{
			Name:        "page.json",
			ContentType: "application/json",
			Body:        body,
			Metadata:    map[string]string{"source_url": params.URL},
		}},
	}, nil
}

func (s *stubScraper) recorded() [][2]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][2]time.Time(nil), s.intervals...)
}

func (s *stubScraper) succeedFromNow() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failuresLeft = 0
	s.terminal = false
}

// testApp wires the whole pipeline in-process: memory store, in-proc bus,
// local blob store, stub collaborators, and the /v1 surface.
type testApp struct {
	app     *fiber.App
	store   *store.MemoryStore
	bus     *bus.InProcBus
	blob    blob.Store
	scraper *stubScraper
}

func setupApp(t *testing.T) *testApp {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.System()
	st := store.NewMemoryStore(clk)

	b := bus.NewInProc()
	b.RetryDelayFn = func(n int, err error, task *asynq.Task) time.Duration { return 20 * time.Millisecond }
	t.Cleanup(func() { b.Close() })

	blobStore, err := blob.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	validate := validator.New()
	keyValidator := auth.NewHMACKeyValidator(testKeySecret)

	timeouts := service.Timeouts{Scrape: 30 * time.Second, OCR: 30 * time.Second}
	recorder := service.NewRecorder(st, clk, log)
	dispatcher := service.NewDispatcher(st, b, recorder, clk, timeouts, log)
	jobsService := service.NewJobs(st, b, recorder, dispatcher, validate, clk, log, 5)
	queryService := service.NewQuery(st, blobStore)

	scraper := &stubScraper{}
	ocrEngine := client.NewOCREngine(&config.OCRConfig{}) // unconfigured: mock results
	runner := worker.NewRunner(st, recorder, blobStore, scraper, ocrEngine, clk, log, "worker-e2e")
	b.Handle(bus.TaskTypeScrape, runner.ProcessScrape)
	b.Handle(bus.TaskTypeOCR, runner.ProcessOCR)

	jobsHandler := handler.NewJobsHandler(jobsService, queryService, validate)
	execHandler := handler.NewExecutionsHandler(queryService)
	artifactsHandler := handler.NewArtifactsHandler(queryService)
	adminHandler := handler.NewAdminHandler(jobsService, st, validate)
	statusHandler := handler.NewStatusHandler(st, blobStore, b, func() bool { return false }, clk)

	authMW := middleware.NewAuthMiddleware(keyValidator)
	rateLimiter := middleware.NewRateLimiter(st, config.RateLimitConfig{
		ReadBurst: 10000, ReadPerSec: 10000,
		WriteBurst: 10000, WritePerSec: 10000,
		AdminBurst: 10000, AdminPerSec: 10000,
	})

	app := fiber.New(fiber.Config{})
	app.Use(requestid.New())
	app.Get("/healthz", statusHandler.Healthz)

	v1 := app.Group("/v1", authMW.Authenticate())
	v1.Get("/status", rateLimiter.Limit(middleware.OpClassRead), statusHandler.Status)

	jobs := v1.Group("/jobs")
	jobs.Post("/", middleware.RequireWrite(), rateLimiter.Limit(middleware.OpClassWrite), jobsHandler.Submit)
	jobs.Get("/", rateLimiter.Limit(middleware.OpClassRead), jobsHandler.List)
	jobs.Get("/:id", rateLimiter.Limit(middleware.OpClassRead), jobsHandler.Get)
	jobs.Delete("/:id", middleware.RequireWrite(), rateLimiter.Limit(middleware.OpClassWrite), jobsHandler.Cancel)
	jobs.Get("/:id/executions", rateLimiter.Limit(middleware.OpClassRead), execHandler.ListForJob)

	v1.Get("/executions/:id", rateLimiter.Limit(middleware.OpClassRead), execHandler.Get)
	v1.Get("/artifacts/:id", rateLimiter.Limit(middleware.OpClassRead), artifactsHandler.Get)
	v1.Get("/artifacts/:id/body", rateLimiter.Limit(middleware.OpClassRead), artifactsHandler.Body)

	admin := v1.Group("/admin", middleware.RequireAdmin(), rateLimiter.Limit(middleware.OpClassAdmin))
	admin.Post("/dlq/redrive", adminHandler.Redrive)
	admin.Get("/dlq", adminHandler.ListDLQ)

	return &testApp{app: app, store: st, bus: b, blob: blobStore, scraper: scraper}
}

// apiKey mints a signed key for requests.
func apiKey(t *testing.T, tenantID string, role model.Role) string {
	t.Helper()
	key, err := auth.GenerateKey(testKeySecret, "key-"+tenantID, tenantID, role, time.Hour)
	if err != nil {
		t.Fatalf("failed to generate API key: %v", err)
	}
	return key
}

func doRequest(t *testing.T, app *fiber.App, method, path, body, key string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("failed to decode %q: %v", data, err)
	}
}

// waitFor polls until cond returns true or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type executionsPage struct {
	Items      []*model.Execution `json:"items"`
	NextCursor string             `json:"nextCursor"`
}

// listExecutions fetches a job's executions through the API.
func listExecutions(t *testing.T, app *fiber.App, key, jobID string) []*model.Execution {
	t.Helper()
	resp := doRequest(t, app, http.MethodGet, "/v1/jobs/"+jobID+"/executions", "", key)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list executions status = %d", resp.StatusCode)
	}
	var page executionsPage
	decodeBody(t, resp, &page)
	return page.Items
}
